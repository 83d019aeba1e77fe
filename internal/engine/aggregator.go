package engine

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Transcript roles.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// TranscriptEntry is one finalized turn of the conversation.
type TranscriptEntry struct {
	Role string
	Text string
	At   time.Time
}

// Aggregator accumulates partial transcriptions for the current turn and
// turns them into [TranscriptEntry] values when the turn completes.
//
// Fragments are concatenated exactly as received. The zero value is ready
// to use.
type Aggregator struct {
	now func() time.Time

	mu         sync.Mutex
	user       strings.Builder
	agent      strings.Builder
	transcript []TranscriptEntry
}

// NewAggregator returns an aggregator stamping entries with now. A nil now
// uses [time.Now].
func NewAggregator(now func() time.Time) *Aggregator {
	return &Aggregator{now: now}
}

// AppendUserFragment adds text to the user's buffer for the current turn.
func (a *Aggregator) AppendUserFragment(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.user.WriteString(text)
}

// AppendAgentFragment adds text to the agent's buffer for the current turn.
func (a *Aggregator) AppendAgentFragment(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.agent.WriteString(text)
}

// Interim returns the text buffered so far for role.
func (a *Aggregator) Interim(role string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if role == RoleAgent {
		return a.agent.String()
	}
	return a.user.String()
}

// FlushOnTurnComplete finalizes the current turn. Non-empty buffers become
// entries, user before agent, and are appended to the transcript. Both
// buffers are cleared. The new entries are returned; nil when both buffers
// were empty.
func (a *Aggregator) FlushOnTurnComplete() []TranscriptEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now
	if a.now != nil {
		now = a.now
	}

	var out []TranscriptEntry
	if text := strings.TrimSpace(a.user.String()); text != "" {
		out = append(out, TranscriptEntry{Role: RoleUser, Text: text, At: now()})
	}
	if text := strings.TrimSpace(a.agent.String()); text != "" {
		out = append(out, TranscriptEntry{Role: RoleAgent, Text: text, At: now()})
	}
	a.user.Reset()
	a.agent.Reset()
	a.transcript = append(a.transcript, out...)
	return out
}

// Transcript returns a copy of every entry finalized so far.
func (a *Aggregator) Transcript() []TranscriptEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.transcript)
}
