// Package s2s defines the Provider interface for streaming speech-to-speech
// backends.
//
// A provider wraps a hosted real-time voice model that accepts raw microphone
// audio and streams back synthesized speech together with transcriptions of
// both sides of the conversation. Examples are the Gemini Live API and the
// OpenAI Realtime API.
//
// The central abstraction is [Channel]: a single duplex connection that
// carries outbound audio frames and delivers inbound [Event] values in the
// order the remote produced them. Channels are long-lived (seconds to
// minutes) and are never reused; a reconnect opens a new Channel.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/nexuslive/pkg/audio"
	"github.com/MrWong99/nexuslive/pkg/audio/codec"
)

// ErrChannelClosed is returned by [Channel.SendAudio] after the channel has
// been closed, either locally or by the remote.
var ErrChannelClosed = errors.New("s2s: channel closed")

// ErrNotConfigured is wrapped by Connect errors caused by missing provider
// configuration such as an absent API key.
var ErrNotConfigured = errors.New("s2s: provider not configured")

// HistoryItem is one prior conversation turn replayed to the model as context
// when a channel is opened.
type HistoryItem struct {
	// Role is "user" or "model". "assistant" and "agent" are accepted as
	// aliases for "model".
	Role string

	// Text is the turn's content.
	Text string
}

// IsModel reports whether the item was spoken by the model.
func (h HistoryItem) IsModel() bool {
	switch h.Role {
	case "model", "assistant", "agent":
		return true
	}
	return false
}

// SessionConfig is the initial configuration for a new channel.
type SessionConfig struct {
	// Instructions is the system-level prompt that defines the persona.
	Instructions string

	// Voice is the provider-specific prebuilt voice name (e.g. "Fenrir").
	// Empty selects the provider default.
	Voice string

	// History is sent once, after the remote acknowledges setup and before
	// any audio, as completed conversation turns.
	History []HistoryItem
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// InputFormat is the audio format the provider expects from
	// [Channel.SendAudio] callers. Providers that need a different native
	// rate resample internally.
	InputFormat audio.Format

	// OutputFormat is the format of synthesized audio delivered in events.
	OutputFormat audio.Format

	// MaxSessionDuration is the hard upper bound on channel lifetime imposed
	// by the remote. Zero means no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the prebuilt voice names the provider accepts.
	Voices []string
}

// AudioPayload is one chunk of synthesized speech, still base64 encoded as it
// arrived on the wire. Decoding is left to the consumer so a malformed chunk
// can be dropped without affecting the channel.
type AudioPayload struct {
	Data       string
	MIMEType   string
	SampleRate int
	Channels   int
}

// Event is one inbound message from the remote. Several fields may be set on
// the same event; consumers apply them in the order InputTranscript,
// OutputTranscript, Audio, Interrupted, TurnComplete.
type Event struct {
	// InputTranscript is a partial transcription of the user's speech.
	InputTranscript string

	// OutputTranscript is a partial transcription of the model's speech.
	OutputTranscript string

	// Audio holds synthesized speech chunks in playback order.
	Audio []AudioPayload

	// Interrupted reports that the remote detected the user talking over the
	// model and discarded the rest of its response.
	Interrupted bool

	// TurnComplete marks the end of the model's turn.
	TurnComplete bool
}

// Channel is an open duplex connection to a remote voice model.
//
// Callers must call Close when the channel is no longer needed.
type Channel interface {
	// SendAudio delivers one outbound frame. The frame must be encoded at the
	// provider's [Capabilities.InputFormat]. Returns [ErrChannelClosed] (or a
	// wrapped transport error) once the channel is no longer usable.
	SendAudio(frame codec.WireFrame) error

	// Events returns the inbound event stream. The channel is closed when the
	// connection ends for any reason; afterwards Err reports why.
	Events() <-chan Event

	// Err returns the failure that ended the channel, or nil if it ended
	// because Close was called.
	Err() error

	// Close terminates the connection and closes the Events channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming speech backend.
type Provider interface {
	// Connect opens a new channel and returns once the remote has accepted
	// the session configuration. Cancelling ctx aborts the attempt.
	Connect(ctx context.Context, cfg SessionConfig) (Channel, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}

// DrainEvents discards events from c until its event channel closes. Run it
// in its own goroutine after Close so a reader blocked on delivery can exit.
func DrainEvents(c Channel) {
	for range c.Events() {
	}
}
