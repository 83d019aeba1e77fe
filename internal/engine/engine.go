// Package engine implements the live audio session: a full-duplex voice
// conversation between a local microphone and speaker and a hosted
// speech-to-speech model.
//
// A [Session] owns everything for one conversation. It acquires the
// microphone, the output device, and the remote [s2s.Channel] concurrently,
// then runs three cooperating loops:
//
//   - capture forwards encoded microphone frames to the remote, dropping them
//     while muted;
//   - the session actor applies inbound events in order: transcripts go to
//     the [Aggregator], synthesized audio goes to the [Scheduler], and
//     interruptions cut playback;
//   - the output device plays scheduled chunks against its own clock and
//     reports completions back to the scheduler.
//
// All status transitions happen on the actor goroutine, so handlers observe
// them in order. Teardown runs exactly once, whichever path triggers it.
//
// This package lives under internal/ because it encapsulates application-private
// processing logic and is not intended to be imported by external code.
package engine

import (
	"log/slog"
	"time"

	"github.com/MrWong99/nexuslive/internal/observe"
	"github.com/MrWong99/nexuslive/pkg/audio"
	"github.com/MrWong99/nexuslive/pkg/audio/codec"
	"github.com/MrWong99/nexuslive/pkg/provider/s2s"
)

const (
	// DefaultFrameSize is the number of samples per captured frame.
	DefaultFrameSize = 4096

	// DefaultThinkingDelay is how long the session waits after forwarding
	// user audio with no reply before it reports [StatusThinking].
	DefaultThinkingDelay = 1200 * time.Millisecond
)

// Config holds per-session settings.
type Config struct {
	// Instructions is the system prompt for the remote model.
	Instructions string

	// Voice selects the remote model's voice. Empty uses the provider
	// default.
	Voice string

	// History is replayed to the model before any audio.
	History []s2s.HistoryItem

	// InputFormat is the capture format. Zero uses the provider's input
	// format, falling back to 16 kHz mono.
	InputFormat audio.Format

	// OutputFormat is the playback device format. Zero uses the provider's
	// output format, falling back to 24 kHz mono.
	OutputFormat audio.Format

	// FrameSize is the number of samples per captured frame. Zero uses
	// [DefaultFrameSize].
	FrameSize int

	// ThinkingDelay overrides [DefaultThinkingDelay]. Negative disables the
	// thinking status.
	ThinkingDelay time.Duration

	// ProviderName labels connect metrics. Optional.
	ProviderName string
}

func (c Config) withDefaults(caps s2s.Capabilities) Config {
	if c.InputFormat.SampleRate == 0 {
		c.InputFormat = caps.InputFormat
	}
	if c.InputFormat.SampleRate == 0 {
		c.InputFormat = audio.Format{SampleRate: codec.DefaultInputRate, Channels: 1}
	}
	if c.InputFormat.Channels == 0 {
		c.InputFormat.Channels = 1
	}
	if c.OutputFormat.SampleRate == 0 {
		c.OutputFormat = caps.OutputFormat
	}
	if c.OutputFormat.SampleRate == 0 {
		c.OutputFormat = audio.Format{SampleRate: codec.DefaultOutputRate, Channels: 1}
	}
	if c.OutputFormat.Channels == 0 {
		c.OutputFormat.Channels = 1
	}
	if c.FrameSize <= 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.ThinkingDelay == 0 {
		c.ThinkingDelay = DefaultThinkingDelay
	}
	if c.ProviderName == "" {
		c.ProviderName = "unknown"
	}
	return c
}

// Option is a functional option for configuring a [Session].
type Option func(*Session)

// WithStatusHandler registers fn to receive every status transition.
// Handlers run on session goroutines and must not call [Session.Close].
func WithStatusHandler(fn func(StatusChange)) Option {
	return func(s *Session) { s.onStatus = fn }
}

// WithTranscriptHandler registers fn to receive each finalized transcript
// entry, once per entry, in transcript order.
func WithTranscriptHandler(fn func(TranscriptEntry)) Option {
	return func(s *Session) { s.onTranscript = fn }
}

// WithInterimHandler registers fn to receive the accumulated text of the
// current turn for role whenever a fragment arrives.
func WithInterimHandler(fn func(role, text string)) Option {
	return func(s *Session) { s.onInterim = fn }
}

// WithLogger sets the session logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithClock sets the wall clock used to timestamp transcript entries and
// status changes.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithID overrides the generated session ID.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}
