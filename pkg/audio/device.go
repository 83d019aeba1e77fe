// Package audio defines the device capabilities and sample types used by the
// live session engine.
//
// The two primary abstractions are:
//
//   - [InputSource] opens a microphone and returns an [InputStream] that
//     delivers fixed-size [Frame] values at the device's cadence.
//   - [OutputSink] opens a playback device and returns an [OutputDevice]
//     with its own audio clock, on which decoded [Buffer] values are
//     scheduled at exact start times.
//
// Implementations live in adapter packages (audio/portaudio, audio/wavfile,
// audio/mock). Each session opens its own devices; nothing here is a
// process-wide singleton.
package audio

import (
	"context"
	"time"
)

// InputStream is an open microphone.
//
// Frames is closed when the stream ends, either because Close was called or
// because the device failed. After the channel closes, Err reports the
// failure (nil for a clean Close).
type InputStream interface {
	Frames() <-chan Frame
	Err() error

	// Close stops capture and releases the device. Safe to call more than
	// once.
	Close() error
}

// InputSource acquires microphone access.
//
// Open blocks until the device is ready or ctx is cancelled. A permission
// or device failure is returned as an error; callers classify it as an
// acquisition failure.
type InputSource interface {
	Open(ctx context.Context, format Format, frameSize int) (InputStream, error)
}

// Voice is a single scheduled playback on an [OutputDevice].
type Voice interface {
	// Stop cancels playback. The voice's completion callback is not invoked
	// after Stop returns. Stop is idempotent.
	Stop()
}

// OutputDevice is an open playback device that owns a monotonically
// increasing audio clock.
//
// Implementations must be safe for concurrent use. Completion callbacks are
// invoked from the device's own goroutine and must not block.
type OutputDevice interface {
	// Now returns the current position of the audio clock.
	Now() time.Duration

	// Play schedules buf to start at clock position at. When at is already
	// in the past, playback starts immediately. onEnded is invoked once after
	// the last sample has been rendered, unless the voice was stopped.
	Play(buf *Buffer, at time.Duration, onEnded func()) (Voice, error)

	// Close stops all voices and releases the device. Safe to call more than
	// once.
	Close() error
}

// OutputSink acquires a playback device.
type OutputSink interface {
	Open(ctx context.Context, format Format) (OutputDevice, error)
}
