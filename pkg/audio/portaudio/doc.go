// Package portaudio opens the default system microphone and speaker through
// PortAudio.
//
// The hardware implementation needs the PortAudio C library and is only
// compiled with the "portaudio" build tag. Without it, [Source] and [Sink]
// fail to open with [ErrUnavailable], so callers can register them
// unconditionally.
package portaudio

import "errors"

// ErrUnavailable is returned when the binary was built without PortAudio.
var ErrUnavailable = errors.New("portaudio: not compiled in; rebuild with -tags portaudio")

// Source captures mono audio from the default input device.
type Source struct{}

// Sink plays audio on the default output device.
type Sink struct {
	// FramesPerBuffer is the device callback size. Zero picks 20 ms.
	FramesPerBuffer int
}
