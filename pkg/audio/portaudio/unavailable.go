//go:build !portaudio

package portaudio

import (
	"context"

	"github.com/MrWong99/nexuslive/pkg/audio"
)

// Open always fails with [ErrUnavailable].
func (Source) Open(context.Context, audio.Format, int) (audio.InputStream, error) {
	return nil, ErrUnavailable
}

// Open always fails with [ErrUnavailable].
func (Sink) Open(context.Context, audio.Format) (audio.OutputDevice, error) {
	return nil, ErrUnavailable
}
