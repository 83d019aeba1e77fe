//go:build portaudio

package portaudio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/nexuslive/pkg/audio"
	"github.com/MrWong99/nexuslive/pkg/audio/mixer"
)

var (
	_ audio.InputSource  = Source{}
	_ audio.OutputSink   = Sink{}
	_ audio.OutputDevice = (*device)(nil)
)

// PortAudio must be initialized once per process while any stream is open.
var (
	initMu   sync.Mutex
	initRefs int
)

func acquire() error {
	initMu.Lock()
	defer initMu.Unlock()
	if initRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	initRefs++
	return nil
}

func release() error {
	initMu.Lock()
	defer initMu.Unlock()
	initRefs--
	if initRefs == 0 {
		if err := portaudio.Terminate(); err != nil {
			return fmt.Errorf("portaudio: terminate: %w", err)
		}
	}
	return nil
}

// ── Input ────────────────────────────────────────────────────────────────────

// Open implements [audio.InputSource]. Only mono capture is supported.
func (Source) Open(ctx context.Context, format audio.Format, frameSize int) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := acquire(); err != nil {
		return nil, err
	}
	buf := make([]float32, frameSize)
	st, err := portaudio.OpenDefaultStream(1, 0, float64(format.SampleRate), frameSize, buf)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("portaudio: open input: %w", err), release())
	}
	if err := st.Start(); err != nil {
		_ = st.Close()
		return nil, errors.Join(fmt.Errorf("portaudio: start input: %w", err), release())
	}

	in := &inputStream{
		stream: st,
		buf:    buf,
		rate:   format.SampleRate,
		frames: make(chan audio.Frame, 8),
		done:   make(chan struct{}),
	}
	go in.read()
	return in, nil
}

type inputStream struct {
	stream *portaudio.Stream
	buf    []float32
	rate   int
	frames chan audio.Frame
	done   chan struct{}

	once     sync.Once
	closeErr error

	mu  sync.Mutex
	err error
}

func (s *inputStream) read() {
	defer close(s.frames)
	var ts time.Duration
	for {
		if err := s.stream.Read(); err != nil {
			select {
			case <-s.done:
			default:
				s.mu.Lock()
				s.err = fmt.Errorf("portaudio: read: %w", err)
				s.mu.Unlock()
			}
			return
		}
		f := audio.Frame{Samples: append([]float32(nil), s.buf...), SampleRate: s.rate, Timestamp: ts}
		ts += f.Duration()
		select {
		case s.frames <- f:
		case <-s.done:
			return
		}
	}
}

func (s *inputStream) Frames() <-chan audio.Frame { return s.frames }

func (s *inputStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *inputStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.closeErr = errors.Join(s.stream.Stop(), s.stream.Close(), release())
	})
	return s.closeErr
}

// ── Output ───────────────────────────────────────────────────────────────────

// Open implements [audio.OutputSink]. The device clock is the PortAudio
// callback position, rendered through a [mixer.Timeline].
func (s Sink) Open(ctx context.Context, format audio.Format) (audio.OutputDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}
	frames := s.FramesPerBuffer
	if frames <= 0 {
		frames = format.SampleRate / 50
	}
	if err := acquire(); err != nil {
		return nil, err
	}

	tl := mixer.New(format)
	st, err := portaudio.OpenDefaultStream(0, format.Channels, float64(format.SampleRate), frames, func(out []float32) {
		tl.Render(out)
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("portaudio: open output: %w", err), release())
	}
	if err := st.Start(); err != nil {
		_ = st.Close()
		return nil, errors.Join(fmt.Errorf("portaudio: start output: %w", err), release())
	}
	return &device{Timeline: tl, stream: st}, nil
}

type device struct {
	*mixer.Timeline
	stream *portaudio.Stream

	once     sync.Once
	closeErr error
}

func (d *device) Close() error {
	d.once.Do(func() {
		d.closeErr = errors.Join(
			d.Timeline.Close(),
			d.stream.Stop(),
			d.stream.Close(),
			release(),
		)
	})
	return d.closeErr
}
