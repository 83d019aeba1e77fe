package wavfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-audio/wav"

	"github.com/MrWong99/nexuslive/pkg/audio"
	"github.com/MrWong99/nexuslive/pkg/audio/mixer"
)

var (
	_ audio.OutputSink   = (*Sink)(nil)
	_ audio.OutputDevice = (*Device)(nil)
)

// renderPeriod is the amount of audio mixed per tick.
const renderPeriod = 20 * time.Millisecond

// Sink records playback to a 16-bit PCM WAV file at Path. Parent
// directories are created as needed and an existing file is replaced.
type Sink struct {
	Path string

	// Speed multiplies the render rate. Zero means real time.
	Speed float64
}

// Open implements [audio.OutputSink].
func (s *Sink) Open(ctx context.Context, format audio.Format) (audio.OutputDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if format.SampleRate <= 0 {
		return nil, fmt.Errorf("wavfile: invalid sample rate %d", format.SampleRate)
	}
	if format.Channels <= 0 {
		format.Channels = 1
	}
	if dir := filepath.Dir(s.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("wavfile: create output dir: %w", err)
		}
	}
	f, err := os.Create(s.Path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: create output: %w", err)
	}

	tick := renderPeriod
	if s.Speed > 0 {
		tick = time.Duration(float64(tick) / s.Speed)
	}
	d := &Device{
		format:   format,
		timeline: mixer.New(format),
		file:     f,
		enc:      wav.NewEncoder(f, format.SampleRate, 16, format.Channels, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go d.loop(max(tick, time.Microsecond))
	return d, nil
}

// Device is an open WAV recording. Its clock is the amount of audio written.
type Device struct {
	format   audio.Format
	timeline *mixer.Timeline
	file     *os.File
	enc      *wav.Encoder

	done     chan struct{}
	stopped  chan struct{}
	once     sync.Once
	closeErr error

	mu       sync.Mutex
	writeErr error
}

// Now implements [audio.OutputDevice].
func (d *Device) Now() time.Duration { return d.timeline.Now() }

// Play implements [audio.OutputDevice].
func (d *Device) Play(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	d.mu.Lock()
	err := d.writeErr
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return d.timeline.Play(buf, at, onEnded)
}

func (d *Device) loop(tick time.Duration) {
	defer close(d.stopped)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	frames := int(int64(d.format.SampleRate) * int64(renderPeriod) / int64(time.Second))
	mix := make([]float32, frames*d.format.Channels)
	pcm := make([]int, len(mix))
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}
		d.timeline.Render(mix)
		for i, v := range mix {
			pcm[i] = int(audio.FloatToInt16(v))
		}
		if err := d.enc.Write(encoderBuffer(pcm, d.format)); err != nil {
			d.mu.Lock()
			d.writeErr = fmt.Errorf("wavfile: write: %w", err)
			d.mu.Unlock()
			return
		}
	}
}

// Close stops rendering, finalizes the WAV header, and closes the file.
func (d *Device) Close() error {
	d.once.Do(func() {
		close(d.done)
		<-d.stopped
		d.mu.Lock()
		werr := d.writeErr
		d.mu.Unlock()
		d.closeErr = errors.Join(
			d.timeline.Close(),
			d.enc.Close(),
			d.file.Close(),
		)
		if werr != nil {
			d.closeErr = errors.Join(werr, d.closeErr)
		}
	})
	return d.closeErr
}
