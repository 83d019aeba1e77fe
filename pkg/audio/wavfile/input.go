// Package wavfile provides file-backed audio devices: an input that replays
// a WAV file as if it were a microphone and an output that records the
// playback timeline to a WAV file. Both run at real-time cadence so a live
// session behaves as it would with hardware.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/nexuslive/pkg/audio"
)

var (
	_ audio.InputSource = (*Source)(nil)
	_ audio.InputStream = (*stream)(nil)
)

// ErrNotWAV is returned when the input file is not a valid WAV file.
var ErrNotWAV = errors.New("wavfile: not a valid WAV file")

// Source replays the WAV file at Path. After the file ends it keeps
// delivering silent frames until the stream is closed, like a quiet room.
type Source struct {
	Path string

	// Speed multiplies the delivery rate. Zero means real time.
	Speed float64
}

// Open implements [audio.InputSource]. The file is decoded up front,
// downmixed to mono, and resampled to format.SampleRate.
func (s *Source) Open(ctx context.Context, format audio.Format, frameSize int) (audio.InputStream, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("wavfile: invalid frame size %d", frameSize)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	samples, err := load(s.Path, format.SampleRate)
	if err != nil {
		return nil, err
	}

	st := &stream{
		frames: make(chan audio.Frame, 4),
		done:   make(chan struct{}),
	}
	period := time.Duration(int64(frameSize) * int64(time.Second) / int64(format.SampleRate))
	if s.Speed > 0 {
		period = time.Duration(float64(period) / s.Speed)
	}
	go st.run(samples, format.SampleRate, frameSize, max(period, time.Microsecond))
	return st, nil
}

// load decodes path into mono float samples at rate.
func load(path string, rate int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: open input: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: %s", ErrNotWAV, path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wavfile: decode %s: %w", path, err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: %s has no format", ErrNotWAV, path)
	}

	pcm := audio.Downmix(to16Bit(buf.Data, buf.SourceBitDepth), buf.Format.NumChannels)
	pcm = audio.ResampleMono(pcm, buf.Format.SampleRate, rate)
	out := make([]float32, len(pcm))
	for i, v := range pcm {
		out[i] = audio.Int16ToFloat(v)
	}
	return out, nil
}

// to16Bit rescales decoded integer samples to the int16 range in place.
func to16Bit(data []int, depth int) []int {
	switch {
	case depth == 8:
		// 8-bit WAV is unsigned.
		for i, v := range data {
			data[i] = (v - 128) << 8
		}
	case depth > 16:
		shift := depth - 16
		for i, v := range data {
			data[i] = v >> shift
		}
	}
	return data
}

type stream struct {
	frames chan audio.Frame
	done   chan struct{}
	once   sync.Once
}

func (s *stream) run(samples []float32, rate, frameSize int, period time.Duration) {
	defer close(s.frames)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var ts time.Duration
	for pos := 0; ; pos += frameSize {
		frame := make([]float32, frameSize)
		if pos < len(samples) {
			copy(frame, samples[pos:])
		}
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		select {
		case <-s.done:
			return
		case s.frames <- audio.Frame{Samples: frame, SampleRate: rate, Timestamp: ts}:
		}
		ts += time.Duration(int64(frameSize) * int64(time.Second) / int64(rate))
	}
}

func (s *stream) Frames() <-chan audio.Frame { return s.frames }

// Err is always nil; a file input cannot fail once opened.
func (s *stream) Err() error { return nil }

func (s *stream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// encoderBuffer wraps interleaved int samples for the WAV encoder.
func encoderBuffer(data []int, format audio.Format) *goaudio.IntBuffer {
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
}
