package mixer

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/nexuslive/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.OutputDevice = (*Timeline)(nil)

// ErrClosed is returned by [Timeline.Play] after [Timeline.Close].
var ErrClosed = errors.New("mixer: timeline closed")

// Timeline is an [audio.OutputDevice] whose clock advances only as audio is
// rendered. Device adapters call [Timeline.Render] from their output loop;
// everything else (Now, Play, Stop) may be called from any goroutine.
type Timeline struct {
	format audio.Format

	mu     sync.Mutex
	pos    int64 // frames rendered so far
	seq    uint64
	voices endHeap
	closed bool
}

// New returns a timeline rendering interleaved float32 audio in format.
// A zero channel count is treated as mono.
func New(format audio.Format) *Timeline {
	if format.Channels <= 0 {
		format.Channels = 1
	}
	return &Timeline{format: format}
}

// Format returns the render format.
func (t *Timeline) Format() audio.Format { return t.format }

// Now returns the audio clock: frames rendered divided by the sample rate.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.framesToDuration(t.pos)
}

// Play schedules buf at clock position at. Buffers at a different sample
// rate are resampled to the timeline rate; channels are mapped with
// [audio.Buffer.Sample].
func (t *Timeline) Play(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	if buf == nil {
		return nil, errors.New("mixer: nil buffer")
	}
	if buf.SampleRate != t.format.SampleRate {
		buf = resample(buf, t.format.SampleRate)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	start := max(t.durationToFrames(at), t.pos)
	t.seq++
	v := &voice{
		t:       t,
		seq:     t.seq,
		start:   start,
		end:     start + int64(buf.Frames()),
		buf:     buf,
		onEnded: onEnded,
	}
	heap.Push(&t.voices, v)
	return v, nil
}

// Render mixes every active voice into out, which holds interleaved samples
// in the timeline format, then advances the clock by len(out)/channels
// frames. Completion callbacks of voices that ended within the period run
// after the internal lock is released, on the caller's goroutine.
func (t *Timeline) Render(out []float32) {
	channels := t.format.Channels
	frames := int64(len(out) / channels)
	clear(out)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	from, to := t.pos, t.pos+frames
	for _, v := range t.voices {
		lo, hi := max(v.start, from), min(v.end, to)
		for f := lo; f < hi; f++ {
			i := int(f - v.start)
			o := int(f-from) * channels
			for c := range channels {
				out[o+c] += v.buf.Sample(c, i)
			}
		}
	}
	t.pos = to

	var ended []func()
	for t.voices.Len() > 0 && t.voices[0].end <= t.pos {
		v := heap.Pop(&t.voices).(*voice)
		v.stopped = true
		if v.onEnded != nil {
			ended = append(ended, v.onEnded)
		}
	}
	t.mu.Unlock()

	for i := range out {
		if out[i] > 1 {
			out[i] = 1
		} else if out[i] < -1 {
			out[i] = -1
		}
	}
	for _, fn := range ended {
		fn()
	}
}

// Active returns the number of voices that have not yet ended or been
// stopped.
func (t *Timeline) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.voices.Len()
}

// Close discards every voice without invoking completion callbacks. Close is
// idempotent.
func (t *Timeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, v := range t.voices {
		v.stopped = true
		v.index = -1
	}
	t.voices = nil
	t.closed = true
	return nil
}

// durationToFrames rounds to the nearest frame, so a position computed from
// nanosecond durations lands on the frame it names.
func (t *Timeline) durationToFrames(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return (int64(d)*int64(t.format.SampleRate) + int64(time.Second)/2) / int64(time.Second)
}

func (t *Timeline) framesToDuration(frames int64) time.Duration {
	if t.format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frames * int64(time.Second) / int64(t.format.SampleRate))
}

// voice is one scheduled buffer on a [Timeline].
type voice struct {
	t          *Timeline
	seq        uint64
	start, end int64
	buf        *audio.Buffer
	onEnded    func()
	index      int
	stopped    bool
}

// Stop removes the voice from the timeline. Its completion callback will not
// run afterwards.
func (v *voice) Stop() {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	if v.stopped {
		return
	}
	v.stopped = true
	if v.index >= 0 && v.index < v.t.voices.Len() {
		heap.Remove(&v.t.voices, v.index)
	}
}

func resample(buf *audio.Buffer, rate int) *audio.Buffer {
	out := &audio.Buffer{SampleRate: rate, Data: make([][]float32, len(buf.Data))}
	for c, ch := range buf.Data {
		out.Data[c] = audio.ResampleFloat(ch, buf.SampleRate, rate)
	}
	return out
}
