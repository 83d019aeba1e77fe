// Package mock provides in-memory implementations of [audio.InputSource],
// [audio.InputStream], [audio.OutputSink], and [audio.OutputDevice] for unit
// tests.
//
// The output [Device] has a manual audio clock: time only moves when the test
// calls [Device.Advance], so scheduling can be asserted to the nanosecond.
//
// Typical usage:
//
//	dev := mock.NewDevice()
//	sink := &mock.Sink{Device: dev}
//	src := &mock.Source{}
//	sess := engine.New(provider, src, sink, cfg)
//	...
//	src.Stream().Push(make([]float32, 4096))
//	dev.Advance(time.Second)
package mock

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/nexuslive/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.InputSource  = (*Source)(nil)
	_ audio.InputStream  = (*Stream)(nil)
	_ audio.OutputSink   = (*Sink)(nil)
	_ audio.OutputDevice = (*Device)(nil)
)

// ── Input ────────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Source.Open] invocation.
type OpenCall struct {
	Format    audio.Format
	FrameSize int
}

// Source is a mock [audio.InputSource].
type Source struct {
	// OpenErr, when non-nil, is returned by Open.
	OpenErr error

	// Block, when non-nil, makes Open wait until the channel is closed or the
	// context is cancelled.
	Block chan struct{}

	mu        sync.Mutex
	openCalls []OpenCall
	stream    *Stream
}

// Open implements [audio.InputSource].
func (s *Source) Open(ctx context.Context, format audio.Format, frameSize int) (audio.InputStream, error) {
	s.mu.Lock()
	s.openCalls = append(s.openCalls, OpenCall{Format: format, FrameSize: frameSize})
	block := s.Block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}

	st := NewStream(format.SampleRate, 64)
	s.mu.Lock()
	s.stream = st
	s.mu.Unlock()
	return st, nil
}

// OpenCalls returns a copy of all recorded Open invocations.
func (s *Source) OpenCalls() []OpenCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.openCalls)
}

// Stream returns the most recently opened stream, or nil.
func (s *Source) Stream() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// Stream is a mock [audio.InputStream] fed by the test via [Stream.Push].
type Stream struct {
	rate   int
	frames chan audio.Frame
	done   chan struct{}

	sendMu sync.Mutex

	mu         sync.Mutex
	err        error
	closed     bool
	closeCalls int
	pos        time.Duration
}

// NewStream returns an open stream with the given frame buffer capacity.
func NewStream(sampleRate, buffer int) *Stream {
	return &Stream{
		rate:   sampleRate,
		frames: make(chan audio.Frame, buffer),
		done:   make(chan struct{}),
	}
}

// Push delivers one frame of samples. It returns false once the stream has
// ended.
func (s *Stream) Push(samples []float32) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case <-s.done:
		return false
	default:
	}
	s.mu.Lock()
	f := audio.Frame{Samples: samples, SampleRate: s.rate, Timestamp: s.pos}
	s.pos += f.Duration()
	s.mu.Unlock()

	select {
	case s.frames <- f:
		return true
	case <-s.done:
		return false
	}
}

// Fail ends the stream with err, as a device fault would.
func (s *Stream) Fail(err error) {
	s.finish(err)
}

// Frames implements [audio.InputStream].
func (s *Stream) Frames() <-chan audio.Frame { return s.frames }

// Err implements [audio.InputStream].
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [audio.InputStream].
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	s.finish(nil)
	return nil
}

// CloseCalls reports how many times Close was called.
func (s *Stream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Closed reports whether the stream has ended.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	close(s.done)
	s.mu.Unlock()

	s.sendMu.Lock()
	close(s.frames)
	s.sendMu.Unlock()
}

// ── Output ───────────────────────────────────────────────────────────────────

// Sink is a mock [audio.OutputSink] that hands out a single [Device].
type Sink struct {
	// Device is returned by Open. When nil, Open creates one.
	Device *Device

	// OpenErr, when non-nil, is returned by Open.
	OpenErr error

	// Block, when non-nil, makes Open wait until the channel is closed or the
	// context is cancelled.
	Block chan struct{}

	mu        sync.Mutex
	openCalls []audio.Format
}

// Open implements [audio.OutputSink].
func (s *Sink) Open(ctx context.Context, format audio.Format) (audio.OutputDevice, error) {
	s.mu.Lock()
	s.openCalls = append(s.openCalls, format)
	if s.Device == nil {
		s.Device = NewDevice()
	}
	dev := s.Device
	s.mu.Unlock()

	if s.Block != nil {
		select {
		case <-s.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	return dev, nil
}

// OpenCalls returns a copy of all recorded Open formats.
func (s *Sink) OpenCalls() []audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.openCalls)
}

// PlayCall records a single [Device.Play] invocation.
type PlayCall struct {
	// At is the requested start; Start is the effective start after clamping
	// to the clock.
	At       time.Duration
	Start    time.Duration
	Duration time.Duration
	Buffer   *audio.Buffer
}

// Device is a mock [audio.OutputDevice] with a manual clock.
type Device struct {
	// PlayErr, when non-nil, is returned by Play.
	PlayErr error

	mu         sync.Mutex
	now        time.Duration
	voices     []*Voice
	plays      []PlayCall
	closed     bool
	closeCalls int
}

// NewDevice returns a device whose clock reads zero.
func NewDevice() *Device { return &Device{} }

// Now implements [audio.OutputDevice].
func (d *Device) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// Play implements [audio.OutputDevice].
func (d *Device) Play(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.PlayErr != nil {
		return nil, d.PlayErr
	}
	start := max(at, d.now)
	v := &Voice{d: d, Start: start, End: start + buf.Duration(), onEnded: onEnded}
	d.voices = append(d.voices, v)
	d.plays = append(d.plays, PlayCall{At: at, Start: start, Duration: buf.Duration(), Buffer: buf})
	return v, nil
}

// Advance moves the clock forward by dt and fires the completion callback of
// every voice whose end is at or before the new time, in end order. Callbacks
// run on the caller's goroutine after the device lock is released.
func (d *Device) Advance(dt time.Duration) {
	d.mu.Lock()
	d.now += dt
	var due []*Voice
	kept := d.voices[:0]
	for _, v := range d.voices {
		if v.End <= d.now {
			v.ended = true
			due = append(due, v)
			continue
		}
		kept = append(kept, v)
	}
	d.voices = kept
	d.mu.Unlock()

	slices.SortStableFunc(due, func(a, b *Voice) int {
		return cmp.Compare(a.End, b.End)
	})
	for _, v := range due {
		if v.onEnded != nil {
			v.onEnded()
		}
	}
}

// Plays returns a copy of all recorded Play invocations.
func (d *Device) Plays() []PlayCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.plays)
}

// Pending returns the number of voices that have neither ended nor been
// stopped.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.voices)
}

// Close implements [audio.OutputDevice].
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeCalls++
	d.closed = true
	d.voices = nil
	return nil
}

// CloseCalls reports how many times Close was called.
func (d *Device) CloseCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeCalls
}

// Voice is a scheduled playback on a mock [Device].
type Voice struct {
	d          *Device
	Start, End time.Duration
	onEnded    func()
	stopped    bool
	ended      bool
}

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.d.mu.Lock()
	defer v.d.mu.Unlock()
	if v.stopped || v.ended {
		return
	}
	v.stopped = true
	v.d.voices = slices.DeleteFunc(v.d.voices, func(o *Voice) bool { return o == v })
}

// Stopped reports whether Stop cancelled the voice before it ended.
func (v *Voice) Stopped() bool {
	v.d.mu.Lock()
	defer v.d.mu.Unlock()
	return v.stopped
}
