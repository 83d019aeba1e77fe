package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/nexuslive/pkg/audio"
)

// PlaybackHandle identifies one chunk placed on the playback timeline.
type PlaybackHandle struct {
	ID       uint64
	Start    time.Duration
	Duration time.Duration
}

// End returns the clock position at which the chunk finishes.
func (h PlaybackHandle) End() time.Duration { return h.Start + h.Duration }

// Scheduler places decoded chunks back to back on an output device's clock.
//
// Every chunk starts at max(clock, next) and advances next by its duration,
// so chunks are heard in the order ScheduleChunk was called and never
// overlap, regardless of how fast they arrive. Interrupt stops everything
// outstanding and rewinds next to the clock.
//
// Scheduler is safe for concurrent use. onDrained is called without the lock
// held, from whichever goroutine delivered the last completion.
type Scheduler struct {
	dev       audio.OutputDevice
	onDrained func()

	mu          sync.Mutex
	next        time.Duration
	seq         uint64
	outstanding map[uint64]audio.Voice
	closed      bool
}

// NewScheduler returns a scheduler for dev. onDrained may be nil.
func NewScheduler(dev audio.OutputDevice, onDrained func()) *Scheduler {
	return &Scheduler{
		dev:         dev,
		onDrained:   onDrained,
		next:        dev.Now(),
		outstanding: make(map[uint64]audio.Voice),
	}
}

// ScheduleChunk queues buf to play immediately after everything already
// scheduled. Empty buffers are rejected.
func (s *Scheduler) ScheduleChunk(buf *audio.Buffer) (PlaybackHandle, error) {
	if buf.Frames() == 0 {
		return PlaybackHandle{}, errors.New("engine: schedule: empty buffer")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return PlaybackHandle{}, ErrClosed
	}

	start := max(s.dev.Now(), s.next)
	s.seq++
	h := PlaybackHandle{ID: s.seq, Start: start, Duration: buf.Duration()}

	// Play never invokes onEnded synchronously, so holding mu here is safe.
	v, err := s.dev.Play(buf, start, func() { s.ended(h.ID) })
	if err != nil {
		return PlaybackHandle{}, fmt.Errorf("engine: schedule: %w", err)
	}
	s.outstanding[h.ID] = v
	s.next = h.End()
	return h, nil
}

func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	if _, ok := s.outstanding[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.outstanding, id)
	drained := len(s.outstanding) == 0 && !s.closed
	s.mu.Unlock()

	if drained && s.onDrained != nil {
		s.onDrained()
	}
}

// Interrupt stops every outstanding chunk and resets the timeline so the
// next chunk starts at the current clock. Calling it with nothing
// outstanding only resets the timeline.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopAllLocked()
	s.next = s.dev.Now()
}

// Outstanding returns the number of chunks scheduled but not yet finished.
func (s *Scheduler) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outstanding)
}

// NextStartTime returns the earliest clock position the next chunk may start
// at, ignoring the clock itself.
func (s *Scheduler) NextStartTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Close stops all outstanding chunks. Subsequent ScheduleChunk calls return
// [ErrClosed]. Close is idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stopAllLocked()
}

func (s *Scheduler) stopAllLocked() {
	for id, v := range s.outstanding {
		v.Stop()
		delete(s.outstanding, id)
	}
}
