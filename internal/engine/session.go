package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/nexuslive/internal/observe"
	"github.com/MrWong99/nexuslive/pkg/audio"
	"github.com/MrWong99/nexuslive/pkg/audio/codec"
	"github.com/MrWong99/nexuslive/pkg/provider/s2s"
)

var errRemoteClosed = errors.New("remote closed the session")

// Session is one live voice conversation.
//
// Create a Session with [New], begin it with [Session.Start], and end it with
// [Session.Close]. A Session is single-use: after it reaches [StatusError] or
// [StatusClosed] a new one must be created to reconnect.
//
// All methods are safe for concurrent use.
type Session struct {
	id       string
	provider s2s.Provider
	input    audio.InputSource
	output   audio.OutputSink
	cfg      Config
	log      *slog.Logger
	metrics  *observe.Metrics
	now      func() time.Time

	onStatus     func(StatusChange)
	onTranscript func(TranscriptEntry)
	onInterim    func(role, text string)

	agg           *Aggregator
	muted         atomic.Bool
	thinkingDelay atomic.Int64

	frameReady chan struct{}
	drained    chan struct{}
	fatal      chan error

	closeCh      chan struct{}
	closeOnce    sync.Once
	done         chan struct{}
	teardownOnce sync.Once

	captureWG sync.WaitGroup

	// emitMu keeps status handler calls in transition order.
	emitMu sync.Mutex

	mu            sync.Mutex
	status        Status
	err           error
	started       bool
	live          bool
	stream        audio.InputStream
	device        audio.OutputDevice
	remote        s2s.Channel
	sched         *Scheduler
	captureCancel context.CancelFunc
}

// New creates a session that will talk to provider through the given
// devices. Nothing is acquired until [Session.Start].
func New(provider s2s.Provider, input audio.InputSource, output audio.OutputSink, cfg Config, opts ...Option) *Session {
	s := &Session{
		provider:   provider,
		input:      input,
		output:     output,
		cfg:        cfg.withDefaults(provider.Capabilities()),
		log:        slog.Default(),
		now:        time.Now,
		frameReady: make(chan struct{}, 1),
		drained:    make(chan struct{}, 1),
		fatal:      make(chan error, 1),
		closeCh:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.log = s.log.With("session_id", s.id)
	s.agg = NewAggregator(s.now)
	s.thinkingDelay.Store(int64(s.cfg.ThinkingDelay))
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the error that ended the session, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once teardown has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Transcript returns a copy of all finalized entries.
func (s *Session) Transcript() []TranscriptEntry { return s.agg.Transcript() }

// Mute stops forwarding microphone audio. Captured frames are discarded.
func (s *Session) Mute() {
	if !s.muted.Swap(true) {
		s.log.Info("microphone muted")
	}
}

// Unmute resumes forwarding microphone audio.
func (s *Session) Unmute() {
	if s.muted.Swap(false) {
		s.log.Info("microphone unmuted")
	}
}

// Muted reports whether the microphone is muted.
func (s *Session) Muted() bool { return s.muted.Load() }

// SetThinkingDelay changes the thinking delay for timers armed from now on.
// Zero restores [DefaultThinkingDelay]; negative disables the status.
func (s *Session) SetThinkingDelay(d time.Duration) {
	if d == 0 {
		d = DefaultThinkingDelay
	}
	s.thinkingDelay.Store(int64(d))
}

// Start acquires the microphone, the output device, and the remote channel
// concurrently and returns once the session is listening.
//
// On failure every partially acquired resource is released, the session
// moves to [StatusError], and the returned error is an [*AcquisitionError]
// or a [*TransportError]. If [Session.Close] is called while Start is in
// progress, Start returns [ErrClosed]. ctx only bounds acquisition; it does
// not limit the session's lifetime.
func (s *Session) Start(ctx context.Context) error {
	ctx, span := observe.StartSpan(ctx, "engine.session.start", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("provider", s.cfg.ProviderName),
	))
	err := s.start(ctx)
	observe.EndSpan(span, err)
	return err
}

func (s *Session) start(ctx context.Context) error {
	s.mu.Lock()
	if s.closing() {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("engine: session already started")
	}
	s.started = true
	s.mu.Unlock()

	s.emitMu.Lock()
	s.notify(StatusChange{From: StatusConnecting, To: StatusConnecting, At: s.now()})
	s.emitMu.Unlock()

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closeCh:
			cancel()
		case <-startCtx.Done():
		}
	}()

	began := time.Now()
	var (
		stream audio.InputStream
		device audio.OutputDevice
		remote s2s.Channel
	)
	g, gctx := errgroup.WithContext(startCtx)
	g.Go(func() error {
		st, err := s.input.Open(gctx, s.cfg.InputFormat, s.cfg.FrameSize)
		if err != nil {
			return &AcquisitionError{Device: DeviceMicrophone, Err: err}
		}
		stream = st
		return nil
	})
	g.Go(func() error {
		dev, err := s.output.Open(gctx, s.cfg.OutputFormat)
		if err != nil {
			return &AcquisitionError{Device: DeviceSpeaker, Err: err}
		}
		device = dev
		return nil
	})
	g.Go(func() error {
		ch, err := s.provider.Connect(gctx, s2s.SessionConfig{
			Instructions: s.cfg.Instructions,
			Voice:        s.cfg.Voice,
			History:      s.cfg.History,
		})
		if err != nil {
			return &TransportError{Op: "connect", Err: err}
		}
		remote = ch
		return nil
	})
	err := g.Wait()

	s.mu.Lock()
	s.stream, s.device, s.remote = stream, device, remote
	closed := s.closing()
	s.mu.Unlock()

	switch {
	case closed:
		s.metrics.RecordConnect(ctx, s.cfg.ProviderName, "cancelled", time.Since(began))
		s.teardown(StatusClosed, nil)
		return ErrClosed
	case err != nil && ctx.Err() != nil:
		s.metrics.RecordConnect(ctx, s.cfg.ProviderName, "cancelled", time.Since(began))
		s.teardown(StatusClosed, nil)
		return fmt.Errorf("engine: start: %w", ctx.Err())
	case err != nil:
		s.metrics.RecordConnect(ctx, s.cfg.ProviderName, "error", time.Since(began))
		s.teardown(StatusError, err)
		return err
	}

	sched := NewScheduler(device, s.signalDrained)
	captureCtx, captureCancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.sched = sched
	s.captureCancel = captureCancel
	s.live = true
	s.mu.Unlock()

	s.metrics.RecordConnect(ctx, s.cfg.ProviderName, "ok", time.Since(began))
	s.metrics.ActiveSessions.Add(ctx, 1)
	observe.WithTrace(ctx, s.log).Info("live session started",
		"provider", s.cfg.ProviderName,
		"input", s.cfg.InputFormat,
		"output", s.cfg.OutputFormat,
		"connect_ms", time.Since(began).Milliseconds(),
	)

	s.setStatus(StatusListening, "")

	s.captureWG.Add(1)
	go s.capture(captureCtx, stream, remote)
	go s.run(remote, sched)
	return nil
}

// Close ends the session and blocks until every resource is released. It is
// safe to call at any time, including before or during [Session.Start], and
// more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeOnce.Do(func() { close(s.closeCh) })
	started := s.started
	s.mu.Unlock()

	if !started {
		s.teardown(StatusClosed, nil)
	}
	<-s.done
	return nil
}

// closing reports whether Close has been called.
func (s *Session) closing() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

func (s *Session) signalDrained() {
	select {
	case s.drained <- struct{}{}:
	default:
	}
}

// ── Actor ────────────────────────────────────────────────────────────────────

// run is the session actor. It owns the thinking timer and is the only
// goroutine that changes status after Start returns.
func (s *Session) run(remote s2s.Channel, sched *Scheduler) {
	ctx := context.Background()
	var (
		timer  *time.Timer
		timerC <-chan time.Time
		// pending is when the first frame since the last remote event was
		// forwarded. Used for reply latency.
		pending time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}
	defer stopTimer()

	events := remote.Events()
	for {
		select {
		case <-s.closeCh:
			s.teardown(StatusClosed, nil)
			return

		case err := <-s.fatal:
			s.teardown(StatusError, err)
			return

		case <-s.frameReady:
			if s.Status() == StatusSpeaking {
				continue
			}
			if pending.IsZero() {
				pending = time.Now()
			}
			if d := time.Duration(s.thinkingDelay.Load()); timer == nil && d > 0 {
				timer = time.NewTimer(d)
				timerC = timer.C
			}

		case ev, ok := <-events:
			if !ok {
				err := remote.Err()
				if err == nil {
					err = errRemoteClosed
				}
				s.teardown(StatusError, &TransportError{Op: "receive", Err: err})
				return
			}
			stopTimer()
			if err := s.handleEvent(ctx, ev, sched, pending); err != nil {
				s.teardown(StatusError, err)
				return
			}
			pending = time.Time{}

		case <-s.drained:
			if s.Status() == StatusSpeaking && sched.Outstanding() == 0 {
				s.setStatus(StatusListening, "")
			}

		case <-timerC:
			timer, timerC = nil, nil
			if s.Status() == StatusListening {
				s.setStatus(StatusThinking, "")
			}
		}
	}
}

// handleEvent applies one inbound event. Only a playback device failure is
// returned; malformed chunks are dropped.
func (s *Session) handleEvent(ctx context.Context, ev s2s.Event, sched *Scheduler, pending time.Time) error {
	if ev.InputTranscript != "" {
		s.agg.AppendUserFragment(ev.InputTranscript)
		if s.Status() == StatusThinking {
			s.setStatus(StatusListening, "")
		}
		s.interim(RoleUser)
	}
	if ev.OutputTranscript != "" {
		s.agg.AppendAgentFragment(ev.OutputTranscript)
		s.interim(RoleAgent)
	}

	for _, p := range ev.Audio {
		buf, err := s.decode(p)
		if err != nil {
			s.metrics.DecodeErrors.Add(ctx, 1)
			s.log.Warn("dropping audio chunk", "err", err, "payload_len", len(p.Data))
			continue
		}
		if !pending.IsZero() {
			s.metrics.FirstAudioLatency.Record(ctx, time.Since(pending).Seconds())
			pending = time.Time{}
		}
		s.setStatus(StatusSpeaking, "")
		h, err := sched.ScheduleChunk(buf)
		if err != nil {
			return &AcquisitionError{Device: DeviceSpeaker, Err: err}
		}
		s.metrics.RecordChunkScheduled(ctx, h.Duration)
		s.log.Debug("chunk scheduled", "id", h.ID, "start", h.Start, "duration", h.Duration)
	}

	if ev.Interrupted {
		sched.Interrupt()
		s.metrics.Interruptions.Add(ctx, 1)
		s.log.Info("playback interrupted by remote")
		s.setStatus(StatusListening, "")
	}

	if ev.TurnComplete {
		for _, e := range s.agg.FlushOnTurnComplete() {
			s.metrics.RecordTranscriptEntry(ctx, e.Role)
			if s.onTranscript != nil {
				s.onTranscript(e)
			}
		}
	}
	return nil
}

func (s *Session) decode(p s2s.AudioPayload) (*audio.Buffer, error) {
	rate := p.SampleRate
	if rate <= 0 {
		rate = codec.RateFromMIME(p.MIMEType, s.cfg.OutputFormat.SampleRate)
	}
	channels := max(p.Channels, 1)
	buf, err := codec.Decode(p.Data, rate, channels)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if buf.Frames() == 0 {
		return nil, &DecodeError{Err: fmt.Errorf("%w: no complete frames", codec.ErrMalformedPayload)}
	}
	return buf, nil
}

func (s *Session) interim(role string) {
	if s.onInterim != nil {
		s.onInterim(role, s.agg.Interim(role))
	}
}

// ── Status ───────────────────────────────────────────────────────────────────

// setStatus moves to status to. Transitions out of a terminal status and
// self-transitions are ignored. The initial announcement in Start does not
// go through here.
func (s *Session) setStatus(to Status, msg string) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	from := s.status
	if from == to || from.Terminal() {
		s.mu.Unlock()
		return
	}
	s.status = to
	s.mu.Unlock()

	s.notify(StatusChange{From: from, To: to, Message: msg, At: s.now()})
}

// notify must be called with emitMu held.
func (s *Session) notify(ch StatusChange) {
	s.metrics.RecordStatus(context.Background(), ch.To.String())
	s.log.Debug("session status", "from", ch.From, "to", ch.To)
	if s.onStatus != nil {
		s.onStatus(ch)
	}
}

// ── Teardown ─────────────────────────────────────────────────────────────────

// teardown releases every resource and moves to final. It runs once; later
// calls block until the first has finished.
func (s *Session) teardown(final Status, cause error) {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		remote, stream, device, sched := s.remote, s.stream, s.device, s.sched
		cancel, live := s.captureCancel, s.live
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if remote != nil {
			if err := remote.Close(); err != nil {
				s.log.Debug("close remote channel", "err", err)
			}
		}
		if stream != nil {
			if err := stream.Close(); err != nil {
				s.log.Debug("close microphone", "err", err)
			}
		}
		s.captureWG.Wait()
		if sched != nil {
			sched.Close()
		}
		if device != nil {
			if err := device.Close(); err != nil {
				s.log.Debug("close output device", "err", err)
			}
		}
		if remote != nil {
			go s2s.DrainEvents(remote)
		}

		ctx := context.Background()
		var msg string
		if final == StatusError {
			msg = UserMessage(cause)
			s.metrics.RecordSessionError(ctx, errorKind(cause))
			s.log.Error("live session failed", "err", cause)
		} else {
			s.log.Info("live session closed")
		}

		s.mu.Lock()
		s.err = cause
		s.mu.Unlock()
		s.setStatus(final, msg)

		if live {
			s.metrics.ActiveSessions.Add(ctx, -1)
		}
		close(s.done)
	})
}
