package engine_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/nexuslive/internal/engine"
	"github.com/MrWong99/nexuslive/internal/observe"
	"github.com/MrWong99/nexuslive/pkg/audio/codec"
	audiomock "github.com/MrWong99/nexuslive/pkg/audio/mock"
	"github.com/MrWong99/nexuslive/pkg/provider/s2s"
	s2smock "github.com/MrWong99/nexuslive/pkg/provider/s2s/mock"
)

const waitTimeout = 2 * time.Second

// harness wires a Session to mock devices and a mock provider.
type harness struct {
	provider *s2smock.Provider
	channel  *s2smock.Channel
	source   *audiomock.Source
	sink     *audiomock.Sink
	device   *audiomock.Device
	reader   *sdkmetric.ManualReader

	statuses chan engine.StatusChange
	entries  chan engine.TranscriptEntry

	sess *engine.Session
}

// newHarness builds an unstarted session. The thinking status is disabled
// unless cfg sets a delay.
func newHarness(t *testing.T, cfg engine.Config, opts ...engine.Option) *harness {
	t.Helper()

	ch := s2smock.NewChannel()
	dev := audiomock.NewDevice()
	h := &harness{
		provider: &s2smock.Provider{Channel: ch},
		channel:  ch,
		source:   &audiomock.Source{},
		sink:     &audiomock.Sink{Device: dev},
		device:   dev,
		reader:   sdkmetric.NewManualReader(),
		statuses: make(chan engine.StatusChange, 64),
		entries:  make(chan engine.TranscriptEntry, 16),
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(h.reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if cfg.ThinkingDelay == 0 {
		cfg.ThinkingDelay = -1
	}
	all := append([]engine.Option{
		engine.WithStatusHandler(func(c engine.StatusChange) { h.statuses <- c }),
		engine.WithTranscriptHandler(func(e engine.TranscriptEntry) { h.entries <- e }),
		engine.WithMetrics(met),
		engine.WithLogger(slog.New(slog.DiscardHandler)),
		engine.WithID("test-session"),
	}, opts...)
	h.sess = engine.New(h.provider, h.source, h.sink, cfg, all...)
	t.Cleanup(func() { _ = h.sess.Close() })
	return h
}

// start calls Start and waits for the session to report listening.
func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.waitStatus(t, engine.StatusListening)
}

// waitStatus consumes status changes until one moves to want and returns
// every target status seen on the way, including want.
func (h *harness) waitStatus(t *testing.T, want engine.Status) []engine.Status {
	t.Helper()
	var seen []engine.Status
	deadline := time.After(waitTimeout)
	for {
		select {
		case c := <-h.statuses:
			seen = append(seen, c.To)
			if c.To == want {
				return seen
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %v; saw %v", want, seen)
		}
	}
}

func (h *harness) lastChange(t *testing.T, want engine.Status) engine.StatusChange {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case c := <-h.statuses:
			if c.To == want {
				return c
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %v", want)
		}
	}
}

func (h *harness) emit(t *testing.T, ev s2s.Event) {
	t.Helper()
	if !h.channel.Emit(ev) {
		t.Fatal("Emit on ended channel")
	}
}

func (h *harness) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// chunk returns a silent 24 kHz mono payload lasting d.
func chunk(d time.Duration) s2s.AudioPayload {
	n := int(d.Seconds() * 24000)
	frame := codec.EncodeOutboundRate(make([]int16, n), 24000)
	return s2s.AudioPayload{Data: frame.Data, MIMEType: frame.MIMEType, SampleRate: 24000, Channels: 1}
}

func sequence(t *testing.T, got []engine.Status, want ...engine.Status) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("status sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status sequence = %v, want %v", got, want)
		}
	}
}

func TestSession_InitialStatusChange(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{})
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	first := h.lastChange(t, engine.StatusConnecting)
	if !first.Initial() || first.From != engine.StatusConnecting {
		t.Errorf("first change = %+v, want the initial connecting announcement", first)
	}
	next := h.lastChange(t, engine.StatusListening)
	if next.Initial() || next.From != engine.StatusConnecting {
		t.Errorf("listening change = %+v, want a transition from connecting", next)
	}
}

// ─── Playback ────────────────────────────────────────────────────────────────

func TestSession_BackToBackChunksPlayInOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{})
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	seen := h.waitStatus(t, engine.StatusListening)
	sequence(t, seen, engine.StatusConnecting, engine.StatusListening)

	h.emit(t, s2s.Event{Audio: []s2s.AudioPayload{chunk(time.Second)}})
	h.emit(t, s2s.Event{Audio: []s2s.AudioPayload{chunk(500 * time.Millisecond)}})
	h.emit(t, s2s.Event{Audio: []s2s.AudioPayload{chunk(2 * time.Second)}})

	sequence(t, h.waitStatus(t, engine.StatusSpeaking), engine.StatusSpeaking)
	waitFor(t, "three scheduled chunks", func() bool { return len(h.device.Plays()) == 3 })

	plays := h.device.Plays()
	wantStarts := []time.Duration{0, time.Second, 1500 * time.Millisecond}
	for i, p := range plays {
		if p.Start != wantStarts[i] {
			t.Errorf("chunk %d starts at %v, want %v", i+1, p.Start, wantStarts[i])
		}
	}

	h.device.Advance(time.Second)
	h.device.Advance(500 * time.Millisecond)
	if got := h.sess.Status(); got != engine.StatusSpeaking {
		t.Fatalf("status with one chunk outstanding = %v, want speaking", got)
	}
	h.device.Advance(2 * time.Second)

	sequence(t, h.waitStatus(t, engine.StatusListening), engine.StatusListening)
	if got := h.device.Now(); got != 3500*time.Millisecond {
		t.Errorf("clock at drain = %v, want 3.5s", got)
	}
	if got := h.counter(t, "nexuslive.playback.chunks"); got != 3 {
		t.Errorf("chunks metric = %d, want 3", got)
	}
}

func TestSession_InterruptCutsPlayback(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{})
	h.start(t)

	h.emit(t, s2s.Event{Audio: []s2s.AudioPayload{chunk(time.Second), chunk(time.Second)}})
	h.waitStatus(t, engine.StatusSpeaking)
	waitFor(t, "two scheduled chunks", func() bool { return len(h.device.Plays()) == 2 })

	h.device.Advance(300 * time.Millisecond)
	h.emit(t, s2s.Event{Interrupted: true})
	h.waitStatus(t, engine.StatusListening)

	if got := h.device.Pending(); got != 0 {
		t.Fatalf("voices still playing after interrupt: %d", got)
	}

	h.emit(t, s2s.Event{Audio: []s2s.AudioPayload{chunk(100 * time.Millisecond)}})
	waitFor(t, "post-interrupt chunk", func() bool { return len(h.device.Plays()) == 3 })
	if got := h.device.Plays()[2].Start; got != 300*time.Millisecond {
		t.Errorf("post-interrupt chunk starts at %v, want clock 300ms", got)
	}
	if got := h.counter(t, "nexuslive.playback.interruptions"); got != 1 {
		t.Errorf("interruptions metric = %d, want 1", got)
	}
}

func TestSession_MalformedChunkIsDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{})
	h.start(t)

	h.emit(t, s2s.Event{Audio: []s2s.AudioPayload{{Data: "%%% not base64 %%%", SampleRate: 24000}}})
	h.emit(t, s2s.Event{Audio: []s2s.AudioPayload{{Data: "AA==", SampleRate: 24000}}}) // one byte, no full frame
	h.emit(t, s2s.Event{Audio: []s2s.AudioPayload{chunk(200 * time.Millisecond)}})

	sequence(t, h.waitStatus(t, engine.StatusSpeaking), engine.StatusSpeaking)
	waitFor(t, "valid chunk", func() bool { return len(h.device.Plays()) == 1 })

	if got := h.sess.Err(); got != nil {
		t.Fatalf("session error after malformed chunk: %v", got)
	}
	if got := h.counter(t, "nexuslive.playback.decode_errors"); got != 2 {
		t.Errorf("decode error metric = %d, want 2", got)
	}
}

// ─── Transcript ──────────────────────────────────────────────────────────────

func TestSession_TurnTranscript(t *testing.T) {
	t.Parallel()

	var interim []string
	h := newHarness(t, engine.Config{}, engine.WithInterimHandler(func(role, text string) {
		interim = append(interim, role+":"+text)
	}))
	h.start(t)

	h.emit(t, s2s.Event{InputTranscript: "hello "})
	h.emit(t, s2s.Event{InputTranscript: "there"})
	h.emit(t, s2s.Event{OutputTranscript: "hi, how are you"})
	h.emit(t, s2s.Event{TurnComplete: true})

	var got []engine.TranscriptEntry
	for range 2 {
		select {
		case e := <-h.entries:
			got = append(got, e)
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for transcript entries; got %+v", got)
		}
	}
	if got[0].Role != engine.RoleUser || got[0].Text != "hello there" {
		t.Errorf("entry 0 = %+v, want user %q", got[0], "hello there")
	}
	if got[1].Role != engine.RoleAgent || got[1].Text != "hi, how are you" {
		t.Errorf("entry 1 = %+v, want agent %q", got[1], "hi, how are you")
	}
	if n := len(h.sess.Transcript()); n != 2 {
		t.Errorf("Transcript length = %d, want 2", n)
	}

	// A second turn-complete with nothing buffered adds nothing.
	h.emit(t, s2s.Event{TurnComplete: true})
	_ = h.sess.Close()
	if n := len(h.sess.Transcript()); n != 2 {
		t.Errorf("Transcript length after empty flush = %d, want 2", n)
	}

	wantInterim := []string{"user:hello ", "user:hello there", "agent:hi, how are you"}
	for i, w := range wantInterim {
		if i >= len(interim) || interim[i] != w {
			t.Fatalf("interim updates = %q, want prefix %q", interim, wantInterim)
		}
	}
}

// ─── Capture ─────────────────────────────────────────────────────────────────

func TestSession_ForwardsEncodedFrames(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{})
	h.start(t)

	calls := h.source.OpenCalls()
	if len(calls) != 1 || calls[0].FrameSize != engine.DefaultFrameSize || calls[0].Format.SampleRate != 16000 {
		t.Fatalf("microphone opened with %+v, want 16 kHz, %d-sample frames", calls, engine.DefaultFrameSize)
	}

	h.source.Stream().Push([]float32{0.5, -0.5, 1.0, 0})
	waitFor(t, "one sent frame", func() bool { return len(h.channel.Sent()) == 1 })

	sent := h.channel.Sent()[0]
	if sent.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q", sent.MIMEType)
	}
	samples, err := sent.Samples()
	if err != nil {
		t.Fatalf("Samples: %v", err)
	}
	want := []int16{16384, -16384, 32767, 0}
	for i := range want {
		if samples[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, samples[i], want[i])
		}
	}
}

func TestSession_MuteDropsFrames(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{})
	h.start(t)
	stream := h.source.Stream()

	h.sess.Mute()
	if !h.sess.Muted() {
		t.Fatal("Muted = false after Mute")
	}
	for range 3 {
		stream.Push(make([]float32, 8))
	}
	waitFor(t, "dropped frames", func() bool { return h.counter(t, "nexuslive.capture.frames.dropped") == 3 })

	h.sess.Unmute()
	stream.Push([]float32{0.25})
	waitFor(t, "sent frame", func() bool { return len(h.channel.Sent()) == 1 })

	if got := len(h.channel.Sent()); got != 1 {
		t.Fatalf("sent %d frames, want only the unmuted one", got)
	}
}

func TestSession_ThinkingAfterSilence(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{ThinkingDelay: 20 * time.Millisecond})
	h.start(t)

	h.source.Stream().Push(make([]float32, 16))
	sequence(t, h.waitStatus(t, engine.StatusThinking), engine.StatusThinking)

	// The user is still talking.
	h.emit(t, s2s.Event{InputTranscript: "and another thing"})
	sequence(t, h.waitStatus(t, engine.StatusListening), engine.StatusListening)

	h.source.Stream().Push(make([]float32, 16))
	h.waitStatus(t, engine.StatusThinking)

	h.emit(t, s2s.Event{Audio: []s2s.AudioPayload{chunk(time.Second)}})
	sequence(t, h.waitStatus(t, engine.StatusSpeaking), engine.StatusSpeaking)
}

func TestSession_MutedFramesDriveThinking(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{ThinkingDelay: 20 * time.Millisecond})
	h.start(t)

	h.sess.Mute()
	for range 5 {
		h.source.Stream().Push(make([]float32, 16))
	}
	sequence(t, h.waitStatus(t, engine.StatusThinking), engine.StatusThinking)

	if got := len(h.channel.Sent()); got != 0 {
		t.Errorf("sent %d frames while muted, want 0", got)
	}
	if got := h.counter(t, "nexuslive.capture.frames.sent"); got != 0 {
		t.Errorf("frames sent counter = %d while muted, want 0", got)
	}
}

func TestSession_ThinkingDelayReload(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{})
	h.start(t)

	// Disabled: a forwarded frame does not lead to thinking.
	h.source.Stream().Push(make([]float32, 16))
	waitFor(t, "sent frame", func() bool { return len(h.channel.Sent()) == 1 })
	h.emit(t, s2s.Event{OutputTranscript: "ok"})

	h.sess.SetThinkingDelay(10 * time.Millisecond)
	h.source.Stream().Push(make([]float32, 16))
	sequence(t, h.waitStatus(t, engine.StatusThinking), engine.StatusThinking)
}

// ─── Failures ────────────────────────────────────────────────────────────────

func TestSession_RemoteFailureIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{})
	h.start(t)

	h.channel.Fail(errors.New("connection reset by peer"))
	c := h.lastChange(t, engine.StatusError)
	if c.Message != "A network error occurred. The connection was lost." {
		t.Errorf("message = %q", c.Message)
	}

	select {
	case <-h.sess.Done():
	case <-time.After(waitTimeout):
		t.Fatal("Done not closed after remote failure")
	}

	var te *engine.TransportError
	if !errors.As(h.sess.Err(), &te) || te.Op != "receive" {
		t.Fatalf("Err = %v, want receive TransportError", h.sess.Err())
	}
	if !h.source.Stream().Closed() {
		t.Error("microphone not released")
	}
	if got := h.device.CloseCalls(); got != 1 {
		t.Errorf("device Close calls = %d, want 1", got)
	}
	if got := h.counter(t, "nexuslive.session.errors"); got != 1 {
		t.Errorf("session error metric = %d, want 1", got)
	}
}

func TestSession_RemoteCloseIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{})
	h.start(t)

	h.channel.Fail(nil)
	h.lastChange(t, engine.StatusError)

	var te *engine.TransportError
	if !errors.As(h.sess.Err(), &te) || te.Op != "receive" {
		t.Fatalf("Err = %v, want receive TransportError", h.sess.Err())
	}
}

func TestSession_SendFailureIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{})
	h.start(t)

	h.channel.SetSendErr(errors.New("write: broken pipe"))
	h.source.Stream().Push(make([]float32, 8))
	h.lastChange(t, engine.StatusError)

	var te *engine.TransportError
	if !errors.As(h.sess.Err(), &te) || te.Op != "send" {
		t.Fatalf("Err = %v, want send TransportError", h.sess.Err())
	}
	if got := h.channel.CloseCalls(); got != 1 {
		t.Errorf("channel Close calls = %d, want 1", got)
	}
}

func TestSession_MicrophoneLostIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{})
	h.start(t)

	unplugged := errors.New("device unplugged")
	h.source.Stream().Fail(unplugged)
	h.lastChange(t, engine.StatusError)

	var ae *engine.AcquisitionError
	if !errors.As(h.sess.Err(), &ae) || ae.Device != engine.DeviceMicrophone || !errors.Is(ae, unplugged) {
		t.Fatalf("Err = %v, want microphone AcquisitionError wrapping %v", h.sess.Err(), unplugged)
	}
}

func TestSession_StartFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		setup   func(h *harness)
		check   func(t *testing.T, err error)
		message string
	}{
		{
			name:  "microphone denied",
			setup: func(h *harness) { h.source.OpenErr = errors.New("permission denied") },
			check: func(t *testing.T, err error) {
				var ae *engine.AcquisitionError
				if !errors.As(err, &ae) || ae.Device != engine.DeviceMicrophone {
					t.Fatalf("err = %v, want microphone AcquisitionError", err)
				}
			},
			message: "Could not start live voice mode. Please check microphone permissions.",
		},
		{
			name:  "speaker missing",
			setup: func(h *harness) { h.sink.OpenErr = errors.New("no output device") },
			check: func(t *testing.T, err error) {
				var ae *engine.AcquisitionError
				if !errors.As(err, &ae) || ae.Device != engine.DeviceSpeaker {
					t.Fatalf("err = %v, want speaker AcquisitionError", err)
				}
			},
			message: "Could not start live voice mode. Please check the audio output device.",
		},
		{
			name:  "connect rejected",
			setup: func(h *harness) { h.provider.ConnectErr = errors.New("setup rejected") },
			check: func(t *testing.T, err error) {
				var te *engine.TransportError
				if !errors.As(err, &te) || te.Op != "connect" {
					t.Fatalf("err = %v, want connect TransportError", err)
				}
			},
			message: "Could not connect to the voice service: setup rejected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, engine.Config{})
			tt.setup(h)

			err := h.sess.Start(context.Background())
			tt.check(t, err)

			c := h.lastChange(t, engine.StatusError)
			if c.Message != tt.message {
				t.Errorf("message = %q, want %q", c.Message, tt.message)
			}
			if got := h.sess.Status(); got != engine.StatusError {
				t.Errorf("Status = %v, want error", got)
			}

			// Whatever was acquired has been released.
			if st := h.source.Stream(); st != nil && !st.Closed() {
				t.Error("microphone left open")
			}
			if len(h.provider.ConnectCalls()) > 0 && h.provider.ConnectErr == nil && h.channel.CloseCalls() != 1 {
				t.Errorf("channel Close calls = %d, want 1", h.channel.CloseCalls())
			}
			if h.sink.OpenErr == nil && h.device.CloseCalls() != 1 {
				t.Errorf("device Close calls = %d, want 1", h.device.CloseCalls())
			}
		})
	}
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func TestSession_ForwardsConfigToProvider(t *testing.T) {
	t.Parallel()

	history := []s2s.HistoryItem{{Role: "user", Text: "hi"}, {Role: "model", Text: "hello"}}
	h := newHarness(t, engine.Config{Instructions: "be brief", Voice: "Fenrir", History: history})
	h.start(t)

	calls := h.provider.ConnectCalls()
	if len(calls) != 1 {
		t.Fatalf("Connect calls = %d, want 1", len(calls))
	}
	cfg := calls[0].Cfg
	if cfg.Instructions != "be brief" || cfg.Voice != "Fenrir" || len(cfg.History) != 2 {
		t.Errorf("SessionConfig = %+v", cfg)
	}
	if got := h.sink.OpenCalls(); len(got) != 1 || got[0].SampleRate != 24000 {
		t.Errorf("output opened with %+v, want provider output format 24 kHz", got)
	}
}

func TestSession_CloseReleasesOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{})
	h.start(t)
	h.emit(t, s2s.Event{Audio: []s2s.AudioPayload{chunk(time.Second)}})
	h.waitStatus(t, engine.StatusSpeaking)
	waitFor(t, "scheduled chunk", func() bool { return len(h.device.Plays()) == 1 })

	if err := h.sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if got := h.sess.Status(); got != engine.StatusClosed {
		t.Fatalf("Status = %v, want closed", got)
	}
	if got := h.channel.CloseCalls(); got != 1 {
		t.Errorf("channel Close calls = %d, want 1", got)
	}
	if got := h.source.Stream().CloseCalls(); got != 1 {
		t.Errorf("microphone Close calls = %d, want 1", got)
	}
	if got := h.device.CloseCalls(); got != 1 {
		t.Errorf("device Close calls = %d, want 1", got)
	}
	if h.sess.Err() != nil {
		t.Errorf("Err = %v, want nil after user close", h.sess.Err())
	}

	closedEvents := 0
	for len(h.statuses) > 0 {
		if c := <-h.statuses; c.To == engine.StatusClosed {
			closedEvents++
		}
	}
	if closedEvents != 1 {
		t.Errorf("closed transitions = %d, want 1", closedEvents)
	}
	if got := h.counter(t, "nexuslive.active_sessions"); got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
}

func TestSession_CloseBeforeStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{})
	if err := h.sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := h.sess.Start(context.Background()); !errors.Is(err, engine.ErrClosed) {
		t.Fatalf("Start after Close: err = %v, want ErrClosed", err)
	}
	if got := h.sess.Status(); got != engine.StatusClosed {
		t.Errorf("Status = %v, want closed", got)
	}
	if n := len(h.source.OpenCalls()); n != 0 {
		t.Errorf("microphone opened %d times after Close", n)
	}
}

func TestSession_CloseWhileConnecting(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{})
	h.provider.Block = make(chan struct{})

	startErr := make(chan error, 1)
	go func() { startErr <- h.sess.Start(context.Background()) }()

	waitFor(t, "connect attempt", func() bool { return len(h.provider.ConnectCalls()) == 1 })
	waitFor(t, "microphone", func() bool { return h.source.Stream() != nil })

	if err := h.sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-startErr:
		if !errors.Is(err, engine.ErrClosed) {
			t.Fatalf("Start err = %v, want ErrClosed", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("Start did not return after Close")
	}

	if got := h.sess.Status(); got != engine.StatusClosed {
		t.Errorf("Status = %v, want closed", got)
	}
	if !h.source.Stream().Closed() {
		t.Error("microphone left open")
	}
	waitFor(t, "device release", func() bool { return h.device.CloseCalls() == 1 || len(h.sink.OpenCalls()) == 0 })
}

func TestSession_StartTwice(t *testing.T) {
	t.Parallel()

	h := newHarness(t, engine.Config{})
	h.start(t)
	if err := h.sess.Start(context.Background()); err == nil {
		t.Fatal("second Start: expected error")
	}
}

func TestSession_DefaultID(t *testing.T) {
	t.Parallel()

	s := engine.New(&s2smock.Provider{}, &audiomock.Source{}, &audiomock.Sink{}, engine.Config{},
		engine.WithLogger(slog.New(slog.DiscardHandler)))
	t.Cleanup(func() { _ = s.Close() })
	if len(s.ID()) != 36 {
		t.Errorf("ID = %q, want a UUID", s.ID())
	}
}
