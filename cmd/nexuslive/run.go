package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/nexuslive/internal/config"
	"github.com/MrWong99/nexuslive/internal/engine"
	"github.com/MrWong99/nexuslive/internal/health"
	"github.com/MrWong99/nexuslive/internal/observe"
	"github.com/MrWong99/nexuslive/pkg/audio"
	"github.com/MrWong99/nexuslive/pkg/transcript"
	"github.com/MrWong99/nexuslive/pkg/transcript/postgres"
)

const shutdownTimeout = 10 * time.Second

func run(ctx context.Context, path string, cfg *config.Config, in io.Reader, out io.Writer) error {
	logger, handler := newLogger(os.Stderr, cfg.Server.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionID := uuid.NewString()
	tel, err := observe.Setup(ctx, observe.TelemetryConfig{
		ServiceVersion: version,
		InstanceID:     sessionID,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := tel.Metrics

	// ── Provider and devices ─────────────────────────────────────────────────

	reg := newRegistry(logger)
	providerEntry := cfg.Provider
	if providerEntry.Name == "" {
		providerEntry.Name = defaultProvider
	}
	provider, err := reg.CreateS2S(providerEntry)
	if err != nil {
		return fmt.Errorf("create provider %q: %w", providerEntry.Name, err)
	}
	inputEntry, outputEntry := cfg.Devices.Input, cfg.Devices.Output
	if inputEntry.Name == "" {
		inputEntry.Name = defaultDevice
	}
	if outputEntry.Name == "" {
		outputEntry.Name = defaultDevice
	}
	input, err := reg.CreateInput(inputEntry)
	if err != nil {
		return fmt.Errorf("create input device %q: %w", inputEntry.Name, err)
	}
	output, err := reg.CreateOutput(outputEntry)
	if err != nil {
		return fmt.Errorf("create output device %q: %w", outputEntry.Name, err)
	}

	// ── Transcript ───────────────────────────────────────────────────────────

	conversationID := cfg.Transcript.ConversationID
	if conversationID == "" {
		conversationID = sessionID
	}
	store, checkers, closeStore, err := openStore(ctx, cfg.Transcript)
	if err != nil {
		return err
	}
	defer closeStore()

	var stored []transcript.Entry
	if cfg.Transcript.HistoryLimit > 0 && cfg.Transcript.PostgresDSN != "" {
		stored, err = store.History(ctx, conversationID, cfg.Transcript.HistoryLimit)
		if err != nil {
			logger.Warn("could not load transcript history; starting without it", "err", err)
		}
		logger.Info("replaying transcript history", "conversation_id", conversationID, "entries", len(stored))
	}
	writer := newTranscriptWriter(store, conversationID, logger)
	defer writer.Close()

	// ── Session ──────────────────────────────────────────────────────────────

	con := &console{w: out}
	sess := engine.New(provider, input, output, engine.Config{
		Instructions:  cfg.Session.Instructions,
		Voice:         cfg.Session.Voice,
		History:       buildHistory(stored, cfg.Session.History),
		InputFormat:   sessionFormat(cfg.Session.InputSampleRate, 1),
		OutputFormat:  sessionFormat(cfg.Session.OutputSampleRate, cfg.Session.OutputChannels),
		FrameSize:     cfg.Session.FrameSize,
		ThinkingDelay: cfg.Session.ThinkingDelay,
		ProviderName:  providerEntry.Name,
	},
		engine.WithID(sessionID),
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
		engine.WithStatusHandler(con.status),
		engine.WithTranscriptHandler(func(e engine.TranscriptEntry) {
			con.entry(e)
			writer.Write(transcript.Entry{Role: e.Role, Text: e.Text, At: e.At})
		}),
		engine.WithInterimHandler(func(role, text string) {
			logger.Debug("interim transcript", "role", role, "text", text)
		}),
	)
	defer sess.Close()

	watcher, err := config.NewWatcher(path, func(r config.Reload) {
		applyReload(r.Diff, handler, sess, logger)
	}, config.WithWatcherLogger(logger))
	if err != nil {
		logger.Warn("config hot reload disabled", "err", err)
	} else {
		watchCtx, stopWatch := context.WithCancel(ctx)
		defer stopWatch()
		go watcher.Run(watchCtx)
	}

	checkers = append([]health.Checker{health.Func("session", func() error {
		if st := sess.Status(); st.Terminal() {
			return fmt.Errorf("session is %s", st)
		}
		return nil
	})}, checkers...)
	srv := startHTTP(cfg.Server, health.New(checkers...), metrics, logger)

	// ── Run ──────────────────────────────────────────────────────────────────

	if err := sess.Start(ctx); err != nil {
		logger.Error("session failed to start", "err", err)
		shutdownHTTP(srv, logger)
		return errors.New(engine.UserMessage(err))
	}
	con.println(`live: type "m" + Enter to toggle the microphone, "q" + Enter or Ctrl+C to quit`)
	go readCommands(ctx, in, sess, stop, con)

	select {
	case <-ctx.Done():
	case <-sess.Done():
	}
	_ = sess.Close()
	shutdownHTTP(srv, logger)

	if err := sess.Err(); err != nil {
		logger.Error("session ended with an error", "err", err)
		return errors.New(engine.UserMessage(err))
	}
	return nil
}

// sessionFormat leaves the format zero, and so provider-chosen, unless a
// rate is configured.
func sessionFormat(rate, channels int) audio.Format {
	if rate == 0 {
		return audio.Format{}
	}
	return audio.Format{SampleRate: rate, Channels: max(channels, 1)}
}

// applyReload applies the hot-reloadable part of a config change.
func applyReload(d config.ConfigDiff, handler *log.Logger, sess *engine.Session, logger *slog.Logger) {
	if d.LogLevelChanged {
		handler.SetLevel(parseLevel(d.NewLogLevel))
		logger.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ThinkingDelayChanged {
		sess.SetThinkingDelay(d.NewThinkingDelay)
		logger.Info("thinking delay changed", "delay", d.NewThinkingDelay)
	}
	if d.RestartRequired {
		logger.Warn("configuration changes take effect on the next run", "fields", d.RestartFields)
	}
}

// readCommands handles console commands until in ends or ctx is done.
func readCommands(ctx context.Context, in io.Reader, sess *engine.Session, quit func(), con *console) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		switch strings.ToLower(strings.TrimSpace(sc.Text())) {
		case "m":
			if sess.Muted() {
				sess.Unmute()
				con.println("microphone on")
			} else {
				sess.Mute()
				con.println("microphone muted")
			}
		case "q":
			quit()
			return
		case "":
		default:
			con.println(`unknown command; "m" toggles the microphone, "q" quits`)
		}
	}
}

// ── Transcript storage ───────────────────────────────────────────────────────

func openStore(ctx context.Context, cfg config.TranscriptConfig) (transcript.Store, []health.Checker, func(), error) {
	if cfg.PostgresDSN == "" {
		return &transcript.MemoryStore{}, nil, func() {}, nil
	}
	pg, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, nil, err
	}
	checkers := []health.Checker{{Name: "transcript", Check: pg.Ping}}
	return pg, checkers, pg.Close, nil
}

// transcriptWriter persists entries off the session goroutine.
type transcriptWriter struct {
	store          transcript.Store
	conversationID string
	log            *slog.Logger
	ch             chan transcript.Entry
	done           chan struct{}
	once           sync.Once
}

func newTranscriptWriter(store transcript.Store, conversationID string, log *slog.Logger) *transcriptWriter {
	w := &transcriptWriter{
		store:          store,
		conversationID: conversationID,
		log:            log,
		ch:             make(chan transcript.Entry, 64),
		done:           make(chan struct{}),
	}
	go w.loop()
	return w
}

// Write queues e. It never blocks; entries are dropped when the queue is
// full.
func (w *transcriptWriter) Write(e transcript.Entry) {
	select {
	case w.ch <- e:
	default:
		w.log.Warn("transcript queue full; dropping entry", "role", e.Role)
	}
}

func (w *transcriptWriter) loop() {
	defer close(w.done)
	for e := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.store.WriteEntry(ctx, w.conversationID, e); err != nil {
			w.log.Warn("could not store transcript entry", "err", err)
		}
		cancel()
	}
}

// Close flushes queued entries.
func (w *transcriptWriter) Close() {
	w.once.Do(func() { close(w.ch) })
	<-w.done
}

// ── Console ──────────────────────────────────────────────────────────────────

type console struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.w, s)
}

func (c *console) status(ch engine.StatusChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch.Message != "" {
		fmt.Fprintf(c.w, "[%s] %s\n", ch.To, ch.Message)
		return
	}
	fmt.Fprintf(c.w, "[%s]\n", ch.To)
}

func (c *console) entry(e engine.TranscriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	who := "you"
	if e.Role == engine.RoleAgent {
		who = "agent"
	}
	fmt.Fprintf(c.w, "%s %-5s %s\n", e.At.Format("15:04:05"), who+":", e.Text)
}

// ── HTTP ─────────────────────────────────────────────────────────────────────

func startHTTP(cfg config.ServerConfig, hh *health.Handler, metrics *observe.Metrics, logger *slog.Logger) *http.Server {
	if cfg.ListenAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	hh.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           observe.Middleware(metrics, logger)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		var err error
		if cfg.TLS != nil {
			logger.Info("status server listening", "addr", cfg.ListenAddr, "tls", true)
			err = srv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.Info("status server listening", "addr", cfg.ListenAddr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server failed", "err", err)
		}
	}()
	return srv
}

func shutdownHTTP(srv *http.Server, logger *slog.Logger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("status server shutdown", "err", err)
	}
}
