package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/MrWong99/nexuslive/internal/config"
	"github.com/MrWong99/nexuslive/pkg/audio"
	"github.com/MrWong99/nexuslive/pkg/audio/portaudio"
	"github.com/MrWong99/nexuslive/pkg/audio/wavfile"
	"github.com/MrWong99/nexuslive/pkg/provider/s2s"
	"github.com/MrWong99/nexuslive/pkg/provider/s2s/gemini"
	"github.com/MrWong99/nexuslive/pkg/provider/s2s/openai"
	"github.com/MrWong99/nexuslive/pkg/transcript"
)

const (
	defaultProvider = "gemini-live"
	defaultDevice   = "portaudio"
)

// ── Logger ───────────────────────────────────────────────────────────────────

// newLogger returns a console logger and its handler. The handler's level
// can be changed at runtime with SetLevel.
func newLogger(w io.Writer, level config.LogLevel) (*slog.Logger, *log.Logger) {
	h := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Level:           parseLevel(level),
	})
	return slog.New(h), h
}

func parseLevel(level config.LogLevel) log.Level {
	lvl, err := log.ParseLevel(string(level))
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// ── Registry ─────────────────────────────────────────────────────────────────

// newRegistry returns a registry holding every built-in provider and device.
func newRegistry(logger *slog.Logger) *config.Registry {
	reg := config.NewRegistry()

	reg.RegisterS2S("gemini-live", func(e config.ProviderEntry) (s2s.Provider, error) {
		opts := []gemini.Option{gemini.WithLogger(logger)}
		if e.Model != "" {
			opts = append(opts, gemini.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(e.BaseURL))
		}
		return gemini.New(e.APIKey, opts...), nil
	})
	reg.RegisterS2S("openai-realtime", func(e config.ProviderEntry) (s2s.Provider, error) {
		opts := []openai.Option{openai.WithLogger(logger)}
		if e.Model != "" {
			opts = append(opts, openai.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		return openai.New(e.APIKey, opts...), nil
	})

	reg.RegisterInput("portaudio", func(config.DeviceEntry) (audio.InputSource, error) {
		return portaudio.Source{}, nil
	})
	reg.RegisterInput("wav", func(e config.DeviceEntry) (audio.InputSource, error) {
		return &wavfile.Source{Path: e.Path, Speed: optFloat(e.Options, "speed")}, nil
	})
	reg.RegisterOutput("portaudio", func(e config.DeviceEntry) (audio.OutputSink, error) {
		return portaudio.Sink{FramesPerBuffer: int(optFloat(e.Options, "frames_per_buffer"))}, nil
	})
	reg.RegisterOutput("wav", func(e config.DeviceEntry) (audio.OutputSink, error) {
		return &wavfile.Sink{Path: e.Path, Speed: optFloat(e.Options, "speed")}, nil
	})

	for _, kind := range []string{"s2s", "input", "output"} {
		logger.Debug("registered implementations", "kind", kind, "names", reg.Names(kind))
	}
	return reg
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// optFloat reads a numeric option. YAML decodes integers as int, so both are
// accepted. Missing or non-numeric values read as zero.
func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case int:
		return float64(v)
	case float64:
		return v
	}
	return 0
}

// buildHistory returns stored turns followed by the configured ones. Blank
// stored entries are skipped.
func buildHistory(stored []transcript.Entry, configured []config.HistoryEntry) []s2s.HistoryItem {
	out := make([]s2s.HistoryItem, 0, len(stored)+len(configured))
	for _, e := range stored {
		if strings.TrimSpace(e.Text) == "" {
			continue
		}
		out = append(out, s2s.HistoryItem{Role: historyRole(e.Role), Text: e.Text})
	}
	for _, h := range configured {
		out = append(out, s2s.HistoryItem{Role: historyRole(h.Role), Text: h.Text})
	}
	return out
}

func historyRole(role string) string {
	if (s2s.HistoryItem{Role: role}).IsModel() {
		return "model"
	}
	return "user"
}
