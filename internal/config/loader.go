package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted when the matching field is empty.
const (
	EnvAPIKey      = "NEXUSLIVE_API_KEY"
	EnvPostgresDSN = "NEXUSLIVE_POSTGRES_DSN"
)

// ValidProviderNames lists known implementation names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"s2s":    {"gemini-live", "openai-realtime"},
	"input":  {"portaudio", "wav"},
	"output": {"portaudio", "wav"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills empty secrets from the
// environment, and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = os.Getenv(EnvAPIKey)
	}
	if cfg.Transcript.PostgresDSN == "" {
		cfg.Transcript.PostgresDSN = os.Getenv(EnvPostgresDSN)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v is out of range [0, 1]", r))
	}

	// Provider
	validateProviderName("s2s", cfg.Provider.Name)
	if cfg.Provider.Name != "" && cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty; sessions will fail to connect", "provider", cfg.Provider.Name, "env", EnvAPIKey)
	}

	// Session
	s := cfg.Session
	if s.FrameSize < 0 || s.FrameSize > 1<<16 {
		errs = append(errs, fmt.Errorf("session.frame_size %d is out of range [0, 65536]", s.FrameSize))
	}
	for name, rate := range map[string]int{"input_sample_rate": s.InputSampleRate, "output_sample_rate": s.OutputSampleRate} {
		if rate != 0 && (rate < 8000 || rate > 192000) {
			errs = append(errs, fmt.Errorf("session.%s %d is out of range [8000, 192000]", name, rate))
		}
	}
	if s.OutputChannels < 0 || s.OutputChannels > 8 {
		errs = append(errs, fmt.Errorf("session.output_channels %d is out of range [0, 8]", s.OutputChannels))
	}
	for i, h := range s.History {
		switch h.Role {
		case "user", "model", "assistant", "agent":
		default:
			errs = append(errs, fmt.Errorf("session.history[%d].role %q is invalid; valid values: user, model", i, h.Role))
		}
	}

	// Devices
	validateProviderName("input", cfg.Devices.Input.Name)
	validateProviderName("output", cfg.Devices.Output.Name)
	for kind, d := range map[string]DeviceEntry{"input": cfg.Devices.Input, "output": cfg.Devices.Output} {
		if d.Name == "wav" && d.Path == "" {
			errs = append(errs, fmt.Errorf("devices.%s.path is required when name is wav", kind))
		}
	}

	// Transcript
	if cfg.Transcript.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("transcript.history_limit %d must not be negative", cfg.Transcript.HistoryLimit))
	}
	if cfg.Transcript.PostgresDSN == "" && cfg.Transcript.HistoryLimit > 0 {
		slog.Warn("transcript.history_limit is set but no postgres_dsn is configured; history replay is disabled")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
