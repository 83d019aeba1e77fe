// Package config provides the configuration schema, loader, and provider
// registry for the nexuslive voice client.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Provider   ProviderEntry    `yaml:"provider"`
	Session    SessionConfig    `yaml:"session"`
	Devices    DevicesConfig    `yaml:"devices"`
	Transcript TranscriptConfig `yaml:"transcript"`
}

// ServerConfig holds the optional HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for /healthz, /readyz, and /metrics
	// (e.g., ":9090"). Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the listener. When nil, it serves plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// TraceSampleRatio is the fraction of traces sampled, in [0, 1].
	// 0 samples every trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProviderEntry selects and configures the remote voice model. The Name
// field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider ("gemini-live", "openai-realtime").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. When empty, the
	// NEXUSLIVE_API_KEY environment variable is used.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default websocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// SessionConfig configures each live session.
type SessionConfig struct {
	// Instructions is the system prompt sent to the model.
	Instructions string `yaml:"instructions"`

	// Voice selects the model's prebuilt voice. Empty uses the provider
	// default.
	Voice string `yaml:"voice"`

	// ThinkingDelay is how long the session waits after forwarding user
	// audio before it reports "thinking". Zero uses the engine default; a
	// negative value disables the status. Hot-reloadable.
	ThinkingDelay time.Duration `yaml:"thinking_delay"`

	// FrameSize is the number of samples per captured frame.
	FrameSize int `yaml:"frame_size"`

	// InputSampleRate overrides the capture rate.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate and OutputChannels override the playback format.
	OutputSampleRate int `yaml:"output_sample_rate"`
	OutputChannels   int `yaml:"output_channels"`

	// History seeds the conversation with prior turns.
	History []HistoryEntry `yaml:"history"`
}

// HistoryEntry is one prior conversation turn.
type HistoryEntry struct {
	// Role is "user" or "model" ("assistant" and "agent" are aliases).
	Role string `yaml:"role"`
	Text string `yaml:"text"`
}

// DevicesConfig selects the local audio devices.
type DevicesConfig struct {
	Input  DeviceEntry `yaml:"input"`
	Output DeviceEntry `yaml:"output"`
}

// DeviceEntry selects a registered audio device implementation.
type DeviceEntry struct {
	// Name selects the implementation ("portaudio", "wav").
	Name string `yaml:"name"`

	// Path is the WAV file read from (input) or written to (output) by the
	// "wav" device.
	Path string `yaml:"path"`

	// Options holds device-specific values (e.g. "speed": 4 for the "wav"
	// device).
	Options map[string]any `yaml:"options"`
}

// TranscriptConfig configures durable transcript storage.
type TranscriptConfig struct {
	// PostgresDSN is the PostgreSQL connection string. Empty keeps
	// transcripts in memory only. When empty, NEXUSLIVE_POSTGRES_DSN is used.
	PostgresDSN string `yaml:"postgres_dsn"`

	// ConversationID groups entries across sessions. Empty starts a new
	// conversation per run.
	ConversationID string `yaml:"conversation_id"`

	// HistoryLimit caps how many stored entries are replayed as history when
	// a session starts. Zero disables replay.
	HistoryLimit int `yaml:"history_limit"`
}
