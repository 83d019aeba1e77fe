package config

import (
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied to a running session are tracked; the
// rest take effect when the next session starts.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ThinkingDelayChanged bool
	NewThinkingDelay     time.Duration

	// RestartRequired is true when a field changed that only the next run
	// picks up: the listener, provider, devices, session setup or transcript.
	RestartRequired bool
	// RestartFields names those fields in YAML path form.
	RestartFields []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ThinkingDelayChanged || d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Session.ThinkingDelay != new.Session.ThinkingDelay {
		d.ThinkingDelayChanged = true
		d.NewThinkingDelay = new.Session.ThinkingDelay
	}

	restart := func(field string, changed bool) {
		if changed {
			d.RestartFields = append(d.RestartFields, field)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !tlsEqual(old.Server.TLS, new.Server.TLS))
	restart("server.trace_sample_ratio", old.Server.TraceSampleRatio != new.Server.TraceSampleRatio)
	restart("provider", !providerEqual(old.Provider, new.Provider))
	restart("session.instructions", old.Session.Instructions != new.Session.Instructions)
	restart("session.voice", old.Session.Voice != new.Session.Voice)
	restart("session.frame_size", old.Session.FrameSize != new.Session.FrameSize)
	restart("session.input_sample_rate", old.Session.InputSampleRate != new.Session.InputSampleRate)
	restart("session.output_sample_rate", old.Session.OutputSampleRate != new.Session.OutputSampleRate)
	restart("session.output_channels", old.Session.OutputChannels != new.Session.OutputChannels)
	restart("session.history", !slices.Equal(old.Session.History, new.Session.History))
	restart("devices.input", !deviceEqual(old.Devices.Input, new.Devices.Input))
	restart("devices.output", !deviceEqual(old.Devices.Output, new.Devices.Output))
	restart("transcript", old.Transcript != new.Transcript)
	d.RestartRequired = len(d.RestartFields) > 0

	return d
}

// providerEqual ignores Options, which are compared by the provider itself
// on construction.
func providerEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func deviceEqual(a, b DeviceEntry) bool {
	return a.Name == b.Name && a.Path == b.Path
}
