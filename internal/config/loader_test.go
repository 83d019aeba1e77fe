package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/nexuslive/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "server:\n  log_level: bananas\n", "server.log_level"},
		{"tls incomplete", "server:\n  tls:\n    cert_file: a.pem\n", "server.tls"},
		{"sample ratio", "server:\n  trace_sample_ratio: 1.5\n", "server.trace_sample_ratio"},
		{"frame size", "session:\n  frame_size: -1\n", "session.frame_size"},
		{"input rate", "session:\n  input_sample_rate: 100\n", "session.input_sample_rate"},
		{"output rate", "session:\n  output_sample_rate: 500000\n", "session.output_sample_rate"},
		{"channels", "session:\n  output_channels: 9\n", "session.output_channels"},
		{"history role", "session:\n  history:\n    - role: narrator\n      text: hi\n", "session.history[0].role"},
		{"wav input path", "devices:\n  input:\n    name: wav\n", "devices.input.path"},
		{"wav output path", "devices:\n  output:\n    name: wav\n", "devices.output.path"},
		{"history limit", "transcript:\n  history_limit: -3\n", "transcript.history_limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  log_level: loud
session:
  output_channels: 12
  history:
    - role: narrator
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, want := range []string{"log_level", "output_channels", "history[0].role"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_HistoryAliases(t *testing.T) {
	t.Parallel()

	yaml := `
session:
  history:
    - role: user
      text: hi
    - role: assistant
      text: hello
    - role: agent
      text: again
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_UnknownProviderOnlyWarns(t *testing.T) {
	t.Parallel()

	yaml := `
provider:
  name: homegrown
  api_key: k
devices:
  input:
    name: alsa-direct
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unknown names should only warn, got: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()

	for _, kind := range []string{"s2s", "input", "output"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("ValidProviderNames[%q] is empty", kind)
		}
	}
}
