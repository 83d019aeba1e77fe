package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Setup replaces the otel globals, so these tests do not run in parallel.

func TestSetup_ExportsToRegistry(t *testing.T) {
	prevMP, prevTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(prevMP)
		otel.SetTracerProvider(prevTP)
	})

	reg := prometheus.NewRegistry()
	tel, err := Setup(context.Background(), TelemetryConfig{
		ServiceVersion: "test",
		InstanceID:     "sess-1",
		Registerer:     reg,
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	tel.Metrics.RecordFrameDropped(context.Background(), "muted")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	joined := strings.Join(names, " ")
	if !strings.Contains(joined, "frames_dropped") {
		t.Errorf("registry missing frames_dropped metric: %s", joined)
	}
	if !strings.Contains(joined, "target_info") {
		t.Errorf("registry missing target_info: %s", joined)
	}
}

func TestSetup_TracesCarryResource(t *testing.T) {
	prevMP, prevTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(prevMP)
		otel.SetTracerProvider(prevTP)
	})

	exp := tracetest.NewInMemoryExporter()
	tel, err := Setup(context.Background(), TelemetryConfig{
		InstanceID:    "sess-2",
		Registerer:    prometheus.NewRegistry(),
		TraceExporter: exp,
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	_, span := StartSpan(context.Background(), "probe")
	EndSpan(span, nil)
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Resource.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["service.name"] != "nexuslive" || attrs["service.instance.id"] != "sess-2" {
		t.Errorf("resource attributes = %v", attrs)
	}
}

func TestSampler(t *testing.T) {
	t.Parallel()

	for ratio, want := range map[float64]string{
		0:    "AlwaysOnSampler",
		1:    "AlwaysOnSampler",
		-2:   "AlwaysOnSampler",
		0.25: "TraceIDRatioBased{0.25}",
	} {
		s := sampler(ratio)
		if !strings.Contains(s.Description(), want) {
			t.Errorf("sampler(%v) = %s, want it to contain %s", ratio, s.Description(), want)
		}
	}
}
