package observe

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the int64 sum data point value whose attribute key equals
// value, or -1 when absent.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if key == "" {
			return dp.Value
		}
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	return -1
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordConnect(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordConnect(ctx, "gemini-live", "ok", 120*time.Millisecond)
	m.RecordConnect(ctx, "gemini-live", "ok", 80*time.Millisecond)

	rm := collect(t, reader)
	met := findMetric(rm, "nexuslive.session.connect.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 2 {
		t.Fatalf("data points = %+v, want one point with count 2", hist.DataPoints)
	}
	if got := hist.DataPoints[0].Sum; got < 0.199 || got > 0.201 {
		t.Errorf("sum = %v, want 0.2", got)
	}
}

func TestCountersWithAttributes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrameDropped(ctx, "muted")
	m.RecordFrameDropped(ctx, "muted")
	m.RecordFrameDropped(ctx, "backpressure")
	m.RecordTranscriptEntry(ctx, "user")
	m.RecordTranscriptEntry(ctx, "agent")
	m.RecordTranscriptEntry(ctx, "agent")
	m.RecordStatus(ctx, "speaking")
	m.RecordSessionError(ctx, "transport")

	rm := collect(t, reader)
	tests := []struct {
		metric, key, value string
		want               int64
	}{
		{"nexuslive.capture.frames.dropped", "reason", "muted", 2},
		{"nexuslive.capture.frames.dropped", "reason", "backpressure", 1},
		{"nexuslive.transcript.entries", "role", "agent", 2},
		{"nexuslive.transcript.entries", "role", "user", 1},
		{"nexuslive.session.status_transitions", "status", "speaking", 1},
		{"nexuslive.session.errors", "kind", "transport", 1},
	}
	for _, tt := range tests {
		if got := sumWhere(t, rm, tt.metric, tt.key, tt.value); got != tt.want {
			t.Errorf("%s{%s=%s} = %d, want %d", tt.metric, tt.key, tt.value, got, tt.want)
		}
	}
}

func TestRecordChunkScheduled(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordChunkScheduled(ctx, time.Second)
	m.RecordChunkScheduled(ctx, 500*time.Millisecond)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "nexuslive.playback.chunks", "", ""); got != 2 {
		t.Errorf("chunks = %d, want 2", got)
	}
	met := findMetric(rm, "nexuslive.playback.seconds")
	if met == nil {
		t.Fatal("playback seconds not found")
	}
	sum, ok := met.Data.(metricdata.Sum[float64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("playback seconds is not a float sum")
	}
	if got := sum.DataPoints[0].Value; got != 1.5 {
		t.Errorf("playback seconds = %v, want 1.5", got)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "nexuslive.active_sessions", "", ""); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a == nil || a != b {
		t.Fatal("DefaultMetrics should return the same non-nil instance")
	}
}
