package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric"
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

// sumWhere returns the value of the int64 sum data point carrying key=value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q: no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	t.Parallel()
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"parlance.encode.duration", m.EncodeDuration},
		{"parlance.reply.latency", m.ReplyLatency},
		{"parlance.transport.heartbeat_rtt", m.HeartbeatRTT},
	}
	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)
	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordUtterance(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordUtterance(ctx, OutcomeSent)
	m.RecordUtterance(ctx, OutcomeSent)
	m.RecordUtterance(ctx, OutcomeTooShort)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "parlance.utterances", "outcome", OutcomeSent); got != 2 {
		t.Errorf("sent = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "parlance.utterances", "outcome", OutcomeTooShort); got != 1 {
		t.Errorf("too_short = %d, want 1", got)
	}
}

func TestRecordMessage(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordMessage(ctx, "audio_data", "out")
	m.RecordMessage(ctx, "pong", "in")
	m.RecordMessage(ctx, "pong", "in")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "parlance.transport.messages", "type", "pong"); got != 2 {
		t.Errorf("pong = %d, want 2", got)
	}
}

func TestRecordTransportState_CountsReconnects(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTransportState(ctx, "open")
	m.RecordTransportState(ctx, "reconnecting")
	m.RecordTransportState(ctx, "reconnecting")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "parlance.transport.state_changes", "state", "reconnecting"); got != 2 {
		t.Errorf("reconnecting = %d, want 2", got)
	}
	met := findMetric(rm, "parlance.transport.reconnects")
	if met == nil {
		t.Fatal("reconnects metric not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) == 0 || sum.DataPoints[0].Value != 2 {
		t.Errorf("reconnects = %v, want 2", sum.DataPoints)
	}
}

func TestRecordBackendCall(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBackendCall(ctx, "recognize", "http://primary", 120*time.Millisecond, nil)
	m.RecordBackendCall(ctx, "recognize", "http://primary", 80*time.Millisecond, errors.New("503"))

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "parlance.backend.errors", "endpoint", "http://primary"); got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
	met := findMetric(rm, "parlance.backend.duration")
	if met == nil {
		t.Fatal("duration metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 2 {
		t.Errorf("duration samples = %d, want 2", total)
	}
}

func TestGauges(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.PlaybackQueue.Add(ctx, 3)

	rm := collect(t, reader)
	gauges := []struct {
		name string
		want int64
	}{
		{"parlance.active_sessions", 1},
		{"parlance.playback.queue", 3},
	}
	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
