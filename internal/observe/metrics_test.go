package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

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

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

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

// sumWhere returns the value of the data point carrying key=value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name string, key attribute.Key, value attribute.Value) int64 {
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
		if v, ok := dp.Attributes.Value(key); ok && v == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no point with %s=%v", name, key, value.Emit())
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTranscription(ctx, "whisper", "ok", 0.8)
	m.RecordTranscription(ctx, "whisper", "ok", 1.2)
	m.CalibrationDuration.Record(ctx, 2.1)
	m.HTTPRequestDuration.Record(ctx, 0.01, metric.WithAttributes(Attr("method", "GET"), Attr("path", "/healthz")))

	rm := collect(t, reader)
	for name, want := range map[string]uint64{
		"earshot.transcription.duration": 2,
		"earshot.calibration.duration":   1,
		"earshot.http.request.duration":  1,
	} {
		t.Run(name, func(t *testing.T) {
			met := findMetric(rm, name)
			if met == nil {
				t.Fatalf("metric %q not found", name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok || len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no histogram points", name)
			}
			if got := hist.DataPoints[0].Count; got != want {
				t.Errorf("count = %d, want %d", got, want)
			}
		})
	}
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordWindow(ctx, "silence", 0)
	m.RecordWindow(ctx, "silence", 2)
	m.RecordWindow(ctx, "cap", 0)
	m.RecordWake(ctx, "mirza", false)
	m.RecordUtterance(ctx, "mirza")
	m.RecordEscalation(ctx, 1)
	m.RecordEscalation(ctx, 4)
	m.RecordEscalation(ctx, 4)
	m.RecordProviderError(ctx, "deepgram", "transcribe")

	rm := collect(t, reader)
	checks := []struct {
		name  string
		key   attribute.Key
		value attribute.Value
		want  int64
	}{
		{"earshot.windows", "end", attribute.StringValue("silence"), 2},
		{"earshot.windows", "end", attribute.StringValue("cap"), 1},
		{"earshot.wake.detections", "identity", attribute.StringValue("mirza"), 1},
		{"earshot.utterances", "identity", attribute.StringValue("mirza"), 1},
		{"earshot.silence.escalations", "level", attribute.IntValue(4), 2},
		{"earshot.provider.errors", "provider", attribute.StringValue("deepgram"), 1},
	}
	for _, c := range checks {
		if got := sumWhere(t, rm, c.name, c.key, c.value); got != c.want {
			t.Errorf("%s{%s=%s} = %d, want %d", c.name, c.key, c.value.Emit(), got, c.want)
		}
	}

	met := findMetric(rm, "earshot.audio.read_errors")
	if met == nil {
		t.Fatal("read errors metric not found")
	}
	if sum := met.Data.(metricdata.Sum[int64]); sum.DataPoints[0].Value != 2 {
		t.Errorf("read errors = %d, want 2", sum.DataPoints[0].Value)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordState(ctx, true)
	m.RecordState(ctx, false)
	m.RecordThreshold(ctx, 42.5)

	rm := collect(t, reader)
	state := findMetric(rm, "earshot.conversation.state")
	if state == nil {
		t.Fatal("state gauge not found")
	}
	if g := state.Data.(metricdata.Gauge[int64]); g.DataPoints[0].Value != 0 {
		t.Errorf("state = %d, want 0 (last recorded)", g.DataPoints[0].Value)
	}
	thr := findMetric(rm, "earshot.vad.silence_threshold")
	if thr == nil {
		t.Fatal("threshold gauge not found")
	}
	if g := thr.Data.(metricdata.Gauge[float64]); g.DataPoints[0].Value != 42.5 {
		t.Errorf("threshold = %v, want 42.5", g.DataPoints[0].Value)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
