package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
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

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestStageHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.TranscribeDuration.Record(ctx, 1.5,
		metric.WithAttributes(attribute.String("provider", "whisper")),
	)
	m.TranscribeDuration.Record(ctx, 0.3,
		metric.WithAttributes(attribute.String("provider", "whisper")),
	)

	rm := collect(t, reader)
	found := findMetric(rm, "callgist.transcribe.duration")
	if found == nil {
		t.Fatal("callgist.transcribe.duration not found")
	}

	hist, ok := found.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("unexpected data type %T", found.Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 2 {
		t.Errorf("count = %d, want 2", dp.Count)
	}
	if dp.Sum != 1.8 {
		t.Errorf("sum = %v, want 1.8", dp.Sum)
	}
}

func TestRecordPipelineRun(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPipelineRun(ctx, "completed")
	m.RecordPipelineRun(ctx, "completed")
	m.RecordPipelineRun(ctx, "error")

	rm := collect(t, reader)
	found := findMetric(rm, "callgist.pipeline.runs")
	if found == nil {
		t.Fatal("callgist.pipeline.runs not found")
	}

	sum, ok := found.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", found.Data)
	}
	// One data point per distinct status attribute.
	if len(sum.DataPoints) != 2 {
		t.Fatalf("data points = %d, want 2", len(sum.DataPoints))
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 3 {
		t.Errorf("total runs = %d, want 3", total)
	}
}

func TestRecordMaskedSpans(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordMaskedSpans(ctx, 4)
	m.RecordMaskedSpans(ctx, 0)  // ignored
	m.RecordMaskedSpans(ctx, -1) // ignored
	m.RecordMaskedSpans(ctx, 2)

	rm := collect(t, reader)
	found := findMetric(rm, "callgist.redact.masked_spans")
	if found == nil {
		t.Fatal("callgist.redact.masked_spans not found")
	}

	sum, ok := found.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", found.Data)
	}
	if len(sum.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(sum.DataPoints))
	}
	if got := sum.DataPoints[0].Value; got != 6 {
		t.Errorf("masked spans = %d, want 6", got)
	}
}

func TestActiveSessionsUpDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	found := findMetric(rm, "callgist.active_sessions")
	if found == nil {
		t.Fatal("callgist.active_sessions not found")
	}

	sum, ok := found.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", found.Data)
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different instances")
	}
}

func TestAttr(t *testing.T) {
	kv := Attr("provider", "openai")
	if kv.Key != "provider" || kv.Value.AsString() != "openai" {
		t.Errorf("Attr = %v, want provider=openai", kv)
	}
}
