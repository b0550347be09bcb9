package observe

import (
	"context"
	"testing"

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

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"kvasir.stt.duration", m.STTDuration},
		{"kvasir.rag.duration", m.RAGDuration},
		{"kvasir.llm.duration", m.LLMDuration},
		{"kvasir.tts.duration", m.TTSDuration},
		{"kvasir.turn.duration", m.TurnDuration},
		{"kvasir.llm.ttft", m.TTFT},
		{"kvasir.turn.ttfb", m.TTFB},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			got := findMetric(rm, tc.name)
			if got == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := got.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a float64 histogram", tc.name)
			}
			if len(hist.DataPoints) != 1 {
				t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
			}
			if hist.DataPoints[0].Count != 2 {
				t.Errorf("count = %d, want 2", hist.DataPoints[0].Count)
			}
		})
	}
}

func TestRecordTransition(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTransition(ctx, "listening", "transcribing", 1.5)
	m.RecordTransition(ctx, "transcribing", "generating", 0.2)

	rm := collect(t, reader)

	transitions := findMetric(rm, "kvasir.turn.transitions")
	if transitions == nil {
		t.Fatal("transitions metric not found")
	}
	sum, ok := transitions.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("transitions is not an int64 sum")
	}
	if len(sum.DataPoints) != 2 {
		t.Errorf("transition data points = %d, want 2 (distinct from/to pairs)", len(sum.DataPoints))
	}

	stateDur := findMetric(rm, "kvasir.turn.state.duration")
	if stateDur == nil {
		t.Fatal("state duration metric not found")
	}
}

func TestRecordStageError(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStageError(ctx, StageSTT, "error")
	m.RecordStageError(ctx, StageSTT, "error")
	m.RecordStageError(ctx, StageTTS, "cancelled")

	rm := collect(t, reader)
	got := findMetric(rm, "kvasir.stage.errors")
	if got == nil {
		t.Fatal("stage errors metric not found")
	}
	sum, ok := got.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("stage errors is not an int64 sum")
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 3 {
		t.Errorf("total errors = %d, want 3", total)
	}
}
