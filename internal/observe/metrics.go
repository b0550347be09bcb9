// Package observe provides the observability primitives for Kvasir:
// OpenTelemetry metrics, a non-blocking stage event recorder, and HTTP
// middleware for the operational endpoints.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that everything is
// scrapable via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with their own [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Kvasir metrics.
const meterName = "github.com/hauksbok/kvasir"

// Metrics holds all OpenTelemetry metric instruments for the pipeline.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// RAGDuration tracks retrieval augmentation latency.
	RAGDuration metric.Float64Histogram

	// LLMDuration tracks response generation latency (full completion).
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks per-chunk speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks end-to-end turn latency from turn-end detection to
	// the final outbound audio chunk.
	TurnDuration metric.Float64Histogram

	// TTFT tracks time to first generated token after a completion request.
	TTFT metric.Float64Histogram

	// TTFB tracks time to first outbound audio byte after turn-end detection.
	TTFB metric.Float64Histogram

	// StateDuration tracks time spent in each turn state, labelled by the
	// state being left.
	StateDuration metric.Float64Histogram

	// --- Counters ---

	// TurnsCompleted counts finished turns. Use with attribute:
	//   attribute.String("outcome", "completed"|"cancelled"|"failed"|"empty")
	TurnsCompleted metric.Int64Counter

	// Transitions counts turn state transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	Transitions metric.Int64Counter

	// BargeIns counts speech-start events that cancelled an in-flight turn.
	BargeIns metric.Int64Counter

	// StageErrors counts stage failures. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("kind", ...)
	StageErrors metric.Int64Counter

	// DroppedEvents counts stage events discarded by a full [Recorder] queue.
	DroppedEvents metric.Int64Counter

	// --- Gauges ---

	// ActiveTurns tracks turns currently in a non-terminal state.
	ActiveTurns metric.Int64UpDownCounter

	// ActiveSessions tracks live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.STTDuration, "kvasir.stt.duration", "Latency of speech-to-text transcription."},
		{&met.RAGDuration, "kvasir.rag.duration", "Latency of retrieval augmentation."},
		{&met.LLMDuration, "kvasir.llm.duration", "Latency of response generation."},
		{&met.TTSDuration, "kvasir.tts.duration", "Latency of per-chunk speech synthesis."},
		{&met.TurnDuration, "kvasir.turn.duration", "End-to-end turn latency."},
		{&met.TTFT, "kvasir.llm.ttft", "Time to first generated token."},
		{&met.TTFB, "kvasir.turn.ttfb", "Time to first outbound audio byte."},
		{&met.StateDuration, "kvasir.turn.state.duration", "Time spent in each turn state."},
	}
	for _, h := range histograms {
		hist, err := m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
		if err != nil {
			return nil, err
		}
		*h.dst = hist
	}

	var err error
	if met.TurnsCompleted, err = m.Int64Counter("kvasir.turns.completed",
		metric.WithDescription("Total finished turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Transitions, err = m.Int64Counter("kvasir.turn.transitions",
		metric.WithDescription("Total turn state transitions by from and to state."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("kvasir.turn.barge_ins",
		metric.WithDescription("Total barge-in cancellations."),
	); err != nil {
		return nil, err
	}
	if met.StageErrors, err = m.Int64Counter("kvasir.stage.errors",
		metric.WithDescription("Total stage failures by stage and kind."),
	); err != nil {
		return nil, err
	}
	if met.DroppedEvents, err = m.Int64Counter("kvasir.observe.dropped_events",
		metric.WithDescription("Stage events discarded by a full recorder queue."),
	); err != nil {
		return nil, err
	}

	if met.ActiveTurns, err = m.Int64UpDownCounter("kvasir.active_turns",
		metric.WithDescription("Turns currently in a non-terminal state."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("kvasir.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("kvasir.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTransition records a turn state transition together with the time
// spent in the previous state.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string, elapsedSeconds float64) {
	m.Transitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
	m.StateDuration.Record(ctx, elapsedSeconds,
		metric.WithAttributes(attribute.String("state", from)),
	)
}

// RecordStageError records a stage failure with the standard attribute set.
func (m *Metrics) RecordStageError(ctx context.Context, stage, kind string) {
	m.StageErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("kind", kind),
		),
	)
}

// RecordTurnOutcome records a finished turn by outcome.
func (m *Metrics) RecordTurnOutcome(ctx context.Context, outcome string) {
	m.TurnsCompleted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
