package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Pipeline stage names used in [StageEvent.Stage] and metric attributes.
const (
	StageSTT     = "stt"
	StageRAG     = "rag"
	StageLLM     = "llm"
	StageTTS     = "tts"
	StageTurn    = "turn"
	StageSegment = "segment"
)

// StageEvent is one observation emitted at a pipeline stage boundary.
type StageEvent struct {
	// Stage names the pipeline stage, one of the Stage* constants.
	Stage string

	// Turn is the turn ID the event belongs to, 0 when not turn-scoped.
	Turn uint64

	// Duration is how long the stage took.
	Duration time.Duration

	// Bytes is the audio payload size processed or produced, when relevant.
	Bytes int

	// Tokens is the token count involved, when relevant.
	Tokens int

	// Err is the failure that ended the stage, nil on success.
	Err error

	// Cancelled marks stages that were cut short by barge-in.
	Cancelled bool
}

// Recorder applies [StageEvent]s to OTel instruments without ever blocking
// the pipeline. Record enqueues into a bounded channel; a drain goroutine
// owned by the Recorder does the actual instrument updates. When the queue is
// full the event is dropped and counted.
type Recorder struct {
	metrics *Metrics
	events  chan StageEvent

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// defaultQueueSize bounds the recorder queue. Events beyond it are dropped.
const defaultQueueSize = 256

// NewRecorder creates a Recorder draining into metrics and starts its drain
// goroutine. queueSize <= 0 selects the default.
func NewRecorder(metrics *Metrics, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	r := &Recorder{
		metrics: metrics,
		events:  make(chan StageEvent, queueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.drain()
	return r
}

// Metrics returns the instrument set this recorder applies events to, for
// stages that record instruments the event path does not cover.
func (r *Recorder) Metrics() *Metrics {
	return r.metrics
}

// Record enqueues ev. It never blocks; when the queue is full the event is
// dropped and the dropped-events counter incremented.
func (r *Recorder) Record(ev StageEvent) {
	select {
	case r.events <- ev:
	default:
		r.metrics.DroppedEvents.Add(context.Background(), 1)
	}
}

// Close stops the drain goroutine after flushing queued events. Record calls
// after Close drop their events.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Recorder) drain() {
	defer close(r.done)
	for {
		select {
		case ev := <-r.events:
			r.apply(ev)
		case <-r.stop:
			for {
				select {
				case ev := <-r.events:
					r.apply(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) apply(ev StageEvent) {
	ctx := context.Background()

	if ev.Err != nil {
		kind := "error"
		if ev.Cancelled {
			kind = "cancelled"
		}
		r.metrics.RecordStageError(ctx, ev.Stage, kind)
	}

	var hist metric.Float64Histogram
	switch ev.Stage {
	case StageSTT:
		hist = r.metrics.STTDuration
	case StageRAG:
		hist = r.metrics.RAGDuration
	case StageLLM:
		hist = r.metrics.LLMDuration
	case StageTTS:
		hist = r.metrics.TTSDuration
	case StageTurn:
		hist = r.metrics.TurnDuration
	default:
		return
	}

	status := "ok"
	switch {
	case ev.Cancelled:
		status = "cancelled"
	case ev.Err != nil:
		status = "error"
	}
	hist.Record(ctx, ev.Duration.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}
