package turn

import (
	"context"
	"sync"
	"time"

	"github.com/hauksbok/kvasir/internal/observe"
	"github.com/hauksbok/kvasir/pkg/provider/stt"
)

// Turn is one user utterance and the pipeline run answering it. Fields above
// the mutex are written by the coordinator before the pipeline starts and by
// the single pipeline goroutine afterwards; the guarded fields may be touched
// concurrently by the event loop (cancellation).
type Turn struct {
	// ID is the session-monotonic turn number, starting at 1.
	ID uint64

	// StartedAt is when speech onset was detected.
	StartedAt time.Time

	// AudioAt is when the finalized utterance arrived, which is the zero
	// point for response latency.
	AudioAt time.Time

	// Audio is the finalized utterance.
	Audio stt.Segment

	// Transcript is the corrected transcription of Audio.
	Transcript string

	// Context is the retrieved reference block, possibly empty.
	Context string

	// Response accumulates the generated assistant text.
	Response string

	// pipelineCtx and started belong to the coordinator's event loop:
	// pipelineCtx is the cancellable context the pipeline runs under, and
	// started records whether the pipeline goroutine was launched.
	pipelineCtx context.Context
	started     bool

	mu         sync.Mutex
	state      State
	lastChange time.Time
	cancel     context.CancelFunc
	done       bool
}

func newTurn(id uint64, startedAt time.Time, cancel context.CancelFunc, metrics *observe.Metrics) *Turn {
	t := &Turn{
		ID:         id,
		StartedAt:  startedAt,
		state:      StateListening,
		lastChange: startedAt,
		cancel:     cancel,
	}
	metrics.RecordTransition(context.Background(), StateIdle.String(), StateListening.String(), 0)
	return t
}

// State returns the current pipeline state.
func (t *Turn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done reports whether the turn has finished, by any outcome.
func (t *Turn) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// transition advances the state machine and records the edge together with
// the time spent in the state being left. It refuses to leave a terminal
// state or a finished turn.
func (t *Turn) transition(metrics *observe.Metrics, to State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done || t.state.Terminal() || t.state == to {
		return false
	}
	now := time.Now()
	metrics.RecordTransition(context.Background(),
		t.state.String(), to.String(), now.Sub(t.lastChange).Seconds())
	t.state = to
	t.lastChange = now
	if to.Terminal() {
		t.done = true
	}
	return true
}

// cancelTurn moves the turn to Cancelled and aborts its pipeline context.
// It reports whether this call performed the cancellation, so the caller can
// count barge-ins exactly once per turn.
func (t *Turn) cancelTurn(metrics *observe.Metrics) bool {
	if !t.transition(metrics, StateCancelled) {
		return false
	}
	t.cancel()
	return true
}

// finish marks a normally-completed turn done without a terminal state
// transition, releasing its context resources.
func (t *Turn) finish() {
	t.mu.Lock()
	t.done = true
	t.mu.Unlock()
	t.cancel()
}
