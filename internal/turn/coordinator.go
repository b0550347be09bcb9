// Package turn orchestrates the per-utterance pipeline. The coordinator owns
// the single current-turn slot for a session: segmenter events open turns,
// barge-in cancels them, and one goroutine per turn drives speech-to-text,
// retrieval, generation, and synthesis through to ordered outbound audio.
package turn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hauksbok/kvasir/internal/generate"
	"github.com/hauksbok/kvasir/internal/observe"
	"github.com/hauksbok/kvasir/internal/rag"
	"github.com/hauksbok/kvasir/internal/resilience"
	"github.com/hauksbok/kvasir/internal/segment"
	"github.com/hauksbok/kvasir/internal/synth"
	"github.com/hauksbok/kvasir/internal/transcript"
	"github.com/hauksbok/kvasir/pkg/provider/stt"
)

// Turn outcomes recorded to the completion counter.
const (
	outcomeOK        = "ok"
	outcomeEmpty     = "empty"
	outcomeCancelled = "cancelled"
	outcomeFailed    = "failed"
)

// Config tunes the [Coordinator]. Zero-value fields get defaults.
type Config struct {
	// Streaming selects sentence streaming into synthesis. When false the
	// full response is generated before the first synthesis call.
	Streaming bool

	// MaxChunkRunes caps the length of text handed to a single synthesis
	// call. Default: 280.
	MaxChunkRunes int

	// HistoryMaxExchanges caps the conversation memory. Default: 32.
	HistoryMaxExchanges int

	// FailurePhrase is synthesized best-effort when a turn fails, so the
	// user is not left in silence.
	FailurePhrase string

	// STTRetryBackoff is the wait before the single transcription retry.
	// Default: 250ms.
	STTRetryBackoff time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxChunkRunes <= 0 {
		c.MaxChunkRunes = 280
	}
	if c.HistoryMaxExchanges <= 0 {
		c.HistoryMaxExchanges = 32
	}
	if c.FailurePhrase == "" {
		c.FailurePhrase = "Sorry, something went wrong on my end. Please try again."
	}
	if c.STTRetryBackoff <= 0 {
		c.STTRetryBackoff = 250 * time.Millisecond
	}
}

// Coordinator drives one session's turns. Create with [New], then call
// [Coordinator.Run] exactly once.
type Coordinator struct {
	stt         stt.Provider
	corrector   *transcript.Corrector
	augmentor   *rag.Augmentor
	generator   *generate.Generator
	synthesizer *synth.Synthesizer
	recorder    *observe.Recorder
	cfg         Config

	history *History
	nextID  uint64
	current *Turn
	out     chan<- synth.AudioChunk
	wg      sync.WaitGroup
}

// New creates a [Coordinator]. augmentor may be nil when retrieval is not
// configured; corrector may be nil when the glossary is empty. The remaining
// dependencies are required.
func New(
	sttProvider stt.Provider,
	corrector *transcript.Corrector,
	augmentor *rag.Augmentor,
	generator *generate.Generator,
	synthesizer *synth.Synthesizer,
	cfg Config,
	recorder *observe.Recorder,
) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{
		stt:         sttProvider,
		corrector:   corrector,
		augmentor:   augmentor,
		generator:   generator,
		synthesizer: synthesizer,
		recorder:    recorder,
		cfg:         cfg,
		history:     NewHistory(cfg.HistoryMaxExchanges),
	}
}

// History returns the session's conversation history.
func (c *Coordinator) History() *History {
	return c.history
}

// Run consumes segmenter events until the channel closes or ctx is
// cancelled. Outbound audio is emitted on out in turn and chunk order; the
// channel is not closed by Run. When the event stream closes Run waits for
// the in-flight turn to finish; cancellation of ctx aborts it instead. The
// caller must keep draining out until Run returns.
func (c *Coordinator) Run(ctx context.Context, events <-chan segment.Event, out chan<- synth.AudioChunk) error {
	c.out = out
	metrics := c.recorder.Metrics()
	defer func() {
		if cur := c.current; cur != nil && cur.cancelTurn(metrics) && !cur.started {
			// A cancelled turn with a running pipeline is accounted for by
			// that pipeline; one still listening ends here.
			metrics.RecordTurnOutcome(context.Background(), outcomeCancelled)
			metrics.ActiveTurns.Add(context.Background(), -1)
		}
		c.wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				c.wg.Wait()
				return nil
			}
			switch ev.Type {
			case segment.EventSpeechStart:
				c.onSpeechStart(ctx, ev)
			case segment.EventTurnAudio:
				c.onTurnAudio(ctx, ev)
			}
		}
	}
}

// onSpeechStart opens a new turn. Speech starting while the previous turn is
// still live is a barge-in: the old turn is cancelled before the slot is
// handed over, and its pipeline emits nothing further.
func (c *Coordinator) onSpeechStart(ctx context.Context, ev segment.Event) {
	metrics := c.recorder.Metrics()
	if cur := c.current; cur != nil && cur.cancelTurn(metrics) {
		metrics.BargeIns.Add(context.Background(), 1)
		slog.Info("barge-in, cancelling turn", "turn", cur.ID)
		if !cur.started {
			metrics.RecordTurnOutcome(context.Background(), outcomeCancelled)
			metrics.ActiveTurns.Add(context.Background(), -1)
		}
	}

	turnCtx, cancel := context.WithCancel(ctx)
	c.nextID++
	c.current = newTurn(c.nextID, ev.At, cancel, metrics)
	c.current.pipelineCtx = turnCtx
	metrics.ActiveTurns.Add(context.Background(), 1)
}

// onTurnAudio attaches the finalized utterance to the current turn and
// starts its pipeline.
func (c *Coordinator) onTurnAudio(ctx context.Context, ev segment.Event) {
	cur := c.current
	if cur == nil || cur.Done() || cur.State() != StateListening {
		// A flushed utterance with no preceding onset, or one for a turn
		// already cancelled. Nothing to answer.
		slog.Debug("dropping utterance without a listening turn")
		return
	}

	cur.AudioAt = ev.At
	cur.Audio = stt.Segment{PCM: ev.PCM, SampleRate: ev.SampleRate, Channels: 1}
	cur.started = true
	c.wg.Add(1)
	go c.runPipeline(ctx, cur.pipelineCtx, cur)
}

// runPipeline drives one turn from audio to outbound speech. It is the only
// writer of the turn's pipeline fields after start. sessionCtx outlives the
// turn's own ctx, so terminal markers still go out after a barge-in.
func (c *Coordinator) runPipeline(sessionCtx, ctx context.Context, t *Turn) {
	defer c.wg.Done()
	metrics := c.recorder.Metrics()
	defer metrics.ActiveTurns.Add(context.Background(), -1)

	outcome := c.pipeline(ctx, t)
	metrics.RecordTurnOutcome(context.Background(), outcome)
	if outcome == outcomeOK {
		metrics.TurnDuration.Record(context.Background(),
			time.Since(t.AudioAt).Seconds())
		c.history.Append(t.Transcript, t.Response)
	}
	if outcome != outcomeEmpty {
		// Tell the transport no more audio follows for this turn. Cancelled
		// turns get the marker too, so the client can cut local playback of
		// chunks it already buffered.
		select {
		case c.out <- synth.AudioChunk{TurnID: t.ID, Final: true}:
		case <-sessionCtx.Done():
		}
	}
	// Close the machine's loop back to rest; a completed turn leaves
	// Flushing here, so its dwell time is observed like every other state.
	t.transition(metrics, StateIdle)
	c.recorder.Record(observe.StageEvent{
		Stage:     observe.StageTurn,
		Turn:      t.ID,
		Duration:  time.Since(t.AudioAt),
		Cancelled: outcome == outcomeCancelled,
	})
	t.finish()
}

func (c *Coordinator) pipeline(ctx context.Context, t *Turn) string {
	metrics := c.recorder.Metrics()

	t.transition(metrics, StateTranscribing)
	text, err := c.transcribe(ctx, t)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeCancelled
		}
		return c.fail(ctx, t, observe.StageSTT, err)
	}
	if text == "" {
		// Correct silence. Back to rest with no reply, no history entry.
		t.transition(metrics, StateIdle)
		return outcomeEmpty
	}
	t.Transcript = text

	t.transition(metrics, StateAugmenting)
	if c.augmentor != nil {
		block, err := c.augmentor.Lookup(ctx, t.ID, text)
		if err != nil {
			return outcomeCancelled
		}
		t.Context = block
	}

	t.transition(metrics, StateGenerating)
	if err := c.respond(ctx, t); err != nil {
		if ctx.Err() != nil {
			return outcomeCancelled
		}
		stage := observe.StageTTS
		if errors.Is(err, generate.ErrInterrupted) {
			stage = observe.StageLLM
		}
		return c.fail(ctx, t, stage, err)
	}
	if ctx.Err() != nil {
		return outcomeCancelled
	}
	return outcomeOK
}

// transcribe runs speech-to-text with one retry on transient failure, then
// applies glossary correction.
func (c *Coordinator) transcribe(ctx context.Context, t *Turn) (string, error) {
	start := time.Now()
	var res stt.Result
	err := resilience.Retry(ctx, resilience.RetryConfig{
		Attempts: 2,
		Backoff:  c.cfg.STTRetryBackoff,
		Retryable: func(err error) bool {
			return errors.Is(err, stt.ErrServiceUnavailable) ||
				errors.Is(err, stt.ErrTimeout) ||
				errors.Is(err, resilience.ErrAllFailed)
		},
	}, func() error {
		var callErr error
		res, callErr = c.stt.Transcribe(ctx, t.Audio)
		return callErr
	})
	c.recorder.Record(observe.StageEvent{
		Stage:     observe.StageSTT,
		Turn:      t.ID,
		Duration:  time.Since(start),
		Bytes:     len(t.Audio.PCM),
		Err:       err,
		Cancelled: ctx.Err() != nil,
	})
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(res.Text)
	if text == "" || c.corrector == nil {
		return text, nil
	}
	corrected, changes := c.corrector.Correct(text)
	for _, ch := range changes {
		slog.Debug("glossary correction",
			"turn", t.ID, "from", ch.Original, "to", ch.Corrected)
	}
	return corrected, nil
}

// respond generates the reply and synthesizes it, overlapped when streaming
// is enabled, emitting ordered audio for the turn.
func (c *Coordinator) respond(ctx context.Context, t *Turn) error {
	metrics := c.recorder.Metrics()

	texts := make(chan string, 4)
	feedErr := make(chan error, 1)
	go func() {
		err := c.feedResponse(ctx, t, texts)
		close(texts)
		if err == nil && ctx.Err() == nil {
			// Generation is done; what remains is draining synthesis.
			t.transition(metrics, StateFlushing)
		}
		feedErr <- err
	}()

	turnOut := make(chan synth.AudioChunk, 8)
	synthErr := make(chan error, 1)
	go func() {
		synthErr <- c.synthesizer.Run(ctx, t.ID, texts, turnOut)
		close(turnOut)
	}()

	first := true
	for chunk := range turnOut {
		if ctx.Err() != nil {
			continue // discard: the turn was barged in
		}
		if first {
			first = false
			metrics.TTFB.Record(context.Background(),
				time.Since(t.AudioAt).Seconds())
		}
		select {
		case c.out <- chunk:
		case <-ctx.Done():
		}
	}

	serr := <-synthErr
	// When synthesis quit early the feeder may still be blocked sending;
	// drain the text channel so it can finish.
	for range texts {
	}
	ferr := <-feedErr

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if serr != nil {
		return serr
	}
	return ferr
}

// feedResponse produces normalized synthesis-sized text chunks from the
// generator and accumulates the full response text on the turn.
func (c *Coordinator) feedResponse(ctx context.Context, t *Turn, texts chan<- string) error {
	metrics := c.recorder.Metrics()
	history := c.history.Messages()

	send := func(piece string) bool {
		select {
		case texts <- piece:
			return true
		case <-ctx.Done():
			return false
		}
	}
	emit := func(sentence string) bool {
		if t.Response != "" {
			t.Response += " "
		}
		t.Response += sentence
		normalized := synth.Normalize(sentence)
		if normalized == "" {
			return true
		}
		first := true
		for _, piece := range synth.SplitChunk(normalized, c.cfg.MaxChunkRunes) {
			if first {
				first = false
				t.transition(metrics, StateSynthesizing)
			}
			if !send(piece) {
				return false
			}
		}
		return true
	}

	if !c.cfg.Streaming {
		whole, err := c.generator.GenerateWhole(ctx, t.ID, history, t.Context, t.Transcript)
		if err != nil {
			return err
		}
		emit(whole)
		return nil
	}

	stream, err := c.generator.Generate(ctx, t.ID, history, t.Context, t.Transcript)
	if err != nil {
		return err
	}
	for chunk := range stream {
		if chunk.Err != nil {
			// The stream broke mid-response. t.Response holds a truncated
			// reply; failing the turn keeps it out of history.
			return chunk.Err
		}
		if !emit(chunk.Text) {
			break
		}
	}
	return nil
}

// fail marks the turn failed and speaks the failure phrase so the user gets
// an audible signal. The phrase is best-effort: a synthesis backend that is
// down stays down.
func (c *Coordinator) fail(ctx context.Context, t *Turn, stage string, err error) string {
	metrics := c.recorder.Metrics()
	slog.Error("turn failed", "turn", t.ID, "stage", stage, "error", err)
	metrics.RecordStageError(context.Background(), stage, "turn_failed")
	t.transition(metrics, StateFailed)

	speakCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pcm, synthErr := c.synthesizer.Synthesize(speakCtx, c.cfg.FailurePhrase)
	if synthErr != nil || ctx.Err() != nil {
		return outcomeFailed
	}
	select {
	case c.out <- synth.AudioChunk{TurnID: t.ID, Seq: 0, PCM: pcm}:
	case <-ctx.Done():
	}
	return outcomeFailed
}
