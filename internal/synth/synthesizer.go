// Package synth converts response text chunks into ordered outbound audio.
//
// Synthesis calls for consecutive chunks overlap up to a configured
// parallelism so the backend's latency is hidden, but emission is strictly in
// source order: the listener hears sentence N before sentence N+1 no matter
// which synthesis call finished first.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hauksbok/kvasir/internal/observe"
	"github.com/hauksbok/kvasir/pkg/provider/tts"
)

// ErrFirstChunk is returned by [Synthesizer.Run] when the opening chunk of a
// turn cannot be synthesized. Later chunk failures are skipped; losing the
// opening means the user hears nothing, so the turn is failed instead.
var ErrFirstChunk = errors.New("synth: first chunk synthesis failed")

// AudioChunk is one ordered piece of outbound turn audio.
type AudioChunk struct {
	// TurnID identifies the turn this audio belongs to.
	TurnID uint64

	// Seq is the zero-based source position of the chunk within the turn.
	// A skipped (failed) chunk leaves a gap.
	Seq int

	// PCM is raw 16-bit signed little-endian mono audio. Empty on a final
	// marker.
	PCM []byte

	// Final marks the end of a turn's audio, whether the turn completed,
	// failed, or was cancelled; no chunk for this turn follows. Emitted by
	// the coordinator, not by synthesis.
	Final bool
}

// Config tunes the [Synthesizer].
type Config struct {
	// Voice passes through to every synthesis call.
	Voice tts.Voice

	// Parallelism caps overlapping synthesis calls. Default: 2.
	Parallelism int
}

// Synthesizer drives a TTS backend for one session. Safe for concurrent use;
// each Run call is an independent turn.
type Synthesizer struct {
	provider tts.Provider
	cfg      Config
	recorder *observe.Recorder
}

// New creates a [Synthesizer]. provider and recorder may not be nil.
func New(provider tts.Provider, cfg Config, recorder *observe.Recorder) *Synthesizer {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 2
	}
	return &Synthesizer{
		provider: provider,
		cfg:      cfg,
		recorder: recorder,
	}
}

// SampleRate returns the backend's output sample rate.
func (s *Synthesizer) SampleRate() int {
	return s.provider.SampleRate()
}

// Synthesize converts a single text into PCM with the configured voice,
// outside any turn pipeline. Used for out-of-band phrases such as failure
// notices.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return s.provider.Synthesize(ctx, text, s.cfg.Voice)
}

type synthResult struct {
	pcm []byte
	err error
}

type pendingChunk struct {
	seq  int
	text string
	done chan synthResult
}

// Run synthesizes chunks for one turn and emits the audio on out in source
// order. It returns when chunks is closed and all audio is emitted, when ctx
// is cancelled, or with [ErrFirstChunk] when the turn's opening chunk fails.
// A failed non-opening chunk is logged, counted, and skipped. Run never
// closes out; the channel is the caller's.
func (s *Synthesizer) Run(ctx context.Context, turnID uint64, chunks <-chan string, out chan<- AudioChunk) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The dispatcher launches up to Parallelism overlapping synthesis calls
	// and hands their promise channels to this goroutine in source order.
	pending := make(chan *pendingChunk, s.cfg.Parallelism)
	go s.dispatch(ctx, turnID, chunks, pending)

	for p := range pending {
		var res synthResult
		select {
		case res = <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}

		if res.err != nil {
			s.recorder.Record(observe.StageEvent{
				Stage: observe.StageTTS,
				Turn:  turnID,
				Err:   res.err,
			})
			if p.seq == 0 {
				return fmt.Errorf("%w: %w", ErrFirstChunk, res.err)
			}
			slog.Warn("chunk synthesis failed, skipping",
				"turn", turnID, "seq", p.seq, "error", res.err)
			continue
		}

		select {
		case out <- AudioChunk{TurnID: turnID, Seq: p.seq, PCM: res.pcm}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

// dispatch reads chunk text, starts synthesis workers bounded by a
// semaphore, and forwards promises in source order. It closes pending once
// the input is drained and every started worker has a promise in flight.
func (s *Synthesizer) dispatch(ctx context.Context, turnID uint64, chunks <-chan string, pending chan<- *pendingChunk) {
	defer close(pending)

	sem := make(chan struct{}, s.cfg.Parallelism)
	seq := 0
	for {
		var text string
		var ok bool
		select {
		case text, ok = <-chunks:
		case <-ctx.Done():
			return
		}
		if !ok {
			return
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		p := &pendingChunk{seq: seq, text: text, done: make(chan synthResult, 1)}
		seq++
		go func() {
			defer func() { <-sem }()
			start := time.Now()
			pcm, err := s.provider.Synthesize(ctx, p.text, s.cfg.Voice)
			if err == nil {
				s.recorder.Record(observe.StageEvent{
					Stage:    observe.StageTTS,
					Turn:     turnID,
					Duration: time.Since(start),
					Bytes:    len(pcm),
				})
			}
			p.done <- synthResult{pcm: pcm, err: err}
		}()

		select {
		case pending <- p:
		case <-ctx.Done():
			return
		}
	}
}
