// Package generate turns a transcribed user utterance into assistant text.
//
// The generator's streaming mode re-chunks the token stream from the language
// model into complete sentences so the synthesizer downstream always works on
// speakable units. Transient backend failures are retried once; a total
// failure degrades to a fixed apology sentence rather than surfacing an
// error, so the voice session never falls silent without explanation.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/hauksbok/kvasir/internal/observe"
	"github.com/hauksbok/kvasir/internal/resilience"
	"github.com/hauksbok/kvasir/pkg/provider/llm"
)

// DefaultMaxChunkRunes caps sentence chunk length. A run of text that never
// hits a sentence terminal is flushed at this size so the synthesizer is
// never starved by a single runaway sentence.
const DefaultMaxChunkRunes = 280

// DefaultFallbackReply is spoken when the language model cannot be reached
// after retrying.
const DefaultFallbackReply = "Sorry, I'm having trouble thinking right now. Could you say that again in a moment?"

// ErrInterrupted marks a response stream that broke before the model
// finished. Text already streamed out is incomplete and must not be treated
// as the full response.
var ErrInterrupted = errors.New("generate: response interrupted")

// Chunk is one speakable unit of generated text.
type Chunk struct {
	// Text is a complete sentence, or a forced split when the sentence
	// exceeded the chunk ceiling, or the final partial sentence of the
	// response.
	Text string

	// Err is set on the last chunk when the stream broke mid-response,
	// wrapping [ErrInterrupted]. Text is empty on such a chunk.
	Err error
}

// Config tunes the [Generator]. Zero-value fields get defaults.
type Config struct {
	// SystemPrompt is prepended to every request.
	SystemPrompt string

	// Temperature and MaxTokens pass through to the model request.
	Temperature float64
	MaxTokens   int

	// MaxChunkRunes forces a flush of a sentence still open at this many
	// runes. Default: 280.
	MaxChunkRunes int

	// RetryBackoff is the wait before the single retry of a failed request.
	// Default: 250ms.
	RetryBackoff time.Duration

	// FallbackReply is yielded when the model is unreachable after retrying.
	FallbackReply string
}

func (c *Config) applyDefaults() {
	if c.MaxChunkRunes <= 0 {
		c.MaxChunkRunes = DefaultMaxChunkRunes
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 250 * time.Millisecond
	}
	if c.FallbackReply == "" {
		c.FallbackReply = DefaultFallbackReply
	}
}

// Generator produces assistant responses from a language model backend.
type Generator struct {
	provider llm.Provider
	cfg      Config
	recorder *observe.Recorder
}

// New creates a [Generator]. provider and recorder may not be nil; wrap the
// primary backend in a [resilience.LLMFallback] before passing it here when a
// secondary model is configured.
func New(provider llm.Provider, cfg Config, recorder *observe.Recorder) *Generator {
	cfg.applyDefaults()
	return &Generator{
		provider: provider,
		cfg:      cfg,
		recorder: recorder,
	}
}

// transient reports whether err is worth one more attempt.
func transient(err error) bool {
	return errors.Is(err, llm.ErrServiceUnavailable) ||
		errors.Is(err, llm.ErrTimeout) ||
		errors.Is(err, llm.ErrRateLimited) ||
		errors.Is(err, resilience.ErrAllFailed)
}

// buildRequest assembles the completion request: system instructions, the
// retrieved context block, the conversation history, and finally the user
// utterance.
func (g *Generator) buildRequest(history []llm.Message, retrievedContext, userText string) llm.CompletionRequest {
	system := g.cfg.SystemPrompt
	if retrievedContext != "" {
		if system != "" {
			system += "\n\n"
		}
		system += retrievedContext
	}

	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: "user", Content: userText})

	return llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     messages,
		Temperature:  g.cfg.Temperature,
		MaxTokens:    g.cfg.MaxTokens,
	}
}

func (g *Generator) retryCfg() resilience.RetryConfig {
	return resilience.RetryConfig{
		Attempts:  2,
		Backoff:   g.cfg.RetryBackoff,
		Retryable: transient,
	}
}

// Generate streams the response as sentence chunks on the returned channel.
// The channel is closed when the response is complete or ctx is cancelled.
// When the backend cannot be reached after retrying, the channel yields the
// configured fallback reply and the degradation is recorded as a stage error;
// an error is returned only for the caller's own cancellation.
func (g *Generator) Generate(ctx context.Context, turn uint64, history []llm.Message, retrievedContext, userText string) (<-chan Chunk, error) {
	req := g.buildRequest(history, retrievedContext, userText)
	start := time.Now()

	var stream <-chan llm.Chunk
	err := resilience.Retry(ctx, g.retryCfg(), func() error {
		var openErr error
		stream, openErr = g.provider.StreamCompletion(ctx, req)
		return openErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Error("completion stream failed, using fallback reply",
			"turn", turn, "error", err)
		g.recorder.Record(observe.StageEvent{
			Stage:    observe.StageLLM,
			Turn:     turn,
			Duration: time.Since(start),
			Err:      err,
		})
		return g.fallbackStream(), nil
	}

	out := make(chan Chunk, 4)
	go g.pump(ctx, turn, start, stream, out)
	return out, nil
}

// pump reads model chunks, re-chunks them into sentences, and reports the
// stage outcome once the stream ends.
func (g *Generator) pump(ctx context.Context, turn uint64, start time.Time, stream <-chan llm.Chunk, out chan<- Chunk) {
	defer close(out)

	var (
		chunker    = newSentenceChunker(g.cfg.MaxChunkRunes)
		firstToken = true
		streamErr  error
	)

	flush := func(sentences []string) bool {
		for _, s := range sentences {
			select {
			case out <- Chunk{Text: s}:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	for chunk := range stream {
		if chunk.FinishReason == "error" {
			streamErr = fmt.Errorf("%w: %s", ErrInterrupted, chunk.Text)
			slog.Warn("completion stream broke mid-response",
				"turn", turn, "error", chunk.Text)
			break
		}
		if chunk.Text == "" {
			continue
		}
		if firstToken {
			firstToken = false
			g.recorder.Metrics().TTFT.Record(ctx, time.Since(start).Seconds())
		}
		if !flush(chunker.write(chunk.Text)) {
			return
		}
	}
	switch {
	case streamErr != nil && ctx.Err() == nil:
		// Drop the held partial sentence: a truncated reply is not a reply.
		select {
		case out <- Chunk{Err: streamErr}:
		case <-ctx.Done():
		}
	case ctx.Err() == nil:
		flush(chunker.finish())
	}

	g.recorder.Record(observe.StageEvent{
		Stage:     observe.StageLLM,
		Turn:      turn,
		Duration:  time.Since(start),
		Err:       streamErr,
		Cancelled: ctx.Err() != nil,
	})
}

// fallbackStream yields the apology reply as a single already-closed stream.
func (g *Generator) fallbackStream() <-chan Chunk {
	out := make(chan Chunk, 1)
	out <- Chunk{Text: g.cfg.FallbackReply}
	close(out)
	return out
}

// GenerateWhole produces the full response in one call. Failure semantics
// match [Generator.Generate]: transient errors are retried once and a total
// failure returns the fallback reply rather than an error.
func (g *Generator) GenerateWhole(ctx context.Context, turn uint64, history []llm.Message, retrievedContext, userText string) (string, error) {
	req := g.buildRequest(history, retrievedContext, userText)
	start := time.Now()

	var resp *llm.CompletionResponse
	err := resilience.Retry(ctx, g.retryCfg(), func() error {
		var callErr error
		resp, callErr = g.provider.Complete(ctx, req)
		return callErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		slog.Error("completion failed, using fallback reply",
			"turn", turn, "error", err)
		g.recorder.Record(observe.StageEvent{
			Stage:    observe.StageLLM,
			Turn:     turn,
			Duration: time.Since(start),
			Err:      err,
		})
		return g.cfg.FallbackReply, nil
	}

	g.recorder.Record(observe.StageEvent{
		Stage:    observe.StageLLM,
		Turn:     turn,
		Duration: time.Since(start),
		Tokens:   resp.Usage.CompletionTokens,
	})
	return strings.TrimSpace(resp.Content), nil
}

// sentenceChunker accumulates streamed text and emits complete sentences. A
// sentence ends at a terminal rune followed by whitespace; a sentence still
// open at maxRunes is flushed as-is.
type sentenceChunker struct {
	buf      []rune
	maxRunes int
}

func newSentenceChunker(maxRunes int) *sentenceChunker {
	return &sentenceChunker{maxRunes: maxRunes}
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// write appends text and returns any sentences completed by it.
func (c *sentenceChunker) write(text string) []string {
	var done []string
	for _, r := range text {
		if unicode.IsSpace(r) && len(c.buf) > 0 && isTerminal(c.buf[len(c.buf)-1]) {
			if s := c.take(); s != "" {
				done = append(done, s)
			}
			continue
		}
		c.buf = append(c.buf, r)
		if len(c.buf) >= c.maxRunes {
			if s := c.take(); s != "" {
				done = append(done, s)
			}
		}
	}
	return done
}

// finish flushes the trailing partial sentence, if any.
func (c *sentenceChunker) finish() []string {
	if s := c.take(); s != "" {
		return []string{s}
	}
	return nil
}

func (c *sentenceChunker) take() string {
	s := strings.TrimSpace(string(c.buf))
	c.buf = c.buf[:0]
	return s
}
