// Package llm defines the Provider interface for language-model backends.
//
// An LLM provider wraps a remote or local model API (OpenAI, an
// OpenAI-compatible ollama server, …) and exposes the two delivery modes the
// response generator needs: a whole-response completion and an incremental
// token stream. Channels returned by StreamCompletion are closed by the
// implementation when the stream ends or the supplied context is cancelled.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"
	"errors"
)

// Error taxonomy shared by all LLM backends. Providers translate their
// transport failures into one of these so the generator can apply uniform
// retry rules with errors.Is.
var (
	// ErrServiceUnavailable indicates the backend rejected or could not
	// accept the request (connection failure, 5xx).
	ErrServiceUnavailable = errors.New("llm: service unavailable")

	// ErrTimeout indicates the request exceeded its deadline.
	ErrTimeout = errors.New("llm: request timed out")

	// ErrRateLimited indicates the backend throttled the request (HTTP 429).
	ErrRateLimited = errors.New("llm: rate limited")
)

// Message represents a single message in a conversation history.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is a high-priority instruction injected before the
	// conversation history.
	SystemPrompt string

	// Messages is the ordered conversation history; the last entry is
	// typically the user utterance that drives the response.
	Messages []Message

	// Temperature controls output randomness in [0.0, 2.0]. Zero selects the
	// provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content. May be empty on the final chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", or "error"
	// (mid-stream failure, with Text carrying the error message).
	FinishReason string
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must propagate context cancellation promptly: when ctx is
// cancelled the in-flight request is actively aborted so backend resources
// are released, and any open stream channel is closed.
type Provider interface {
	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// StreamCompletion sends req and returns a read-only channel emitting
	// Chunk values as they arrive. The channel is closed when generation
	// finishes or ctx is cancelled; callers must drain it to avoid goroutine
	// leaks. Errors after the stream has started surface as a Chunk with
	// FinishReason "error". The returned channel is never nil when error is
	// nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}
