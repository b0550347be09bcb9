// Package tts defines the Provider interface for text-to-speech backends.
//
// The synthesizer stage calls Synthesize once per text chunk (a sentence, or
// a split of a long sentence) and owns pipelining and output ordering itself,
// so the provider contract is deliberately simple: one text in, one PCM
// buffer out. Streaming within a chunk buys little at sentence granularity
// and would push ordering concerns into every backend.
//
// Implementations must be safe for concurrent use; the synthesizer issues
// overlapping calls for consecutive chunks.
package tts

import (
	"context"
	"errors"
)

// Error taxonomy shared by all TTS backends.
var (
	// ErrServiceUnavailable indicates the backend rejected or could not
	// accept the request.
	ErrServiceUnavailable = errors.New("tts: service unavailable")

	// ErrTimeout indicates the request exceeded its deadline.
	ErrTimeout = errors.New("tts: request timed out")
)

// Voice describes a synthesis voice configuration.
type Voice struct {
	// ID is the provider-specific voice identifier (e.g. "af_nova").
	ID string

	// Speed adjusts speaking rate (0.5–2.0, 0 = provider default).
	Speed float64
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must respect context cancellation: when ctx is cancelled
// the in-flight request is aborted, not merely its result discarded.
type Provider interface {
	// Synthesize converts one text chunk into raw 16-bit signed little-endian
	// mono PCM. Failures are reported as an error wrapping
	// [ErrServiceUnavailable] or [ErrTimeout].
	Synthesize(ctx context.Context, text string, voice Voice) ([]byte, error)

	// SampleRate returns the sample rate in Hz of the PCM produced by
	// Synthesize. Constant for the lifetime of the Provider.
	SampleRate() int
}
