// Package stt defines the Provider interface for speech-to-text backends.
//
// The pipeline's turn segmenter owns utterance boundaries, so unlike a
// streaming dictation API the contract here is batch: a finalized speech
// segment goes in, one transcript comes out. This keeps providers trivially
// swappable (a whisper server, a cloud recogniser, or a mock) and keeps
// cancellation simple: abandoning the context aborts the in-flight request.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy shared by all STT backends. Providers translate their
// transport-level failures into one of these so the coordinator can apply
// uniform retry and degradation rules with errors.Is.
var (
	// ErrServiceUnavailable indicates the backend rejected or could not accept
	// the request (connection refused, 5xx, overload).
	ErrServiceUnavailable = errors.New("stt: service unavailable")

	// ErrTimeout indicates the request exceeded its deadline.
	ErrTimeout = errors.New("stt: request timed out")
)

// Segment is a finalized speech segment produced by the turn segmenter.
type Segment struct {
	// PCM is 16-bit signed little-endian audio.
	PCM []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is the channel count (1 for the STT path).
	Channels int
}

// Duration returns the playback duration of the segment.
func (s Segment) Duration() time.Duration {
	if s.SampleRate <= 0 || s.Channels <= 0 {
		return 0
	}
	samples := len(s.PCM) / (2 * s.Channels)
	return time.Duration(samples) * time.Second / time.Duration(s.SampleRate)
}

// Result is a completed transcription.
type Result struct {
	// Text is the transcribed speech. May be empty when the segment contained
	// no recognisable speech; an empty transcript is a valid result, not an
	// error.
	Text string

	// Confidence is the overall confidence score in [0, 1]. Zero when the
	// provider does not report confidence.
	Confidence float64

	// AudioDuration is the duration of the submitted audio, for metrics.
	AudioDuration time.Duration
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use and must respect context
// cancellation: when ctx is cancelled the in-flight request is aborted, not
// merely its result discarded.
type Provider interface {
	// Transcribe submits a finalized speech segment and returns its
	// transcript. Failures are reported as an error wrapping
	// [ErrServiceUnavailable] or [ErrTimeout].
	Transcribe(ctx context.Context, seg Segment) (Result, error)
}
