// Package vad defines the Detector interface for voice-activity-detection
// backends.
//
// A Detector wraps a frame-level speech classifier (an energy detector, a
// Silero-style model, or a remote service) and scores short PCM frames with a
// speech probability. Detection is synchronous by design: Classify returns
// immediately so it can sit in the hot audio loop that gates the segmenter.
//
// Hysteresis, the debouncing of speech-start and speech-end over consecutive
// frames, is deliberately not part of this interface; it belongs to the turn
// segmenter, which owns the turn lifecycle. A Detector only answers "how much
// does this frame sound like speech?".
//
// A Detector instance holds per-stream state (noise floor estimates,
// smoothing history) and must not be shared across concurrent audio streams.
package vad

// Detector scores individual audio frames with a speech probability.
type Detector interface {
	// Classify analyses a single frame of 16-bit signed little-endian PCM and
	// returns the probability, in [0, 1], that the frame contains speech.
	// Returns an error if the frame is malformed or the backend fails; the
	// caller decides whether a single-frame failure matters.
	Classify(frame []byte) (float64, error)

	// Reset clears accumulated detection state (noise floor, smoothing
	// windows). Call it when the audio stream is interrupted or restarted so
	// stale state does not bleed into the next segment.
	Reset()
}
