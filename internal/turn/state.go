package turn

// State is a stage in the per-turn pipeline. Transitions move strictly
// forward through the pipeline order; the only backward edge is the
// cancellation of a live turn, which may happen from any non-terminal state.
type State int

const (
	// StateIdle is the rest state between turns.
	StateIdle State = iota

	// StateListening covers speech onset until the utterance is finalized.
	StateListening

	// StateTranscribing covers the speech-to-text call.
	StateTranscribing

	// StateAugmenting covers the retrieval lookup.
	StateAugmenting

	// StateGenerating covers the language model call up to its first
	// sentence.
	StateGenerating

	// StateSynthesizing covers overlapped generation and synthesis.
	StateSynthesizing

	// StateFlushing covers draining synthesized audio after generation has
	// finished.
	StateFlushing

	// StateCancelled is the terminal state of a barged-in turn.
	StateCancelled

	// StateFailed is the terminal state of a turn that could not produce
	// audio.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateTranscribing:
		return "transcribing"
	case StateAugmenting:
		return "augmenting"
	case StateGenerating:
		return "generating"
	case StateSynthesizing:
		return "synthesizing"
	case StateFlushing:
		return "flushing"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions may leave s.
func (s State) Terminal() bool {
	return s == StateCancelled || s == StateFailed
}
