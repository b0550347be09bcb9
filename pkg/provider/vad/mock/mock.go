// Package mock provides a test double for the vad.Detector interface.
//
// Probabilities are served from a script: each Classify call consumes the
// next value. When the script is exhausted the Default probability is
// returned, so tests can express "speech for N frames, then silence" without
// scripting every trailing frame.
package mock

import (
	"sync"

	"github.com/hauksbok/kvasir/pkg/provider/vad"
)

// Compile-time assertion that Detector implements vad.Detector.
var _ vad.Detector = (*Detector)(nil)

// Detector is a scripted mock implementation of vad.Detector.
type Detector struct {
	mu sync.Mutex

	// Script is the sequence of probabilities returned by successive
	// Classify calls.
	Script []float64

	// Default is returned once Script is exhausted.
	Default float64

	// Err, if non-nil, is returned by every Classify call.
	Err error

	// Calls counts Classify invocations.
	Calls int

	// Resets counts Reset invocations.
	Resets int
}

// Classify returns the next scripted probability (or Default) and records the
// call.
func (d *Detector) Classify(_ []byte) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls++
	if d.Err != nil {
		return 0, d.Err
	}
	if d.Calls <= len(d.Script) {
		return d.Script[d.Calls-1], nil
	}
	return d.Default, nil
}

// Reset records the invocation.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Resets++
}
