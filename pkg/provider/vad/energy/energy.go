// Package energy provides a pure-Go RMS-energy voice activity detector.
//
// The detector maintains an adaptive noise-floor estimate and maps each
// frame's RMS level to a speech probability relative to that floor. It is not
// a substitute for a model-based VAD in noisy environments, but it is fast,
// dependency-free, and accurate enough for headset and telephony audio.
package energy

import (
	"errors"

	"github.com/hauksbok/kvasir/pkg/audio"
	"github.com/hauksbok/kvasir/pkg/provider/vad"
)

const (
	// defaultNoiseFloor is the initial RMS noise-floor estimate in 16-bit PCM
	// units (max 32767). 150 corresponds to a quiet room on consumer mics.
	defaultNoiseFloor = 150.0

	// defaultSpeechRatio is the multiple of the noise floor at which a frame
	// is considered certain speech (probability 1.0).
	defaultSpeechRatio = 8.0

	// floorAdaptRate is the exponential smoothing factor applied to the noise
	// floor on frames quieter than the current estimate.
	floorAdaptRate = 0.05
)

// Compile-time assertion that Detector implements vad.Detector.
var _ vad.Detector = (*Detector)(nil)

var errEmptyFrame = errors.New("energy: empty frame")

// Option is a functional option for configuring a Detector.
type Option func(*Detector)

// WithNoiseFloor sets the initial RMS noise-floor estimate.
func WithNoiseFloor(rms float64) Option {
	return func(d *Detector) { d.initialFloor = rms }
}

// WithSpeechRatio sets the noise-floor multiple mapped to probability 1.0.
// Lower values make the detector more sensitive.
func WithSpeechRatio(ratio float64) Option {
	return func(d *Detector) { d.speechRatio = ratio }
}

// Detector implements [vad.Detector] using RMS energy with an adaptive noise
// floor. Not safe for concurrent use; create one per audio stream.
type Detector struct {
	initialFloor float64
	speechRatio  float64

	floor float64
}

// New constructs a Detector with the given options applied over the defaults.
func New(opts ...Option) *Detector {
	d := &Detector{
		initialFloor: defaultNoiseFloor,
		speechRatio:  defaultSpeechRatio,
	}
	for _, o := range opts {
		o(d)
	}
	d.floor = d.initialFloor
	return d
}

// Classify implements [vad.Detector]. The probability rises linearly from 0
// at the noise floor to 1 at speechRatio times the floor. Quiet frames adapt
// the floor downward so the detector tracks slowly changing room tone.
func (d *Detector) Classify(frame []byte) (float64, error) {
	if len(frame) < 2 {
		return 0, errEmptyFrame
	}
	level := audio.RMS(frame)

	// Track the noise floor on quiet frames only; speech must not raise it.
	if level < d.floor {
		d.floor += floorAdaptRate * (level - d.floor)
		if d.floor < 1 {
			d.floor = 1
		}
	}

	ceiling := d.floor * d.speechRatio
	if level <= d.floor {
		return 0, nil
	}
	if level >= ceiling {
		return 1, nil
	}
	return (level - d.floor) / (ceiling - d.floor), nil
}

// Reset implements [vad.Detector], restoring the initial noise floor.
func (d *Detector) Reset() {
	d.floor = d.initialFloor
}
