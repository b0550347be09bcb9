// Package segment turns a continuous frame stream into discrete user
// utterances. A voice activity detector classifies every frame; hysteresis
// windows on both edges keep transient noise from opening a turn and natural
// pauses from closing one.
//
// The segmenter only reports. A [EventSpeechStart] arriving while the
// coordinator still owns a live turn is the barge-in signal; reacting to it
// is the coordinator's job.
package segment

import (
	"context"
	"log/slog"
	"time"

	"github.com/hauksbok/kvasir/internal/observe"
	"github.com/hauksbok/kvasir/pkg/audio"
	"github.com/hauksbok/kvasir/pkg/provider/vad"
)

// EventType discriminates segmenter events.
type EventType int

const (
	// EventSpeechStart fires once the speech-start hysteresis is satisfied.
	EventSpeechStart EventType = iota

	// EventTurnAudio carries a finalized utterance, pre-roll included.
	EventTurnAudio
)

func (t EventType) String() string {
	switch t {
	case EventSpeechStart:
		return "speech_start"
	case EventTurnAudio:
		return "turn_audio"
	default:
		return "unknown"
	}
}

// Event is one segmenter output. PCM and Duration are set only for
// [EventTurnAudio].
type Event struct {
	Type       EventType
	At         time.Time
	PCM        []byte
	SampleRate int
	Duration   time.Duration
}

// Config tunes the segmenter's hysteresis. Zero-value fields get defaults.
type Config struct {
	// SpeechThreshold is the minimum classifier probability counted as
	// speech. Default: 0.6.
	SpeechThreshold float64

	// SilenceThreshold is the probability below which a frame counts as
	// silence. Probabilities between the two thresholds count as neither,
	// which is the hysteresis gap. Default: 0.4.
	SilenceThreshold float64

	// SpeechStart is how much consecutive speech opens a turn. Default: 200ms.
	SpeechStart time.Duration

	// SpeechEnd is how much consecutive silence closes a turn. Default: 600ms.
	SpeechEnd time.Duration

	// PreRoll is how much audio preceding the speech onset is prepended to
	// the utterance so the onset is not clipped. Default: 300ms.
	PreRoll time.Duration

	// MaxTurn force-closes an utterance that never goes silent. Default: 30s.
	MaxTurn time.Duration
}

func (c *Config) applyDefaults() {
	if c.SpeechThreshold <= 0 {
		c.SpeechThreshold = 0.6
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = 0.4
	}
	if c.SpeechStart <= 0 {
		c.SpeechStart = 200 * time.Millisecond
	}
	if c.SpeechEnd <= 0 {
		c.SpeechEnd = 600 * time.Millisecond
	}
	if c.PreRoll <= 0 {
		c.PreRoll = 300 * time.Millisecond
	}
	if c.MaxTurn <= 0 {
		c.MaxTurn = 30 * time.Second
	}
}

// Segmenter consumes frames and emits [Event]s. Create with [New], drive
// with [Segmenter.Run], consume [Segmenter.Events].
type Segmenter struct {
	detector vad.Detector
	cfg      Config
	recorder *observe.Recorder
	events   chan Event

	// capture state, owned by the Run goroutine
	capturing   bool
	captured    []byte
	capturedDur time.Duration
	speechRun   time.Duration
	silenceRun  time.Duration
	preRoll     []audio.Frame
	preRollDur  time.Duration
	sampleRate  int
}

// New creates a [Segmenter]. recorder may not be nil.
func New(detector vad.Detector, cfg Config, recorder *observe.Recorder) *Segmenter {
	cfg.applyDefaults()
	return &Segmenter{
		detector: detector,
		cfg:      cfg,
		recorder: recorder,
		events:   make(chan Event, 16),
	}
}

// Events returns the output channel. It is closed when [Segmenter.Run]
// returns.
func (s *Segmenter) Events() <-chan Event {
	return s.events
}

// Run consumes frames until the channel closes or ctx is cancelled. An
// utterance in progress when the stream ends is finalized and emitted.
// Classifier errors skip the frame.
func (s *Segmenter) Run(ctx context.Context, frames <-chan audio.Frame) error {
	defer close(s.events)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case frame, ok := <-frames:
			if !ok {
				if s.capturing {
					if err := s.finalize(ctx); err != nil {
						return err
					}
				}
				return nil
			}
			if err := s.process(ctx, frame); err != nil {
				return err
			}
		}
	}
}

func (s *Segmenter) process(ctx context.Context, frame audio.Frame) error {
	prob, err := s.detector.Classify(frame.Data)
	if err != nil {
		slog.Debug("vad classify failed, skipping frame",
			"seq", frame.Seq, "error", err)
		s.recorder.Record(observe.StageEvent{
			Stage: observe.StageSegment,
			Err:   err,
		})
		return nil
	}

	dur := frame.Duration()
	isSpeech := prob >= s.cfg.SpeechThreshold
	isSilence := prob < s.cfg.SilenceThreshold

	if !s.capturing {
		s.pushPreRoll(frame)
		switch {
		case isSpeech:
			s.speechRun += dur
		case isSilence:
			s.speechRun = 0
		}
		if s.speechRun >= s.cfg.SpeechStart {
			return s.openTurn(ctx, frame)
		}
		return nil
	}

	s.captured = append(s.captured, frame.Data...)
	s.capturedDur += dur
	switch {
	case isSilence:
		s.silenceRun += dur
	case isSpeech:
		s.silenceRun = 0
	}

	if s.silenceRun >= s.cfg.SpeechEnd || s.capturedDur >= s.cfg.MaxTurn {
		return s.finalize(ctx)
	}
	return nil
}

// openTurn transitions into capture, seeding the utterance with the pre-roll
// window so the onset frames that satisfied the hysteresis are included.
func (s *Segmenter) openTurn(ctx context.Context, frame audio.Frame) error {
	s.capturing = true
	s.sampleRate = frame.SampleRate
	s.captured = nil
	s.capturedDur = 0
	s.silenceRun = 0
	for _, f := range s.preRoll {
		s.captured = append(s.captured, f.Data...)
		s.capturedDur += f.Duration()
	}
	s.preRoll = nil
	s.preRollDur = 0
	s.speechRun = 0

	return s.emit(ctx, Event{
		Type:       EventSpeechStart,
		At:         time.Now(),
		SampleRate: frame.SampleRate,
	})
}

func (s *Segmenter) finalize(ctx context.Context) error {
	ev := Event{
		Type:       EventTurnAudio,
		At:         time.Now(),
		PCM:        s.captured,
		SampleRate: s.sampleRate,
		Duration:   s.capturedDur,
	}
	s.capturing = false
	s.captured = nil
	s.capturedDur = 0
	s.silenceRun = 0
	s.detector.Reset()

	return s.emit(ctx, ev)
}

func (s *Segmenter) emit(ctx context.Context, ev Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pushPreRoll appends frame to the pre-roll ring, evicting the oldest frames
// once the window exceeds the configured duration.
func (s *Segmenter) pushPreRoll(frame audio.Frame) {
	s.preRoll = append(s.preRoll, frame)
	s.preRollDur += frame.Duration()
	for len(s.preRoll) > 0 && s.preRollDur > s.cfg.PreRoll {
		s.preRollDur -= s.preRoll[0].Duration()
		s.preRoll = s.preRoll[1:]
	}
}
