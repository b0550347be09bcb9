package segment

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/hauksbok/kvasir/internal/observe"
	"github.com/hauksbok/kvasir/pkg/audio"
	vadmock "github.com/hauksbok/kvasir/pkg/provider/vad/mock"
)

const (
	testRate      = 16000
	frameSamples  = 320 // 20ms at 16kHz
	frameDuration = 20 * time.Millisecond
)

func newTestRecorder(t *testing.T) *observe.Recorder {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	r := observe.NewRecorder(m, 64)
	t.Cleanup(r.Close)
	return r
}

// frame builds one 20ms mono frame with every byte set to fill.
func frame(seq uint64, fill byte) audio.Frame {
	return audio.Frame{
		Data:       bytes.Repeat([]byte{fill}, frameSamples*2),
		SampleRate: testRate,
		Channels:   1,
		Seq:        seq,
	}
}

// script repeats probability p n times.
func script(p float64, n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = p
	}
	return s
}

// runSegmenter feeds frames through a segmenter and collects all events.
func runSegmenter(t *testing.T, det *vadmock.Detector, cfg Config, frames []audio.Frame) []Event {
	t.Helper()

	s := New(det, cfg, newTestRecorder(t))
	in := make(chan audio.Frame, len(frames))
	for _, f := range frames {
		in <- f
	}
	close(in)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), in) }()

	var events []Event
	for ev := range s.Events() {
		events = append(events, ev)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	return events
}

func defaultTestConfig() Config {
	return Config{
		SpeechStart: 200 * time.Millisecond,
		SpeechEnd:   600 * time.Millisecond,
		PreRoll:     300 * time.Millisecond,
	}
}

func TestSegmenter_SilenceProducesNoEvents(t *testing.T) {
	t.Parallel()

	det := &vadmock.Detector{Default: 0.0}
	frames := make([]audio.Frame, 100)
	for i := range frames {
		frames[i] = frame(uint64(i), 0)
	}

	events := runSegmenter(t, det, defaultTestConfig(), frames)
	if len(events) != 0 {
		t.Fatalf("events = %d, want 0 for pure silence", len(events))
	}
}

func TestSegmenter_SpeechThenSilenceEmitsOneTurn(t *testing.T) {
	t.Parallel()

	// 1.5s speech (75 frames), then silence for the rest.
	det := &vadmock.Detector{Script: script(0.9, 75), Default: 0.0}
	frames := make([]audio.Frame, 125)
	for i := range frames {
		frames[i] = frame(uint64(i), 1)
	}

	events := runSegmenter(t, det, defaultTestConfig(), frames)
	if len(events) != 2 {
		t.Fatalf("events = %d, want SpeechStart + TurnAudio", len(events))
	}
	if events[0].Type != EventSpeechStart {
		t.Errorf("events[0] = %v, want speech_start", events[0].Type)
	}
	if events[1].Type != EventTurnAudio {
		t.Errorf("events[1] = %v, want turn_audio", events[1].Type)
	}

	turn := events[1]
	if turn.SampleRate != testRate {
		t.Errorf("sample rate = %d, want %d", turn.SampleRate, testRate)
	}
	// The utterance must cover at least the speech that followed the onset
	// hysteresis plus the onset itself (via pre-roll).
	if turn.Duration < 1500*time.Millisecond {
		t.Errorf("duration = %v, want >= 1.5s", turn.Duration)
	}
	if len(turn.PCM) != int(turn.Duration/frameDuration)*frameSamples*2 {
		t.Errorf("PCM length %d does not match duration %v", len(turn.PCM), turn.Duration)
	}
	if det.Resets != 1 {
		t.Errorf("detector resets = %d, want 1", det.Resets)
	}
}

func TestSegmenter_ShortBlipIgnored(t *testing.T) {
	t.Parallel()

	// 100ms of speech is below the 200ms start hysteresis.
	det := &vadmock.Detector{Script: script(0.9, 5), Default: 0.0}
	frames := make([]audio.Frame, 60)
	for i := range frames {
		frames[i] = frame(uint64(i), 1)
	}

	events := runSegmenter(t, det, defaultTestConfig(), frames)
	if len(events) != 0 {
		t.Fatalf("events = %v, want none for a sub-hysteresis blip", events)
	}
}

func TestSegmenter_PauseWithinTurnDoesNotSplit(t *testing.T) {
	t.Parallel()

	// speech, a 400ms pause (under the 600ms end hysteresis), more speech,
	// then final silence: must yield exactly one turn.
	var probs []float64
	probs = append(probs, script(0.9, 25)...) // 500ms speech
	probs = append(probs, script(0.0, 20)...) // 400ms pause
	probs = append(probs, script(0.9, 25)...) // 500ms speech
	det := &vadmock.Detector{Script: probs, Default: 0.0}

	frames := make([]audio.Frame, 120)
	for i := range frames {
		frames[i] = frame(uint64(i), 1)
	}

	events := runSegmenter(t, det, defaultTestConfig(), frames)
	turns := 0
	for _, ev := range events {
		if ev.Type == EventTurnAudio {
			turns++
		}
	}
	if turns != 1 {
		t.Fatalf("turns = %d, want 1 (mid-utterance pause must not split)", turns)
	}
}

func TestSegmenter_PreRollIncluded(t *testing.T) {
	t.Parallel()

	// 5 silence frames (fill 7), 10 speech frames (fill 9), then silence.
	// The onset hysteresis consumes the 10 speech frames, so the captured
	// audio can only contain them via the pre-roll window, preceded by the
	// tail of the silence.
	probs := append(script(0.0, 5), script(0.9, 10)...)
	det := &vadmock.Detector{Script: probs, Default: 0.0}

	var frames []audio.Frame
	for i := 0; i < 5; i++ {
		frames = append(frames, frame(uint64(i), 7))
	}
	for i := 5; i < 15; i++ {
		frames = append(frames, frame(uint64(i), 9))
	}
	for i := 15; i < 60; i++ {
		frames = append(frames, frame(uint64(i), 0))
	}

	events := runSegmenter(t, det, defaultTestConfig(), frames)
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	pcm := events[1].PCM

	// PreRoll is 300ms = 15 frames, so all 5 silence frames and all 10
	// speech frames must be present, in order, at the head.
	wantHead := append(
		bytes.Repeat([]byte{7}, 5*frameSamples*2),
		bytes.Repeat([]byte{9}, 10*frameSamples*2)...,
	)
	if len(pcm) < len(wantHead) {
		t.Fatalf("PCM length %d shorter than expected pre-roll head %d", len(pcm), len(wantHead))
	}
	if !bytes.Equal(pcm[:len(wantHead)], wantHead) {
		t.Error("utterance head does not contain the pre-roll frames in order")
	}
}

func TestSegmenter_MaxTurnForcesFinalize(t *testing.T) {
	t.Parallel()

	cfg := defaultTestConfig()
	cfg.MaxTurn = time.Second

	det := &vadmock.Detector{Default: 0.9} // endless speech
	frames := make([]audio.Frame, 100)     // 2s of audio
	for i := range frames {
		frames[i] = frame(uint64(i), 1)
	}

	events := runSegmenter(t, det, cfg, frames)
	var turns []Event
	for _, ev := range events {
		if ev.Type == EventTurnAudio {
			turns = append(turns, ev)
		}
	}
	if len(turns) == 0 {
		t.Fatal("no turn emitted despite MaxTurn cap")
	}
	if turns[0].Duration > 1100*time.Millisecond {
		t.Errorf("first turn duration = %v, want capped near 1s", turns[0].Duration)
	}
}

func TestSegmenter_StreamEndFlushesOpenTurn(t *testing.T) {
	t.Parallel()

	det := &vadmock.Detector{Default: 0.9}
	frames := make([]audio.Frame, 30) // 600ms of speech, never silent
	for i := range frames {
		frames[i] = frame(uint64(i), 1)
	}

	events := runSegmenter(t, det, defaultTestConfig(), frames)
	if len(events) != 2 || events[1].Type != EventTurnAudio {
		t.Fatalf("events = %v, want SpeechStart + flushed TurnAudio", events)
	}
}

func TestSegmenter_ClassifierErrorSkipsFrame(t *testing.T) {
	t.Parallel()

	det := &vadmock.Detector{Err: errors.New("model not loaded")}
	frames := make([]audio.Frame, 50)
	for i := range frames {
		frames[i] = frame(uint64(i), 1)
	}

	events := runSegmenter(t, det, defaultTestConfig(), frames)
	if len(events) != 0 {
		t.Fatalf("events = %v, want none when every frame fails to classify", events)
	}
	if det.Calls != 50 {
		t.Errorf("classify calls = %d, want 50 (errors must not stop the loop)", det.Calls)
	}
}
