package energy_test

import (
	"encoding/binary"
	"testing"

	"github.com/hauksbok/kvasir/pkg/provider/vad/energy"
)

// tone builds a mono PCM frame of constant absolute amplitude.
func tone(amplitude int16, samples int) []byte {
	out := make([]byte, samples*2)
	for i := range samples {
		s := amplitude
		if i%2 == 1 {
			s = -amplitude
		}
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(s))
	}
	return out
}

func TestClassify_SilenceAndSpeech(t *testing.T) {
	t.Parallel()

	d := energy.New(energy.WithNoiseFloor(150), energy.WithSpeechRatio(8))

	p, err := d.Classify(tone(50, 320))
	if err != nil {
		t.Fatalf("Classify silence: %v", err)
	}
	if p != 0 {
		t.Errorf("silence probability: want 0, got %v", p)
	}

	p, err = d.Classify(tone(8000, 320))
	if err != nil {
		t.Fatalf("Classify speech: %v", err)
	}
	if p != 1 {
		t.Errorf("loud speech probability: want 1, got %v", p)
	}

	// Mid-level audio lands strictly between.
	p, err = d.Classify(tone(500, 320))
	if err != nil {
		t.Fatalf("Classify mid: %v", err)
	}
	if p <= 0 || p >= 1 {
		t.Errorf("mid-level probability: want in (0,1), got %v", p)
	}
}

func TestClassify_EmptyFrame(t *testing.T) {
	t.Parallel()

	d := energy.New()
	if _, err := d.Classify(nil); err == nil {
		t.Error("Classify(nil): want error, got nil")
	}
}

func TestReset_RestoresFloor(t *testing.T) {
	t.Parallel()

	d := energy.New(energy.WithNoiseFloor(150))
	// Drive the adaptive floor down with many near-silent frames.
	for range 200 {
		if _, err := d.Classify(tone(2, 320)); err != nil {
			t.Fatalf("Classify: %v", err)
		}
	}
	before, _ := d.Classify(tone(100, 320))
	if before == 0 {
		t.Fatal("expected adapted floor to classify 100-amplitude audio as speechy")
	}

	d.Reset()
	after, _ := d.Classify(tone(100, 320))
	if after != 0 {
		t.Errorf("after Reset, 100-amplitude audio should be below the initial floor, got %v", after)
	}
}
