package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/hauksbok/kvasir/pkg/audio"
)

// pcm16 packs int16 samples into little-endian bytes.
func pcm16(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(s))
	}
	return out
}

func TestRMS(t *testing.T) {
	t.Parallel()

	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil): want 0, got %v", got)
	}
	if got := audio.RMS(pcm16(0, 0, 0, 0)); got != 0 {
		t.Errorf("RMS(silence): want 0, got %v", got)
	}
	// Constant amplitude: RMS equals the amplitude.
	if got := audio.RMS(pcm16(1000, -1000, 1000, -1000)); math.Abs(got-1000) > 0.01 {
		t.Errorf("RMS(square wave 1000): want 1000, got %v", got)
	}
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()

	// L=100, R=300 → 200; L=-200, R=-400 → -300.
	in := pcm16(100, 300, -200, -400)
	want := pcm16(200, -300)
	got := audio.StereoToMono(in)
	if string(got) != string(want) {
		t.Errorf("StereoToMono: want %v, got %v", want, got)
	}
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()

	in := pcm16(0, 100, 200, 300)

	t.Run("same rate passthrough", func(t *testing.T) {
		if got := audio.ResampleMono16(in, 16000, 16000); string(got) != string(in) {
			t.Error("same-rate resample should return input unchanged")
		}
	})

	t.Run("downsample halves sample count", func(t *testing.T) {
		got := audio.ResampleMono16(in, 32000, 16000)
		if len(got) != len(in)/2 {
			t.Fatalf("downsample 2:1: want %d bytes, got %d", len(in)/2, len(got))
		}
	})

	t.Run("upsample doubles sample count", func(t *testing.T) {
		got := audio.ResampleMono16(in, 16000, 32000)
		if len(got) != len(in)*2 {
			t.Fatalf("upsample 1:2: want %d bytes, got %d", len(in)*2, len(got))
		}
	})
}

func TestEncodeWAV(t *testing.T) {
	t.Parallel()

	pcm := pcm16(1, 2, 3, 4)
	wav := audio.EncodeWAV(pcm, 16000, 1)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("WAV length: want %d, got %d", 44+len(pcm), len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Error("missing RIFF/WAVE markers")
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 16000 {
		t.Errorf("sample rate: want 16000, got %d", rate)
	}
	if size := binary.LittleEndian.Uint32(wav[40:44]); int(size) != len(pcm) {
		t.Errorf("data size: want %d, got %d", len(pcm), size)
	}
	if string(wav[44:]) != string(pcm) {
		t.Error("PCM payload mismatch")
	}
}

func TestFrameDuration(t *testing.T) {
	t.Parallel()

	// 320 samples mono @16kHz = 20ms.
	f := audio.Frame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1}
	if got := f.Duration().Milliseconds(); got != 20 {
		t.Errorf("Duration: want 20ms, got %dms", got)
	}
	if got := (audio.Frame{}).Duration(); got != 0 {
		t.Errorf("zero frame Duration: want 0, got %v", got)
	}
}
