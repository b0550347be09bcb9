package kokoro_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hauksbok/kvasir/pkg/provider/tts"
	"github.com/hauksbok/kvasir/pkg/provider/tts/kokoro"
)

func TestSynthesize(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/speech" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req struct {
			Model          string `json:"model"`
			Input          string `json:"input"`
			Voice          string `json:"voice"`
			ResponseFormat string `json:"response_format"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Input != "Hello." {
			t.Errorf("input: want %q, got %q", "Hello.", req.Input)
		}
		if req.Voice != "af_nova" {
			t.Errorf("voice: want af_nova, got %q", req.Voice)
		}
		if req.ResponseFormat != "pcm" {
			t.Errorf("response_format: want pcm, got %q", req.ResponseFormat)
		}
		_, _ = w.Write([]byte{1, 2, 3, 4})
	}))
	defer srv.Close()

	p, err := kokoro.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pcm, err := p.Synthesize(context.Background(), "Hello.", tts.Voice{ID: "af_nova"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(pcm) != 4 {
		t.Errorf("pcm length: want 4, got %d", len(pcm))
	}
	if p.SampleRate() != 24000 {
		t.Errorf("SampleRate: want 24000, got %d", p.SampleRate())
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	t.Parallel()

	p, _ := kokoro.New("http://unreachable.invalid")
	pcm, err := p.Synthesize(context.Background(), "", tts.Voice{})
	if err != nil || pcm != nil {
		t.Errorf("empty text: want (nil, nil), got (%v, %v)", pcm, err)
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad voice", http.StatusBadRequest)
	}))
	defer srv.Close()

	p, _ := kokoro.New(srv.URL)
	_, err := p.Synthesize(context.Background(), "Hi.", tts.Voice{})
	if !errors.Is(err, tts.ErrServiceUnavailable) {
		t.Errorf("HTTP 400: want ErrServiceUnavailable, got %v", err)
	}
}

func TestSynthesize_Timeout(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	p, _ := kokoro.New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := p.Synthesize(ctx, "Hi.", tts.Voice{})
	if !errors.Is(err, tts.ErrTimeout) {
		t.Errorf("deadline exceeded: want ErrTimeout, got %v", err)
	}
}
