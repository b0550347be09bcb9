package rag

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/hauksbok/kvasir/internal/observe"
	embmock "github.com/hauksbok/kvasir/pkg/provider/embeddings/mock"
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

func TestAugmentor_ReturnsContextBlock(t *testing.T) {
	t.Parallel()

	embedder := &embmock.Provider{Dims: 2, Vectors: map[string][]float32{
		"tell me about mead": {0, 1},
	}}
	idx := NewMemoryIndex()
	_ = idx.Add(context.Background(),
		Document{ID: "mead", Title: "Mead", Text: "Mead is fermented honey.", Embedding: []float32{0, 1}},
		Document{ID: "ale", Title: "Ale", Text: "Ale is fermented grain.", Embedding: []float32{1, 0}},
	)

	a := NewAugmentor(embedder, idx, 1, time.Second, newTestRecorder(t))
	block, err := a.Lookup(context.Background(), 1, "tell me about mead")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !strings.Contains(block, "Mead is fermented honey.") {
		t.Errorf("block %q does not contain the mead document", block)
	}
	if strings.Contains(block, "Ale") {
		t.Errorf("block %q contains a document beyond topK", block)
	}
}

func TestAugmentor_EmptyQuery(t *testing.T) {
	t.Parallel()

	a := NewAugmentor(&embmock.Provider{}, NewMemoryIndex(), 3, time.Second, newTestRecorder(t))
	block, err := a.Lookup(context.Background(), 1, "   ")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if block != "" {
		t.Errorf("block = %q, want empty", block)
	}
}

func TestAugmentor_EmptyIndex(t *testing.T) {
	t.Parallel()

	a := NewAugmentor(&embmock.Provider{}, NewMemoryIndex(), 3, time.Second, newTestRecorder(t))
	block, err := a.Lookup(context.Background(), 1, "anything")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if block != "" {
		t.Errorf("block = %q, want empty", block)
	}
}

func TestAugmentor_DegradesOnSlowBackend(t *testing.T) {
	t.Parallel()

	stall := make(chan struct{}) // never closed
	embedder := &embmock.Provider{
		Delay: func() <-chan struct{} { return stall },
	}
	a := NewAugmentor(embedder, NewMemoryIndex(), 3, 20*time.Millisecond, newTestRecorder(t))

	start := time.Now()
	block, err := a.Lookup(context.Background(), 1, "anything")
	if err != nil {
		t.Fatalf("Lookup must degrade, not fail: %v", err)
	}
	if block != "" {
		t.Errorf("block = %q, want empty on timeout", block)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Lookup took %v, should respect the 20ms budget", elapsed)
	}
}

func TestAugmentor_PropagatesCallerCancellation(t *testing.T) {
	t.Parallel()

	stall := make(chan struct{})
	embedder := &embmock.Provider{
		Delay: func() <-chan struct{} { return stall },
	}
	a := NewAugmentor(embedder, NewMemoryIndex(), 3, time.Minute, newTestRecorder(t))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := a.Lookup(ctx, 1, "anything")
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestFormatContext(t *testing.T) {
	t.Parallel()

	got := FormatContext([]Result{
		{Document: Document{Title: "Mead", Text: "Fermented honey."}},
		{Document: Document{Text: "Untitled fact."}},
	})
	want := "Relevant background:\n- Mead: Fermented honey.\n- Untitled fact."
	if got != want {
		t.Errorf("FormatContext = %q, want %q", got, want)
	}
}
