package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hauksbok/kvasir/internal/observe"
	"github.com/hauksbok/kvasir/pkg/provider/embeddings"
)

// Augmentor turns a user transcript into a retrieval context block for the
// language model's system prompt. It is strictly best-effort: any failure or
// timeout inside the lookup degrades to an empty block, so retrieval can
// never stall or fail a turn. Only the caller's own cancellation is
// propagated.
type Augmentor struct {
	embedder embeddings.Provider
	index    Index
	topK     int
	timeout  time.Duration
	recorder *observe.Recorder
}

// NewAugmentor creates an [Augmentor]. topK <= 0 defaults to 3 and
// timeout <= 0 to 750ms.
func NewAugmentor(embedder embeddings.Provider, index Index, topK int, timeout time.Duration, recorder *observe.Recorder) *Augmentor {
	if topK <= 0 {
		topK = 3
	}
	if timeout <= 0 {
		timeout = 750 * time.Millisecond
	}
	return &Augmentor{
		embedder: embedder,
		index:    index,
		topK:     topK,
		timeout:  timeout,
		recorder: recorder,
	}
}

// Lookup retrieves the documents most similar to query and formats them as a
// context block. An empty query, an empty index, a timeout, or a backend
// error all return "". The returned error is non-nil only when ctx itself was
// cancelled.
func (a *Augmentor) Lookup(ctx context.Context, turn uint64, query string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", nil
	}

	start := time.Now()
	lookupCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	block, err := a.lookup(lookupCtx, query)

	a.recorder.Record(observe.StageEvent{
		Stage:    observe.StageRAG,
		Turn:     turn,
		Duration: time.Since(start),
		Bytes:    len(block),
		Err:      err,
	})

	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		slog.Warn("retrieval degraded, continuing without context",
			"turn", turn, "error", err)
		return "", nil
	}
	return block, nil
}

func (a *Augmentor) lookup(ctx context.Context, query string) (string, error) {
	vec, err := a.embedder.Embed(ctx, query)
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}

	results, err := a.index.Search(ctx, vec, a.topK)
	if err != nil {
		return "", fmt.Errorf("search index: %w", err)
	}
	if len(results) == 0 {
		return "", nil
	}
	return FormatContext(results), nil
}

// FormatContext renders retrieved documents as the context block appended to
// the system prompt.
func FormatContext(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant background:\n")
	for _, r := range results {
		if r.Document.Title != "" {
			fmt.Fprintf(&b, "- %s: %s\n", r.Document.Title, r.Document.Text)
		} else {
			fmt.Fprintf(&b, "- %s\n", r.Document.Text)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
