// Package mock provides a test double for the embeddings.Provider interface.
//
// By default the mock produces deterministic vectors derived from the text
// content, so distinct texts embed to distinct vectors and equal texts embed
// equally, enough for nearest-neighbour tests without a live model.
package mock

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/hauksbok/kvasir/pkg/provider/embeddings"
)

// Compile-time assertion that Provider implements embeddings.Provider.
var _ embeddings.Provider = (*Provider)(nil)

// Provider is a deterministic mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// Dims is the vector dimension. Defaults to 8 when zero.
	Dims int

	// Vectors maps exact input texts to fixed vectors, overriding the
	// hash-derived default.
	Vectors map[string][]float32

	// Err, if non-nil, is returned by Embed and EmbedBatch.
	Err error

	// Delay, if non-nil, is waited on before each call returns, letting
	// tests simulate a slow or stalled embedding backend.
	Delay func() <-chan struct{}

	// EmbedCalls records the texts passed to Embed and EmbedBatch, in order.
	EmbedCalls []string
}

func (p *Provider) dims() int {
	if p.Dims == 0 {
		return 8
	}
	return p.Dims
}

// vectorFor derives a deterministic unit-ish vector from the text.
func (p *Provider) vectorFor(text string) []float32 {
	if v, ok := p.Vectors[text]; ok {
		return v
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()
	vec := make([]float32, p.dims())
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed>>33)) / float32(1<<30)
	}
	return vec
}

func (p *Provider) wait(ctx context.Context) error {
	if p.Delay == nil {
		return nil
	}
	select {
	case <-p.Delay():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	err := p.Err
	p.mu.Unlock()

	if werr := p.wait(ctx); werr != nil {
		return nil, werr
	}
	if err != nil {
		return nil, err
	}
	return p.vectorFor(text), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.EmbedCalls = append(p.EmbedCalls, texts...)
	err := p.Err
	p.mu.Unlock()

	if werr := p.wait(ctx); werr != nil {
		return nil, werr
	}
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vectorFor(t)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.dims() }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return "mock" }
