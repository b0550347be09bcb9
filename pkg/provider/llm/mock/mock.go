// Package mock provides a test double for the llm.Provider interface.
//
// Outcomes are served from an optional per-call Script; when the script is
// exhausted (or absent) the package falls back to the top-level response
// fields. This makes "fail once, then succeed" retry tests one-liners:
//
//	p := &mock.Provider{Scripts: []mock.Script{
//	    {StreamErr: llm.ErrServiceUnavailable},
//	    {Chunks: []llm.Chunk{{Text: "Hi.", FinishReason: "stop"}}},
//	}}
package mock

import (
	"context"
	"sync"

	"github.com/hauksbok/kvasir/pkg/provider/llm"
)

// Compile-time assertion that Provider implements llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// Script is one scripted call outcome. A Script applies to whichever method
// is invoked: Chunks/StreamErr drive StreamCompletion, Response/CompleteErr
// drive Complete.
type Script struct {
	Chunks    []llm.Chunk
	StreamErr error

	Response    *llm.CompletionResponse
	CompleteErr error
}

// Call records a single invocation of either method.
type Call struct {
	Ctx    context.Context
	Req    llm.CompletionRequest
	Stream bool
}

// Provider is a scripted mock implementation of llm.Provider.
// Zero values cause methods to return empty results and nil errors.
type Provider struct {
	mu sync.Mutex

	// Scripts is the per-call outcome list, consumed in order across both
	// methods.
	Scripts []Script

	// StreamChunks is the fallback chunk sequence once Scripts is exhausted.
	StreamChunks []llm.Chunk

	// StreamErr is the fallback StreamCompletion error.
	StreamErr error

	// CompleteResponse is the fallback Complete result.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr is the fallback Complete error.
	CompleteErr error

	// ChunkDelay, if non-nil, is received from before each chunk is emitted,
	// letting tests pace or stall the stream.
	ChunkDelay func() <-chan struct{}

	// Calls records every invocation in order.
	Calls []Call
}

// nextScript pops the next script, or nil when exhausted.
func (p *Provider) nextScript() *Script {
	if len(p.Calls) <= len(p.Scripts) {
		return &p.Scripts[len(p.Calls)-1]
	}
	return nil
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, Call{Ctx: ctx, Req: req, Stream: true})
	chunks := p.StreamChunks
	err := p.StreamErr
	if s := p.nextScript(); s != nil {
		chunks, err = s.Chunks, s.StreamErr
	}
	delay := p.ChunkDelay
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if delay != nil {
				select {
				case <-delay():
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, Call{Ctx: ctx, Req: req})
	resp, err := p.CompleteResponse, p.CompleteErr
	if s := p.nextScript(); s != nil {
		resp, err = s.Response, s.CompleteErr
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// CallCount returns the number of recorded invocations.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
