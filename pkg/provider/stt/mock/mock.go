// Package mock provides a test double for the stt.Provider interface.
//
// Results are served from a script: each Transcribe call consumes the next
// entry. When the script is exhausted the zero Result is returned. Set Err to
// fail every call, or script per-call errors via Entries.
package mock

import (
	"context"
	"sync"

	"github.com/hauksbok/kvasir/pkg/provider/stt"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Entry is one scripted Transcribe outcome.
type Entry struct {
	Result stt.Result
	Err    error
}

// Call records a single Transcribe invocation.
type Call struct {
	Ctx context.Context
	Seg stt.Segment
}

// Provider is a scripted mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Entries is the per-call outcome script.
	Entries []Entry

	// Err, if non-nil, is returned by every call regardless of Entries.
	Err error

	// Delay, if non-zero, is waited (or until ctx is done) before returning.
	Delay func() <-chan struct{}

	// Calls records every invocation in order.
	Calls []Call
}

// Transcribe returns the next scripted outcome and records the call.
func (p *Provider) Transcribe(ctx context.Context, seg stt.Segment) (stt.Result, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, Call{Ctx: ctx, Seg: seg})
	n := len(p.Calls)
	err := p.Err
	var entry Entry
	if n <= len(p.Entries) {
		entry = p.Entries[n-1]
	}
	delay := p.Delay
	p.mu.Unlock()

	if delay != nil {
		select {
		case <-delay():
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		}
	}
	if err != nil {
		return stt.Result{}, err
	}
	if entry.Err != nil {
		return stt.Result{}, entry.Err
	}
	return entry.Result, nil
}

// TranscribeCount returns the number of recorded calls.
func (p *Provider) TranscribeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
