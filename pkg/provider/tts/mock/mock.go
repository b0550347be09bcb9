// Package mock provides a test double for the tts.Provider interface.
//
// By default every Synthesize call returns the text echoed back as PCM bytes,
// which makes output-ordering assertions readable. Per-call outcomes,
// failures, and latency can be scripted via Entries and Gate. Gate is what
// the ordering tests use to make chunk 2 deliberately slower than chunk 3.
package mock

import (
	"context"
	"sync"

	"github.com/hauksbok/kvasir/pkg/provider/tts"
)

// Compile-time assertion that Provider implements tts.Provider.
var _ tts.Provider = (*Provider)(nil)

// Entry is one scripted Synthesize outcome, matched by call index.
type Entry struct {
	Audio []byte
	Err   error
}

// Call records a single Synthesize invocation.
type Call struct {
	Ctx   context.Context
	Text  string
	Voice tts.Voice
}

// Provider is a scripted mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Entries is the per-call outcome script. When a call has no entry the
	// synthesized audio is []byte(text).
	Entries []Entry

	// Err, if non-nil, is returned by every call regardless of Entries.
	Err error

	// Gate, if non-nil, is consulted per call with the zero-based call index
	// and the text; Synthesize waits on the returned channel (or ctx) before
	// returning. A nil return means no wait.
	Gate func(call int, text string) <-chan struct{}

	// Rate is returned by SampleRate. Defaults to 24000 when zero.
	Rate int

	// Calls records every invocation in order.
	Calls []Call
}

// Synthesize returns the scripted outcome for this call, or the text echoed
// back as audio bytes.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	p.mu.Lock()
	idx := len(p.Calls)
	p.Calls = append(p.Calls, Call{Ctx: ctx, Text: text, Voice: voice})
	err := p.Err
	var entry *Entry
	if idx < len(p.Entries) {
		e := p.Entries[idx]
		entry = &e
	}
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		if ch := gate(idx, text); ch != nil {
			select {
			case <-ch:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return entry.Audio, entry.Err
	}
	return []byte(text), nil
}

// SampleRate implements tts.Provider.
func (p *Provider) SampleRate() int {
	if p.Rate == 0 {
		return 24000
	}
	return p.Rate
}

// SynthesizeCount returns the number of recorded calls.
func (p *Provider) SynthesizeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}
