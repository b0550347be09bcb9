package resilience

import (
	"context"

	"github.com/hauksbok/kvasir/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across
// multiple synthesis backends. All registered backends must produce audio at
// the same sample rate; SampleRate reports the primary's rate.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred
// backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend, tried after the primary.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize renders text through the first healthy backend.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.Voice) ([]byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]byte, error) {
		return p.Synthesize(ctx, text, voice)
	})
}

// SampleRate reports the primary backend's output sample rate.
func (f *TTSFallback) SampleRate() int {
	return f.group.entries[0].value.SampleRate()
}
