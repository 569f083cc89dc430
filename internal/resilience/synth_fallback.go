package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/tts"
)

// SynthFallback implements [tts.Provider] with automatic failover across
// several synthesizers. Each backend has its own circuit breaker.
type SynthFallback struct {
	group *FallbackGroup[tts.Provider]
}

var (
	_ tts.Provider    = (*SynthFallback)(nil)
	_ tts.VoiceLister = (*SynthFallback)(nil)
)

// NewSynthFallback creates a [SynthFallback] with primary as the preferred
// backend.
func NewSynthFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *SynthFallback {
	if cfg.Kind == "" {
		cfg.Kind = "tts"
	}
	return &SynthFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional synthesizer as a fallback.
func (f *SynthFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Breakers returns the per-backend circuit breakers, primary first.
func (f *SynthFallback) Breakers() []*CircuitBreaker { return f.group.Breakers() }

// Synthesize renders text with the first healthy backend. Payload formats may
// differ between backends; the playback queue decodes each payload on its own.
func (f *SynthFallback) Synthesize(ctx context.Context, text string) (audio.Payload, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) (audio.Payload, error) {
		return p.Synthesize(ctx, text)
	})
}

// errNoVoices marks a backend that cannot list voices.
var errNoVoices = errors.New("resilience: provider does not list voices")

// ListVoices returns the voices of the first healthy backend that can list
// them.
func (f *SynthFallback) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	return ExecuteWithResult(ctx, f.group, func(p tts.Provider) ([]tts.Voice, error) {
		vl, ok := p.(tts.VoiceLister)
		if !ok {
			return nil, errNoVoices
		}
		return vl.ListVoices(ctx)
	})
}
