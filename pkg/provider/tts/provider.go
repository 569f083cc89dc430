// Package tts defines the Provider interface for speech synthesis backends.
//
// A TTS provider turns one speakable segment of text into an encoded audio
// payload. The playback queue requests every segment as soon as it is
// enqueued, so several requests may be in flight while an earlier segment is
// still playing.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/murmur/pkg/audio"
)

// Provider is the abstraction over any speech synthesis backend.
type Provider interface {
	// Synthesize renders text and returns the complete encoded payload.
	//
	// Returns an error if the service cannot be reached, rejects the request,
	// or ctx is cancelled before the payload has been received. Callers treat
	// every error as a per-segment failure.
	Synthesize(ctx context.Context, text string) (audio.Payload, error)
}

// ProviderFunc adapts an ordinary function to [Provider].
type ProviderFunc func(ctx context.Context, text string) (audio.Payload, error)

// Synthesize implements [Provider].
func (f ProviderFunc) Synthesize(ctx context.Context, text string) (audio.Payload, error) {
	return f(ctx, text)
}
