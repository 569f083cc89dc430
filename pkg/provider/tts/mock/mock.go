// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to control per-segment synthesis outcomes and timing. With Hold
// set, every Synthesize call blocks until the test calls Release for that text,
// which lets tests resolve segments out of order.
//
// Example:
//
//	p := &mock.Provider{Hold: true, Errors: map[string]error{"Bad one.": errBoom}}
//	q := playback.New(loop, p, sink)
//	q.Enqueue("First.", false)
//	p.Release("First.")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the segment text.
	Text string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Payload is returned by every successful call. When Data is empty, 100 ms
	// of 16 kHz mono silence is returned.
	Payload audio.Payload

	// Errors maps segment text to the error returned for it.
	Errors map[string]error

	// Hold makes Synthesize block until Release is called with the same text
	// or the context is cancelled.
	Hold bool

	// SynthesizeCalls records every call in order.
	SynthesizeCalls []SynthesizeCall

	gates map[string]chan struct{}
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string) (audio.Payload, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text})
	var gate chan struct{}
	if p.Hold {
		gate = p.gateLocked(text)
	}
	err := p.Errors[text]
	payload := p.Payload
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return audio.Payload{}, ctx.Err()
		}
	}
	if err != nil {
		return audio.Payload{}, err
	}
	if len(payload.Data) == 0 {
		payload = audio.Payload{
			Data:     make([]byte, 3200),
			Encoding: audio.EncodingPCM,
			Format:   audio.Format{SampleRate: 16000, Channels: 1},
		}
	}
	return payload, nil
}

// Release unblocks the held call for text. It may be called before the call
// arrives.
func (p *Provider) Release(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	gate := p.gateLocked(text)
	select {
	case <-gate:
	default:
		close(gate)
	}
}

// Calls returns the texts passed to Synthesize so far, in order.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.SynthesizeCalls))
	for i, c := range p.SynthesizeCalls {
		out[i] = c.Text
	}
	return out
}

// Recorded returns a copy of all recorded calls.
func (p *Provider) Recorded() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.SynthesizeCalls...)
}

// Reset clears all recorded calls and gates. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.gates = nil
}

func (p *Provider) gateLocked(text string) chan struct{} {
	if p.gates == nil {
		p.gates = make(map[string]chan struct{})
	}
	g, ok := p.gates[text]
	if !ok {
		g = make(chan struct{})
		p.gates[text] = g
	}
	return g
}
