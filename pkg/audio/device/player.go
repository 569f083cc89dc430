package device

import (
	"errors"
	"sync"

	"github.com/MrWong99/murmur/pkg/audio"
)

var errBusy = errors.New("device: playback already in progress")

// player holds the PCM of the current playback and feeds it to the device
// callback in period-sized pieces. It is independent of malgo so the
// buffering rules can be tested without a sound card.
type player struct {
	mu      sync.Mutex
	pending []byte
	done    func(error)
	active  bool
}

// play queues pcm. done runs on a new goroutine once the last byte has been
// handed to the device, or when stop discards it.
func (p *player) play(pcm []byte, done func(error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return errBusy
	}
	p.pending = pcm
	p.done = done
	p.active = true
	return nil
}

// fill copies up to len(out) bytes into out and zeroes the rest. It runs on
// the device thread.
func (p *player) fill(out []byte) {
	p.mu.Lock()
	n := copy(out, p.pending)
	p.pending = p.pending[n:]
	var done func(error)
	if p.active && len(p.pending) == 0 {
		done = p.finish()
	}
	p.mu.Unlock()

	clear(out[n:])
	if done != nil {
		go done(nil)
	}
}

// stop discards queued audio. It reports whether a playback was cut short.
func (p *player) stop() bool {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return false
	}
	done := p.finish()
	p.mu.Unlock()
	if done != nil {
		go done(audio.ErrStopped)
	}
	return true
}

func (p *player) busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// finish must be called with p.mu held.
func (p *player) finish() func(error) {
	done := p.done
	p.pending = nil
	p.done = nil
	p.active = false
	return done
}
