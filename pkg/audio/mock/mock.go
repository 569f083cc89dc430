// Package mock provides in-memory [audio.Sink] and [audio.Source]
// implementations for unit tests.
//
// The Sink records every Play and Stop call. Playback never finishes on its
// own unless AutoComplete is set; tests drive completion explicitly with
// [Sink.Finish] or [Sink.Fail], which makes the ordering of completion events
// fully deterministic.
//
// Typical usage:
//
//	sink := &mock.Sink{}
//	q := playback.New(loop, synth, sink)
//	q.Enqueue("Hello there.", false)
//	// ... wait until sink.Playing() ...
//	sink.Finish()
package mock

import (
	"errors"
	"sync"

	"github.com/MrWong99/murmur/pkg/audio"
)

// PlayCall records one call to [Sink.Play].
type PlayCall struct {
	PCM []byte
}

// Sink is a mock implementation of [audio.Sink]. Set the exported fields
// before use; inspect the recorded calls afterwards. It is safe for concurrent
// use.
type Sink struct {
	mu sync.Mutex

	// OutputFormat is returned by Format. Defaults to 16 kHz mono.
	OutputFormat audio.Format

	// PlayErr, when non-nil, is returned by Play and no playback starts.
	PlayErr error

	// StopErr is returned by Stop.
	StopErr error

	// AutoComplete finishes every playback immediately (on a new goroutine)
	// with a nil error.
	AutoComplete bool

	// PlayCalls holds every accepted Play call in order.
	PlayCalls []PlayCall

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	current func(error)
}

var _ audio.Sink = (*Sink)(nil)

// Format implements [audio.Sink].
func (s *Sink) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.OutputFormat.Valid() {
		return audio.Format{SampleRate: 16000, Channels: 1}
	}
	return s.OutputFormat
}

// Play implements [audio.Sink].
func (s *Sink) Play(pcm []byte, done func(error)) error {
	s.mu.Lock()
	if s.PlayErr != nil {
		err := s.PlayErr
		s.mu.Unlock()
		return err
	}
	if s.current != nil {
		s.mu.Unlock()
		return errors.New("mock: Play called while another playback is active")
	}
	s.PlayCalls = append(s.PlayCalls, PlayCall{PCM: pcm})
	if s.AutoComplete {
		s.mu.Unlock()
		go done(nil)
		return nil
	}
	s.current = done
	s.mu.Unlock()
	return nil
}

// Stop implements [audio.Sink]. An active playback completes with
// [audio.ErrStopped].
func (s *Sink) Stop() error {
	s.mu.Lock()
	s.CallCountStop++
	done := s.current
	s.current = nil
	err := s.StopErr
	s.mu.Unlock()
	if done != nil {
		done(audio.ErrStopped)
	}
	return err
}

// Playing reports whether a playback has started and not yet completed.
func (s *Sink) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Finish completes the active playback successfully. It reports false when
// nothing is playing.
func (s *Sink) Finish() bool {
	return s.complete(nil)
}

// Fail completes the active playback with err.
func (s *Sink) Fail(err error) bool {
	return s.complete(err)
}

// Plays returns the number of accepted Play calls.
func (s *Sink) Plays() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.PlayCalls)
}

// Stops returns the number of Stop calls.
func (s *Sink) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountStop
}

func (s *Sink) complete(err error) bool {
	s.mu.Lock()
	done := s.current
	s.current = nil
	s.mu.Unlock()
	if done == nil {
		return false
	}
	done(err)
	return true
}
