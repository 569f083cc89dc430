package mock

import (
	"sync"

	"github.com/MrWong99/murmur/pkg/audio"
)

// Source is a mock implementation of [audio.Source]. Tests push frames with
// [Source.Emit]. It is safe for concurrent use.
type Source struct {
	mu sync.Mutex

	// InputFormat is returned by Format. Defaults to 16 kHz mono.
	InputFormat audio.Format

	// StartErr, when non-nil, is returned by Start.
	StartErr error

	onAudio func([]byte)
	starts  int
	stops   int
}

var _ audio.Source = (*Source)(nil)

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.InputFormat.Valid() {
		return audio.Format{SampleRate: 16000, Channels: 1}
	}
	return s.InputFormat
}

// Start implements [audio.Source].
func (s *Source) Start(onAudio func([]byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartErr != nil {
		return s.StartErr
	}
	s.starts++
	s.onAudio = onAudio
	return nil
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	s.onAudio = nil
	return nil
}

// Emit delivers pcm to the registered callback. It reports false when the
// source is stopped.
func (s *Source) Emit(pcm []byte) bool {
	s.mu.Lock()
	fn := s.onAudio
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(pcm)
	return true
}

// Running reports whether a callback is registered.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onAudio != nil
}

// Starts returns the number of successful Start calls.
func (s *Source) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

// Stops returns the number of Stop calls.
func (s *Source) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}
