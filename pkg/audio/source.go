package audio

// Source delivers captured PCM audio from an input device.
//
// Implementations must be safe for concurrent use. The onAudio callback may
// run on the device's real-time thread and must not block or retain the
// slice after it returns.
type Source interface {
	// Format is the PCM format of delivered frames.
	Format() Format

	// Start begins delivery to onAudio. Starting a running source replaces
	// the callback.
	Start(onAudio func(pcm []byte)) error

	// Stop ends delivery. It is a no-op when the source is stopped.
	Stop() error
}
