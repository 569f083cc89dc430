package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of 16-bit little-endian
// PCM audio.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the byte rate of int16 PCM in this format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Valid reports whether both fields are positive.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// Encoding names the container of a synthesized audio payload.
type Encoding string

const (
	// EncodingPCM is raw int16 little-endian PCM; the payload's [Format] must
	// be known out of band.
	EncodingPCM Encoding = "pcm"

	// EncodingWAV is a RIFF/WAVE container carrying int16 PCM.
	EncodingWAV Encoding = "wav"
)

// Buffer is a decoded, playable block of PCM audio.
type Buffer struct {
	// PCM holds int16 little-endian samples, interleaved when Channels > 1.
	PCM []byte

	// Format describes PCM.
	Format Format
}

// Duration returns the playback length of b.
func (b Buffer) Duration() time.Duration {
	bps := b.Format.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(len(b.PCM)) * int64(time.Second) / int64(bps))
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
