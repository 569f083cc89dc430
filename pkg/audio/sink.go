// Package audio defines the audio output capability and the PCM helpers used
// between speech synthesis and playback.
//
// A [Sink] is the only way the pipeline produces sound. Synthesized payloads
// are turned into playable [Buffer]s by a [Decoder], which also converts them
// to the sink's native [Format].
package audio

import (
	"errors"
	"fmt"
)

// ErrStopped is passed to a playback completion callback when playback was
// cut short by [Sink.Stop].
var ErrStopped = errors.New("audio: playback stopped")

// Sink plays PCM audio on an output device.
//
// Implementations must be safe for concurrent use. The done callback passed to
// Play may be invoked from any goroutine, including the device's real-time
// thread, so it must not block.
type Sink interface {
	// Format is the PCM format Play expects.
	Format() Format

	// Play starts playback of pcm and returns without waiting for it to
	// finish. done is called exactly once: with nil when the last sample has
	// been played, with [ErrStopped] when Stop cut playback short, or with the
	// device error. If Play returns an error, done is never called.
	Play(pcm []byte, done func(error)) error

	// Stop discards everything queued on the device. It is a no-op when
	// nothing is playing.
	Stop() error
}

// Payload is an encoded audio blob as returned by a synthesis service.
type Payload struct {
	Data     []byte
	Encoding Encoding
	// Format describes Data when Encoding is [EncodingPCM]. It is ignored for
	// self-describing containers.
	Format Format
}

// Decoder turns a synthesized payload into a playable buffer in a target
// format.
type Decoder interface {
	Decode(p Payload, target Format) (Buffer, error)
}

// DecoderFunc adapts a function to [Decoder].
type DecoderFunc func(p Payload, target Format) (Buffer, error)

// Decode implements [Decoder].
func (f DecoderFunc) Decode(p Payload, target Format) (Buffer, error) { return f(p, target) }

// StandardDecoder decodes raw PCM and WAV payloads and converts them to the
// target format.
var StandardDecoder Decoder = DecoderFunc(decodeStandard)

func decodeStandard(p Payload, target Format) (Buffer, error) {
	if len(p.Data) == 0 {
		return Buffer{}, errors.New("audio: empty payload")
	}

	var (
		b   Buffer
		err error
	)
	switch p.Encoding {
	case EncodingPCM, "":
		b = Buffer{PCM: p.Data, Format: p.Format}
	case EncodingWAV:
		b, err = DecodeWAV(p.Data)
	default:
		return Buffer{}, fmt.Errorf("audio: unsupported payload encoding %q", p.Encoding)
	}
	if err != nil {
		return Buffer{}, err
	}
	return Convert(b, target)
}
