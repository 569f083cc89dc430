package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidWAV is returned when a payload is not a RIFF/WAVE container with
// int16 PCM data.
var ErrInvalidWAV = errors.New("audio: invalid WAV payload")

// WAVInfo describes the PCM stream inside a RIFF/WAVE container.
type WAVInfo struct {
	// DataOffset is the byte offset of the first PCM sample.
	DataOffset int
	// DataLength is the declared length of the data chunk, clipped to the
	// payload size.
	DataLength int
	Format     Format
	// BitsPerSample is 16 for every payload accepted by [DecodeWAV].
	BitsPerSample int
}

// ParseWAV walks the RIFF chunks of wav and returns where the PCM data lives
// and its format. The fmt chunk may have any size and chunks are word
// aligned, so no fixed 44-byte header is assumed.
func ParseWAV(wav []byte) (WAVInfo, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return WAVInfo{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var info WAVInfo
	haveFmt := false
	for off := 12; off+8 <= len(wav); {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := off + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(wav) {
				return WAVInfo{}, fmt.Errorf("%w: truncated fmt chunk", ErrInvalidWAV)
			}
			if tag := binary.LittleEndian.Uint16(wav[body : body+2]); tag != 1 && tag != 0xFFFE {
				return WAVInfo{}, fmt.Errorf("%w: unsupported format tag %d", ErrInvalidWAV, tag)
			}
			info.Format.Channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
			info.Format.SampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(wav[body+14 : body+16]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return WAVInfo{}, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			info.DataOffset = body
			info.DataLength = min(size, len(wav)-body)
			return info, nil
		}

		off = body + size
		if size%2 != 0 {
			off++
		}
	}
	return WAVInfo{}, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
}

// DecodeWAV extracts the int16 PCM samples of a WAV payload.
func DecodeWAV(wav []byte) (Buffer, error) {
	info, err := ParseWAV(wav)
	if err != nil {
		return Buffer{}, err
	}
	if info.BitsPerSample != 16 {
		return Buffer{}, fmt.Errorf("%w: %d bits per sample, want 16", ErrInvalidWAV, info.BitsPerSample)
	}
	if !info.Format.Valid() {
		return Buffer{}, fmt.Errorf("%w: format %s", ErrInvalidWAV, info.Format)
	}
	pcm := wav[info.DataOffset : info.DataOffset+info.DataLength]
	// Drop a trailing partial sample from truncated payloads.
	pcm = pcm[:len(pcm)-len(pcm)%(2*info.Format.Channels)]
	return Buffer{PCM: pcm, Format: info.Format}, nil
}

// EncodeWAV wraps b in a canonical 44-byte RIFF/WAVE header.
func EncodeWAV(b Buffer) []byte {
	out := make([]byte, 44+len(b.PCM))
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(b.PCM)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1)
	binary.LittleEndian.PutUint16(out[22:24], uint16(b.Format.Channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(b.Format.SampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(b.Format.BytesPerSecond()))
	binary.LittleEndian.PutUint16(out[32:34], uint16(b.Format.Channels*2))
	binary.LittleEndian.PutUint16(out[34:36], 16)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(b.PCM)))
	copy(out[44:], b.PCM)
	return out
}
