package audio

import (
	"errors"
	"fmt"
)

// ErrOddPCM is returned when a PCM payload does not hold a whole number of
// int16 samples.
var ErrOddPCM = errors.New("audio: odd byte count in int16 PCM")

// Convert returns b converted to target. Resampling runs first so a stereo
// source destined for mono is not resampled twice. When b already matches
// target the buffer is returned unchanged without copying.
func Convert(b Buffer, target Format) (Buffer, error) {
	if !target.Valid() {
		return Buffer{}, fmt.Errorf("audio: invalid target format %s", target)
	}
	if !b.Format.Valid() {
		return Buffer{}, fmt.Errorf("audio: invalid source format %s", b.Format)
	}
	if len(b.PCM)%2 != 0 {
		return Buffer{}, ErrOddPCM
	}
	if b.Format == target {
		return b, nil
	}

	pcm := b.PCM
	if b.Format.SampleRate != target.SampleRate {
		pcm = Resample16(pcm, b.Format.Channels, b.Format.SampleRate, target.SampleRate)
	}
	if b.Format.Channels != target.Channels {
		var err error
		pcm, err = Remix16(pcm, b.Format.Channels, target.Channels)
		if err != nil {
			return Buffer{}, err
		}
	}
	return Buffer{PCM: pcm, Format: target}, nil
}

// Remix16 converts interleaved int16 PCM between channel layouts. Mono is
// duplicated into every output channel; multichannel input is averaged down
// to mono first when the layouts differ otherwise.
func Remix16(pcm []byte, from, to int) ([]byte, error) {
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("audio: invalid channel counts %d -> %d", from, to)
	}
	if from == to {
		return pcm, nil
	}
	frames := len(pcm) / (2 * from)
	out := make([]byte, frames*2*to)
	for i := range frames {
		var sum int32
		for c := range from {
			sum += int32(sampleAt(pcm, i*from+c))
		}
		v := clamp16(sum / int32(from))
		for c := range to {
			putSample(out, i*to+c, v)
		}
	}
	return out, nil
}

// Resample16 resamples interleaved int16 PCM with the given channel count
// from srcRate to dstRate using linear interpolation per channel. The input
// is returned unchanged when the rates match or are not positive.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*2*channels)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for c := range channels {
			s0 := float64(sampleAt(pcm, idx*channels+c))
			s1 := float64(sampleAt(pcm, next*channels+c))
			putSample(out, i*channels+c, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
}

func putSample(pcm []byte, i int, v int16) {
	pcm[2*i] = byte(v)
	pcm[2*i+1] = byte(v >> 8)
}

func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}
