package audio

import (
	"errors"
	"fmt"
	"math"
)

// BytesPerSample is the width of one interleaved signed 16-bit sample.
const BytesPerSample = 2

// ErrShortBuffer is returned by [Interleave16] when dst cannot hold the frame.
var ErrShortBuffer = errors.New("audio: destination buffer too small")

// Interleave16Size returns the number of bytes [Interleave16] writes for f.
func Interleave16Size(f *AudioFrame) int {
	return f.NoSamples * f.Channels * BytesPerSample
}

// Interleave16 converts the planar float samples of f into interleaved
// little-endian signed 16-bit PCM written directly into dst.
//
// referenceLevel is a gain in dB applied before quantisation; 0 leaves the
// signal untouched. Samples outside [-1, 1] are clamped.
func Interleave16(f *AudioFrame, dst []byte, referenceLevel int) error {
	if !f.Valid() {
		return fmt.Errorf("audio: invalid frame (rate=%d channels=%d samples=%d data=%d)",
			f.SampleRate, f.Channels, f.NoSamples, len(f.Data))
	}
	need := Interleave16Size(f)
	if len(dst) < need {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, need, len(dst))
	}

	gain := float32(1)
	if referenceLevel != 0 {
		gain = float32(math.Pow(10, float64(referenceLevel)/20))
	}

	for ch := range f.Channels {
		plane := f.Data[ch*f.NoSamples : (ch+1)*f.NoSamples]
		for i, s := range plane {
			v := quantise16(s * gain)
			j := (i*f.Channels + ch) * BytesPerSample
			dst[j] = byte(v)
			dst[j+1] = byte(v >> 8)
		}
	}
	return nil
}

// quantise16 maps a float sample in [-1, 1] to int16, clamping out-of-range input.
func quantise16(s float32) int16 {
	v := s * math.MaxInt16
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
// A trailing odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
