package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DecodePCM16 decodes little-endian int16 PCM from src into dst and returns
// the number of samples written. A trailing odd byte in src is ignored.
func DecodePCM16(dst []int16, src []byte) int {
	n := min(len(dst), len(src)/2)
	for i := range n {
		dst[i] = int16(binary.LittleEndian.Uint16(src[i*2:]))
	}
	return n
}

// EncodePCM16 encodes samples as little-endian int16 PCM into dst and returns
// the number of bytes written. dst must hold at least 2*len(samples) bytes;
// excess samples are dropped.
func EncodePCM16(dst []byte, samples []int16) int {
	n := min(len(samples), len(dst)/2)
	for i := range n {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(samples[i]))
	}
	return n * 2
}

// DownmixToMono averages interleaved frames of the given channel count into
// mono, writing the result to the front of samples and returning the mono
// slice. Uses int32 arithmetic so the average cannot overflow.
func DownmixToMono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	for i := range frames {
		var sum int32
		for c := range channels {
			sum += int32(samples[i*channels+c])
		}
		samples[i] = int16(sum / int32(channels))
	}
	return samples[:frames]
}

// ResampleMono16 resamples mono int16 samples from srcRate to dstRate using
// linear interpolation. If the rates match, the input is returned unchanged.
func ResampleMono16(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstSamples := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]int16, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// Abs returns |s| widened to int32 so that |-32768| is representable.
func Abs(s int16) int32 {
	v := int32(s)
	if v < 0 {
		return -v
	}
	return v
}

// MeanAbs returns the mean absolute amplitude of samples, or 0 for an empty
// slice.
func MeanAbs(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum int64
	for _, s := range samples {
		sum += int64(Abs(s))
	}
	return float64(sum) / float64(len(samples))
}

// Peak returns the largest absolute amplitude in samples and the index of its
// first occurrence. An empty slice yields (0, -1).
func Peak(samples []int16) (peak int32, index int) {
	index = -1
	for i, s := range samples {
		if a := Abs(s); a > peak || index < 0 {
			peak, index = a, i
		}
	}
	return peak, index
}

// DBFS converts an absolute amplitude to decibels relative to full scale.
// Silence maps to -96 dBFS, the floor of 16-bit audio.
func DBFS(amplitude int32) float64 {
	if amplitude <= 0 {
		return -96
	}
	return math.Max(-96, 20*math.Log10(float64(amplitude)/32768))
}

// ClampInt16 saturates v to the int16 range.
func ClampInt16(v int64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "16000Hz mono".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
