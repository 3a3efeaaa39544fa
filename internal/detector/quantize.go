package detector

import (
	"fmt"

	"github.com/MrWong99/airea/pkg/provider/classifier"
)

// Quantizer downsamples a conditioned capture into the classifier input.
type Quantizer struct {
	stride int
}

// NewQuantizer creates a Quantizer taking every stride-th sample.
func NewQuantizer(stride int) *Quantizer {
	return &Quantizer{stride: max(stride, 1)}
}

// Stride returns the sampling step.
func (q *Quantizer) Stride() int { return q.stride }

// Quantize fills every element of in from samples. Output element i reads
// sample min(i*stride, len(samples)-1), so the input length never depends
// on the capture length.
func (q *Quantizer) Quantize(samples []int16, in *classifier.Input) error {
	if len(samples) == 0 {
		return fmt.Errorf("detector: quantize: empty capture")
	}
	last := len(samples) - 1
	switch in.Type {
	case classifier.Int8:
		for i := range in.Int8 {
			in.Int8[i] = int8(samples[min(i*q.stride, last)] >> 8)
		}
	case classifier.Float32:
		for i := range in.Float32 {
			in.Float32[i] = float32(samples[min(i*q.stride, last)]) / 32768
		}
	default:
		return fmt.Errorf("detector: quantize: unsupported input type %v", in.Type)
	}
	return nil
}
