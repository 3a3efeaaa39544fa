// Package mock provides a test double for the classifier.Classifier
// interface.
//
// Classifier returns scripted outputs in order and records a copy of every
// input it receives, so tests can assert on what the detector fed the model.
//
// Example:
//
//	c := mock.New(mock.Int8Shape(12000))
//	c.Outputs = []classifier.Output{mock.Int8Scores(-120, 110)}
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/airea/pkg/provider/classifier"
)

var (
	_ classifier.Classifier = (*Classifier)(nil)
	_ classifier.Pinger     = (*Classifier)(nil)
)

// Int8Shape returns the shape of an int8 model with the given input size and
// output quantization scale 1/255, zero point -128.
func Int8Shape(inputSize int) classifier.Shape {
	return classifier.Shape{
		Input: classifier.Tensor{Size: inputSize, Type: classifier.Int8},
		Output: classifier.Tensor{
			Size:  classifier.OutputClasses,
			Type:  classifier.Int8,
			Quant: classifier.Quantization{Scale: 1.0 / 255, ZeroPoint: -128},
		},
	}
}

// Float32Shape returns the shape of a float32 model with the given input size.
func Float32Shape(inputSize int) classifier.Shape {
	return classifier.Shape{
		Input:  classifier.Tensor{Size: inputSize, Type: classifier.Float32},
		Output: classifier.Tensor{Size: classifier.OutputClasses, Type: classifier.Float32},
	}
}

// Int8Scores builds a raw int8 output.
func Int8Scores(noise, cough int8) classifier.Output {
	return classifier.Output{Int8: []int8{noise, cough}}
}

// Float32Scores builds a raw float32 output.
func Float32Scores(noise, cough float32) classifier.Output {
	return classifier.Output{Float32: []float32{noise, cough}}
}

// Classifier is a mock implementation of classifier.Classifier.
type Classifier struct {
	mu sync.Mutex

	// ShapeResult is returned by Shape.
	ShapeResult classifier.Shape

	// Outputs are returned by successive Invoke calls. When exhausted, the
	// last output is repeated.
	Outputs []classifier.Output

	// InvokeErr, if non-nil, is returned by every Invoke call.
	InvokeErr error

	// PingErr is returned by Ping.
	PingErr error

	// Inputs holds a copy of every input passed to Invoke, in order.
	Inputs []classifier.Input

	calls int
}

// New returns a Classifier with the given shape.
func New(shape classifier.Shape) *Classifier {
	return &Classifier{ShapeResult: shape}
}

// Shape implements classifier.Classifier.
func (c *Classifier) Shape() classifier.Shape {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ShapeResult
}

// Invoke implements classifier.Classifier.
func (c *Classifier) Invoke(ctx context.Context, in *classifier.Input) (classifier.Output, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.Inputs = append(c.Inputs, classifier.Input{
		Type:    in.Type,
		Int8:    append([]int8(nil), in.Int8...),
		Float32: append([]float32(nil), in.Float32...),
	})
	if err := ctx.Err(); err != nil {
		return classifier.Output{}, err
	}
	if c.InvokeErr != nil {
		return classifier.Output{}, c.InvokeErr
	}
	if len(c.Outputs) == 0 {
		return classifier.Output{}, errors.New("mock classifier: no outputs scripted")
	}
	idx := min(c.calls-1, len(c.Outputs)-1)
	return c.Outputs[idx], nil
}

// Ping implements classifier.Pinger.
func (c *Classifier) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.PingErr
}

// Calls returns the number of Invoke calls. Thread-safe.
func (c *Classifier) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
