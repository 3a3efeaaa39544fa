// Package classifier defines the Classifier interface for audio event models.
//
// A classifier wraps a fixed-shape neural network that receives a quantized
// audio window and returns two scores: background noise and cough. The model
// may run in-process, on an accelerator or behind an inference server; the
// detector only relies on the declared Shape and on Invoke.
//
// Implementations must declare their Shape up front. The detector validates it
// once at startup and treats a mismatch as fatal, so Invoke never has to
// handle shape errors at run time.
package classifier

import "context"

// OutputClasses is the number of scores a cough classifier produces.
const OutputClasses = 2

// Indices into the output tensor.
const (
	IndexNoise = 0
	IndexCough = 1
)

// Classifier runs inference on one quantized audio window.
type Classifier interface {
	// Shape returns the model's tensor layout. It must not change over the
	// lifetime of the classifier.
	Shape() Shape

	// Invoke runs the model on in and returns its raw output. in is owned by
	// the caller and must not be retained after Invoke returns.
	Invoke(ctx context.Context, in *Input) (Output, error)
}

// Pinger is implemented by classifiers that can report their availability.
// It backs the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}
