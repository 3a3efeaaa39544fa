// Package mock provides a scripted implementation of [audio.Source] for use in
// unit tests.
//
// The Source replays a list of Steps, one per Read call, and records every
// call so tests can assert on how the detector consumed audio.
//
// Typical usage:
//
//	src := &mock.Source{
//	    FormatResult: audio.Format{SampleRate: 16000, Channels: 1, BlockSize: 512},
//	    Steps: []mock.Step{
//	        {Starve: true},               // nothing pending for the flush read
//	        mock.Constant(512, 1000),     // loud block
//	    },
//	}
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/airea/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

// Step scripts the result of one Read call.
type Step struct {
	// Samples are copied into the caller's block (truncated to its length).
	Samples []int16

	// Err is returned alongside the samples.
	Err error

	// Starve makes Read block until the context ends and return ctx.Err(),
	// modelling a peripheral with no data ready.
	Starve bool
}

// Constant returns a Step of n samples all equal to v.
func Constant(n int, v int16) Step {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return Step{Samples: s}
}

// Alternating returns a Step of n samples alternating between +v and -v.
func Alternating(n int, v int16) Step {
	s := make([]int16, n)
	for i := range s {
		if i%2 == 0 {
			s[i] = v
		} else {
			s[i] = -v
		}
	}
	return Step{Samples: s}
}

// Source is a mock implementation of [audio.Source]. Once all Steps are
// consumed, Read returns io.EOF.
type Source struct {
	mu sync.Mutex

	// FormatResult is returned by Format.
	FormatResult audio.Format

	// Steps are replayed in order, one per Read.
	Steps []Step

	// CloseErr is returned by Close.
	CloseErr error

	// ReadCalls counts Read invocations.
	ReadCalls int

	// StarvedReads counts Read invocations that returned because the context
	// ended.
	StarvedReads int

	// Closed reports whether Close was called.
	Closed bool

	pos int
}

// Format implements [audio.Source].
func (s *Source) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FormatResult
}

// Read implements [audio.Source].
func (s *Source) Read(ctx context.Context, block []int16) (int, error) {
	s.mu.Lock()
	s.ReadCalls++
	if s.Closed {
		s.mu.Unlock()
		return 0, audio.ErrClosed
	}
	if s.pos >= len(s.Steps) {
		s.mu.Unlock()
		return 0, io.EOF
	}
	step := s.Steps[s.pos]
	s.pos++
	if step.Starve {
		s.StarvedReads++
		s.mu.Unlock()
		<-ctx.Done()
		return 0, ctx.Err()
	}
	s.mu.Unlock()

	n := copy(block, step.Samples)
	return n, step.Err
}

// Close implements [audio.Source].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return s.CloseErr
}

// Append adds steps to the script. Thread-safe.
func (s *Source) Append(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Steps = append(s.Steps, steps...)
}

// Remaining returns the number of unconsumed steps.
func (s *Source) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Steps) - s.pos
}
