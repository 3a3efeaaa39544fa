// Package audio defines the capture-side audio abstractions used by the
// detector: the stream Format, the blocking Source interface and a handful of
// 16-bit PCM helpers.
//
// A Source models a microphone peripheral that fills fixed-size blocks of
// signed 16-bit mono samples. Producers (DMA-style ring buffers, PCM streams,
// test scripts) live in the sub-packages ring, pcm and mock.
package audio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by Source.Read after the source has been closed.
var ErrClosed = errors.New("audio: source closed")

// Block is one transfer unit of signed 16-bit PCM samples.
type Block = []int16

// Format describes the audio delivered by a Source.
type Format struct {
	// SampleRate in Hz (16000 for the cough classifier).
	SampleRate int

	// Channels must be 1; the detector only processes mono audio.
	Channels int

	// BlockSize is the number of samples per Read.
	BlockSize int
}

// Validate reports whether f describes a usable mono stream.
func (f Format) Validate() error {
	var errs []error
	if f.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio: sample rate must be positive, got %d", f.SampleRate))
	}
	if f.Channels != 1 {
		errs = append(errs, fmt.Errorf("audio: only mono audio is supported, got %d channels", f.Channels))
	}
	if f.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("audio: block size must be positive, got %d", f.BlockSize))
	}
	return errors.Join(errs...)
}

// BlockDuration returns the wall-clock length of one block.
func (f Format) BlockDuration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.BlockSize) * time.Second / time.Duration(f.SampleRate)
}

// String returns a human-readable description, e.g. "16000Hz mono/512".
func (f Format) String() string {
	return fmt.Sprintf("%s/%d", formatString(f.SampleRate, f.Channels), f.BlockSize)
}

// Source is a blocking producer of PCM blocks.
//
// Read fills block with up to len(block) samples and returns the number
// written. It blocks until len(block) samples are available. If ctx ends
// first, Read returns whatever samples it could deliver immediately together
// with ctx.Err(). At end of stream Read returns the remaining samples and
// io.EOF; after Close it returns ErrClosed.
//
// Read is called from a single goroutine; Close may be called concurrently.
type Source interface {
	Format() Format
	Read(ctx context.Context, block []int16) (int, error)
	Close() error
}
