package detector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/MrWong99/airea/pkg/audio"
)

// maxEmptyReads is how many consecutive zero-sample reads a capture
// tolerates before giving up on the source.
const maxEmptyReads = 100

// Capturer fills a SampleBuffer from an audio source.
type Capturer struct {
	flushTimeout time.Duration
	block        []int16
}

// NewCapturer creates a Capturer reading through block, which is reused for
// every read.
func NewCapturer(block []int16, flushTimeout time.Duration) *Capturer {
	return &Capturer{flushTimeout: flushTimeout, block: block}
}

// Capture resets buf, discards stale audio with one short flush read, then
// reads until buf is full. It returns early only on a source error or when
// ctx ends.
func (c *Capturer) Capture(ctx context.Context, src audio.Source, buf *SampleBuffer) error {
	buf.Reset()
	if err := c.flush(ctx, src); err != nil {
		return err
	}

	empty := 0
	for !buf.Full() {
		n, err := src.Read(ctx, c.block)
		buf.Append(c.block[:n])
		if buf.Full() {
			return nil
		}
		if err != nil {
			return fmt.Errorf("detector: capture: %w", err)
		}
		if n == 0 {
			if empty++; empty >= maxEmptyReads {
				return fmt.Errorf("detector: capture: %w", io.ErrNoProgress)
			}
			continue
		}
		empty = 0
	}
	return nil
}

func (c *Capturer) flush(ctx context.Context, src audio.Source) error {
	if c.flushTimeout <= 0 {
		return nil
	}
	fctx, cancel := context.WithTimeout(ctx, c.flushTimeout)
	defer cancel()
	_, err := src.Read(fctx, c.block)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return fmt.Errorf("detector: flush: %w", ctx.Err())
	case errors.Is(err, context.DeadlineExceeded):
		return nil
	default:
		return fmt.Errorf("detector: flush: %w", err)
	}
}
