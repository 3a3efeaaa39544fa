// Package ring provides an audio.Source backed by a byte ring buffer, the
// in-process equivalent of a microphone driver's DMA buffers. A producer
// goroutine pushes PCM into the ring; the detector reads fixed-size blocks
// out of it.
//
// By default the ring behaves like a DMA buffer: when it is full, the oldest
// samples are overwritten. With WithBackpressure the producer blocks instead,
// which suits finite inputs such as recorded files.
package ring

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/smallnest/ringbuffer"

	"github.com/MrWong99/airea/pkg/audio"
)

// DefaultBlocks is the ring capacity in blocks when none is configured.
const DefaultBlocks = 8

var _ audio.Source = (*Source)(nil)

// Option configures a Source.
type Option func(*Source)

// WithBlocks sets the ring capacity in blocks. Values below 2 are raised to 2.
func WithBlocks(n int) Option {
	return func(s *Source) { s.blocks = n }
}

// WithBackpressure makes Write block while the ring is full instead of
// discarding the oldest samples.
func WithBackpressure() Option {
	return func(s *Source) { s.backpressure = true }
}

// Source is a ring-buffered audio.Source. Write and Push are safe to call from
// any goroutine; Read must be called from a single consumer.
type Source struct {
	format       audio.Format
	blocks       int
	backpressure bool

	mu      sync.Mutex
	rb      *ringbuffer.RingBuffer
	carry   []byte // odd trailing byte from the last Write
	scratch []byte
	discard []byte
	eof     bool
	termErr error // returned instead of io.EOF once drained

	dataReady chan struct{}
	spaceFree chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	dropped atomic.Uint64
}

// New creates a ring Source for the given format.
func New(format audio.Format, opts ...Option) (*Source, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("ring: %w", err)
	}
	s := &Source{
		format:    format,
		blocks:    DefaultBlocks,
		dataReady: make(chan struct{}, 1),
		spaceFree: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.blocks = max(s.blocks, 2)
	blockBytes := format.BlockSize * 2
	s.rb = ringbuffer.New(s.blocks * blockBytes).SetBlocking(false)
	s.scratch = make([]byte, blockBytes)
	s.discard = make([]byte, blockBytes)
	s.carry = make([]byte, 0, 1)
	return s, nil
}

// Format implements audio.Source.
func (s *Source) Format() audio.Format { return s.format }

// Push writes samples into the ring.
func (s *Source) Push(samples []int16) error {
	buf := make([]byte, len(samples)*2)
	audio.EncodePCM16(buf, samples)
	_, err := s.Write(buf)
	return err
}

// Write implements io.Writer for raw little-endian int16 PCM. Odd-length
// writes are supported; the trailing byte is held until the next Write.
func (s *Source) Write(p []byte) (int, error) {
	written := len(p)
	s.mu.Lock()
	if s.eof {
		s.mu.Unlock()
		return 0, audio.ErrClosed
	}
	if len(s.carry) == 1 && len(p) > 0 {
		pair := []byte{s.carry[0], p[0]}
		s.carry = s.carry[:0]
		p = p[1:]
		s.mu.Unlock()
		if err := s.writeAligned(pair); err != nil {
			return 0, err
		}
		s.mu.Lock()
	}
	if len(p)%2 == 1 {
		s.carry = append(s.carry[:0], p[len(p)-1])
		p = p[:len(p)-1]
	}
	s.mu.Unlock()

	if err := s.writeAligned(p); err != nil {
		return 0, err
	}
	return written, nil
}

// writeAligned writes an even number of bytes into the ring.
func (s *Source) writeAligned(p []byte) error {
	for len(p) > 0 {
		s.mu.Lock()
		if s.eof {
			s.mu.Unlock()
			return audio.ErrClosed
		}
		capacity := s.rb.Capacity()
		if !s.backpressure {
			if len(p) > capacity {
				skipped := len(p) - capacity
				s.dropped.Add(uint64(skipped / 2))
				p = p[skipped:]
			}
			s.evictLocked(len(p) - s.rb.Free())
		}
		chunk := min(len(p), s.rb.Free()&^1)
		if chunk > 0 {
			n, err := s.rb.Write(p[:chunk])
			if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
				s.mu.Unlock()
				return fmt.Errorf("ring: write: %w", err)
			}
			p = p[n:]
			signal(s.dataReady)
		}
		s.mu.Unlock()

		if len(p) == 0 {
			return nil
		}
		select {
		case <-s.spaceFree:
		case <-s.done:
			return audio.ErrClosed
		}
	}
	return nil
}

// evictLocked discards at least n of the oldest bytes, rounded up to whole
// samples.
func (s *Source) evictLocked(n int) {
	if n <= 0 {
		return
	}
	n += n & 1
	for n > 0 && !s.rb.IsEmpty() {
		k, err := s.rb.Read(s.discard[:min(n, len(s.discard))])
		if err != nil || k == 0 {
			return
		}
		s.dropped.Add(uint64(k / 2))
		n -= k
	}
}

// Read implements audio.Source.
func (s *Source) Read(ctx context.Context, block []int16) (int, error) {
	want := len(block) * 2
	if want > len(s.scratch) {
		s.scratch = make([]byte, want)
	}
	for {
		select {
		case <-s.done:
			return 0, audio.ErrClosed
		default:
		}

		s.mu.Lock()
		buffered := s.rb.Length() &^ 1
		if buffered >= want {
			n := s.readLocked(block, want)
			s.mu.Unlock()
			return n, nil
		}
		if s.eof {
			n := s.readLocked(block, buffered)
			err := s.termErr
			s.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return n, err
		}
		s.mu.Unlock()

		select {
		case <-s.dataReady:
		case <-s.done:
			return 0, audio.ErrClosed
		case <-ctx.Done():
			s.mu.Lock()
			n := s.readLocked(block, min(want, s.rb.Length()&^1))
			s.mu.Unlock()
			return n, ctx.Err()
		}
	}
}

// readLocked moves nbytes (even) from the ring into block.
func (s *Source) readLocked(block []int16, nbytes int) int {
	if nbytes <= 0 {
		return 0
	}
	k, err := s.rb.Read(s.scratch[:nbytes])
	if err != nil && k == 0 {
		return 0
	}
	signal(s.spaceFree)
	return audio.DecodePCM16(block, s.scratch[:k])
}

// CloseWrite marks the end of the stream. Buffered samples remain readable;
// once drained, Read returns io.EOF.
func (s *Source) CloseWrite() { s.CloseWithError(nil) }

// CloseWithError is CloseWrite for a stream that failed: once the buffer is
// drained, Read returns err instead of io.EOF. A nil err behaves like
// CloseWrite. Only the first call takes effect.
func (s *Source) CloseWithError(err error) {
	s.mu.Lock()
	if !s.eof {
		s.eof = true
		s.termErr = err
	}
	s.mu.Unlock()
	signal(s.dataReady)
	signal(s.spaceFree)
}

// Close implements audio.Source. It is safe to call more than once.
func (s *Source) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Buffered returns the number of samples waiting to be read.
func (s *Source) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rb.Length() / 2
}

// Dropped returns the number of samples overwritten because the consumer fell
// behind.
func (s *Source) Dropped() uint64 { return s.dropped.Load() }

// Reset discards all buffered samples.
func (s *Source) Reset() {
	s.mu.Lock()
	s.rb.Reset()
	s.carry = s.carry[:0]
	s.mu.Unlock()
	signal(s.spaceFree)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
