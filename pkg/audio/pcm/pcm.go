// Package pcm provides an audio.Source that reads raw signed 16-bit
// little-endian PCM from an io.Reader: a file, standard input or a network
// stream from a microphone board.
//
// A background goroutine reads the stream, downmixes and resamples it to the
// detector's format if necessary, and feeds a ring.Source from which the
// detector reads blocks.
package pcm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/airea/pkg/audio"
	"github.com/MrWong99/airea/pkg/audio/ring"
)

const defaultChunkSamples = 512

var _ audio.Source = (*Source)(nil)

// Option configures a Source.
type Option func(*Source)

// WithInputFormat declares the sample rate and channel count of the incoming
// stream when it differs from the detector's format.
func WithInputFormat(sampleRate, channels int) Option {
	return func(s *Source) {
		s.inRate = sampleRate
		s.inChannels = channels
	}
}

// WithRealtime paces reads to the stream's nominal rate. Use it for recorded
// files so that playback takes as long as the recording.
func WithRealtime() Option {
	return func(s *Source) { s.realtime = true }
}

// WithRingBlocks sets the ring capacity in blocks.
func WithRingBlocks(n int) Option {
	return func(s *Source) { s.ringOpts = append(s.ringOpts, ring.WithBlocks(n)) }
}

// WithBackpressure stops reading the input while the ring is full rather than
// dropping the oldest samples.
func WithBackpressure() Option {
	return func(s *Source) { s.ringOpts = append(s.ringOpts, ring.WithBackpressure()) }
}

// Source streams PCM from an io.Reader into a ring buffer.
type Source struct {
	*ring.Source

	r          io.Reader
	closer     io.Closer
	inRate     int
	inChannels int
	realtime   bool
	ringOpts   []ring.Option

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

// New starts streaming from r. If r implements io.Closer it is closed by
// Close.
func New(r io.Reader, format audio.Format, opts ...Option) (*Source, error) {
	s := &Source{
		r:          r,
		inRate:     format.SampleRate,
		inChannels: format.Channels,
		done:       make(chan struct{}),
	}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	for _, o := range opts {
		o(s)
	}
	if s.inRate <= 0 || s.inChannels <= 0 {
		return nil, fmt.Errorf("pcm: invalid input format %dHz/%dch", s.inRate, s.inChannels)
	}
	rs, err := ring.New(format, s.ringOpts...)
	if err != nil {
		return nil, fmt.Errorf("pcm: %w", err)
	}
	s.Source = rs

	go s.pump()
	return s, nil
}

// Open opens the PCM stream at path. "-" selects standard input.
func Open(path string, format audio.Format, opts ...Option) (*Source, error) {
	if path == "-" {
		return New(io.NopCloser(os.Stdin), format, opts...)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pcm: open %q: %w", path, err)
	}
	s, err := New(f, format, opts...)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

// Dial connects to a PCM stream served at address on the given network
// ("tcp", "unix").
func Dial(ctx context.Context, network, address string, format audio.Format, opts ...Option) (*Source, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("pcm: dial %s %s: %w", network, address, err)
	}
	s, err := New(conn, format, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// pump copies the input into the ring until EOF, an error or Close. A failed
// input ends the ring with that error, so the consumer sees it rather than a
// clean end of stream.
func (s *Source) pump() {
	defer close(s.done)
	err := s.copyInput()
	if err != nil {
		slog.Warn("pcm: input failed", "err", err)
		s.setErr(err)
	}
	s.CloseWithError(err)
}

// copyInput returns nil when the input ended normally or was closed.
func (s *Source) copyInput() error {
	chunkBytes := defaultChunkSamples * 2 * s.inChannels
	buf := make([]byte, chunkBytes)
	samples := make([]int16, defaultChunkSamples*s.inChannels)
	fill := 0

	var tick *time.Ticker
	if s.realtime {
		period := time.Duration(defaultChunkSamples) * time.Second / time.Duration(s.inRate)
		tick = time.NewTicker(period)
		defer tick.Stop()
	}

	for {
		n, err := s.r.Read(buf[fill:])
		fill += n
		frameBytes := 2 * s.inChannels
		if usable := fill - fill%frameBytes; usable > 0 && (fill == len(buf) || err != nil || !s.realtime) {
			if werr := s.forward(buf[:usable], samples); werr != nil {
				if errors.Is(werr, audio.ErrClosed) {
					return nil
				}
				return werr
			}
			fill = copy(buf, buf[usable:fill])
			if tick != nil {
				<-tick.C
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrClosed):
			return nil
		default:
			return fmt.Errorf("pcm: read: %w", err)
		}
	}
}

// forward converts one chunk to the detector format and writes it to the ring.
func (s *Source) forward(raw []byte, scratch []int16) error {
	n := audio.DecodePCM16(scratch, raw)
	mono := audio.DownmixToMono(scratch[:n], s.inChannels)
	mono = audio.ResampleMono16(mono, s.inRate, s.Format().SampleRate)
	return s.Push(mono)
}

func (s *Source) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Err returns the first input error encountered by the stream, if any. Read
// returns the same error once the buffered audio is drained.
func (s *Source) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Done is closed once the input stream has ended.
func (s *Source) Done() <-chan struct{} { return s.done }

// Close stops streaming and releases the underlying reader.
func (s *Source) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.Source.Close()
		if s.closer != nil {
			err = s.closer.Close()
		}
	})
	return err
}
