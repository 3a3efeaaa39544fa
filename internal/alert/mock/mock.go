// Package mock provides a recording alert sink for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/airea/internal/alert"
)

var _ alert.Sink = (*Sink)(nil)

// Sink records every dispatched event. The zero value is not usable; call
// [New].
type Sink struct {
	mu     sync.Mutex
	name   string
	events []alert.Event

	// DispatchErr is returned by Dispatch when non-nil. The event is still
	// recorded.
	DispatchErr error

	// PingErr is returned by Ping.
	PingErr error

	// CloseCalls counts Close invocations.
	CloseCalls int

	// Delivered, when non-nil, receives each event after it is recorded.
	Delivered chan alert.Event
}

// New creates a Sink named name.
func New(name string) *Sink {
	return &Sink{name: name}
}

// Name implements alert.Sink.
func (s *Sink) Name() string { return s.name }

// Dispatch implements alert.Dispatcher.
func (s *Sink) Dispatch(_ context.Context, ev alert.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	err := s.DispatchErr
	ch := s.Delivered
	s.mu.Unlock()
	if ch != nil {
		ch <- ev
	}
	return err
}

// SetErr changes the error returned by subsequent Dispatch calls.
func (s *Sink) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DispatchErr = err
}

// Ping returns PingErr.
func (s *Sink) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingErr
}

// Close implements alert.Sink.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	return nil
}

// Events returns a copy of the recorded events.
func (s *Sink) Events() []alert.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alert.Event(nil), s.events...)
}
