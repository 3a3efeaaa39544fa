package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/airea/internal/observe"
	"github.com/MrWong99/airea/internal/resilience"
)

// Dispatcher delivers an alert event.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event) error
}

// Sink is a named, closable Dispatcher backed by an external transport.
type Sink interface {
	Dispatcher
	Name() string
	Close() error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, ev Event) error

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Nop discards every event.
type Nop struct{}

// Dispatch implements Dispatcher.
func (Nop) Dispatch(context.Context, Event) error { return nil }

// Fanout delivers each event to every dispatcher in order and records one
// delivery metric per sink.
type Fanout struct {
	targets []namedDispatcher
	metrics *observe.Metrics
}

type namedDispatcher struct {
	name string
	d    Dispatcher
}

// NewFanout creates a Fanout over sinks. metrics may be nil.
func NewFanout(metrics *observe.Metrics, sinks ...Sink) *Fanout {
	f := &Fanout{metrics: metrics}
	for _, s := range sinks {
		f.targets = append(f.targets, namedDispatcher{name: s.Name(), d: s})
	}
	return f
}

// Len returns the number of targets.
func (f *Fanout) Len() int { return len(f.targets) }

// Sinks returns the targets that are Sinks, in delivery order.
func (f *Fanout) Sinks() []Sink {
	var out []Sink
	for _, t := range f.targets {
		if s, ok := t.d.(Sink); ok {
			out = append(out, s)
		}
	}
	return out
}

// Dispatch implements Dispatcher. Every target is attempted even if an
// earlier one fails; the returned error joins all failures.
func (f *Fanout) Dispatch(ctx context.Context, ev Event) error {
	var errs []error
	for _, t := range f.targets {
		err := t.d.Dispatch(ctx, ev)
		status := observe.StatusOK
		if err != nil {
			status = observe.StatusError
			errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
		}
		if f.metrics != nil {
			f.metrics.RecordAlertDelivery(ctx, t.name, status)
		}
	}
	return errors.Join(errs...)
}

// Close closes every target that is a Sink.
func (f *Fanout) Close() error {
	var errs []error
	for _, t := range f.targets {
		if s, ok := t.d.(Sink); ok {
			if err := s.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Chain is a Sink that delivers to the first healthy sink of a primary and
// its fallbacks, each guarded by a circuit breaker.
type Chain struct {
	group *resilience.FallbackGroup[Sink]
	name  string
}

var _ Sink = (*Chain)(nil)

// NewChain guards primary with a circuit breaker and registers fallbacks in
// order. The chain is named after the primary.
func NewChain(cfg resilience.FallbackConfig, primary Sink, fallbacks ...Sink) *Chain {
	g := resilience.NewFallbackGroup(primary, primary.Name(), cfg)
	for _, fb := range fallbacks {
		g.AddFallback(fb.Name(), fb)
	}
	return &Chain{group: g, name: primary.Name()}
}

// Name implements Sink.
func (c *Chain) Name() string { return c.name }

// Dispatch implements Dispatcher.
func (c *Chain) Dispatch(ctx context.Context, ev Event) error {
	served, err := c.group.Execute(func(s Sink) error { return s.Dispatch(ctx, ev) })
	if err != nil {
		return err
	}
	if served != c.name {
		slog.Info("alert delivered by fallback sink", "primary", c.name, "sink", served, "event_id", ev.EventID)
	}
	return nil
}

// Breaker exposes the breaker of the named member, or nil.
func (c *Chain) Breaker(name string) *resilience.CircuitBreaker {
	return c.group.Breaker(name)
}

// Ping implements health.Pinger when at least one member can be pinged. It
// succeeds if any pingable member answers.
func (c *Chain) Ping(ctx context.Context) error {
	var errs []error
	for _, s := range c.group.Values() {
		p, ok := s.(interface{ Ping(context.Context) error })
		if !ok {
			continue
		}
		err := p.Ping(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	return errors.Join(errs...)
}

// Close closes every member.
func (c *Chain) Close() error {
	var errs []error
	for _, s := range c.group.Values() {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
