package alert

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/airea/internal/observe"
)

// ErrQueueFull is returned by [Queue.Dispatch] when the queue has no room for
// another event. The event is dropped.
var ErrQueueFull = errors.New("alert: queue full")

// ErrQueueClosed is returned by [Queue.Dispatch] after [Queue.Close].
var ErrQueueClosed = errors.New("alert: queue closed")

const (
	defaultQueueSize    = 16
	defaultDrainTimeout = 5 * time.Second
)

// Queue decouples alert delivery from the detection loop. Dispatch enqueues
// without blocking; a single worker delivers events in order to the wrapped
// Dispatcher.
//
// All methods are safe for concurrent use.
type Queue struct {
	next         Dispatcher
	events       chan Event
	metrics      *observe.Metrics
	drainTimeout time.Duration

	mu       sync.RWMutex
	closed   bool
	started  bool
	done     chan struct{}
	stopOnce sync.Once
}

// QueueOption configures a [Queue].
type QueueOption func(*Queue)

// WithQueueSize sets the buffer capacity. Values below 1 are ignored.
func WithQueueSize(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.events = make(chan Event, n)
		}
	}
}

// WithQueueMetrics records dropped events on m.
func WithQueueMetrics(m *observe.Metrics) QueueOption {
	return func(q *Queue) { q.metrics = m }
}

// WithDrainTimeout bounds how long buffered events are still delivered after
// the worker's context is cancelled.
func WithDrainTimeout(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.drainTimeout = d
		}
	}
}

// NewQueue creates a Queue delivering to next. Call [Queue.Start] to begin
// delivery.
func NewQueue(next Dispatcher, opts ...QueueOption) *Queue {
	q := &Queue{
		next:         next,
		events:       make(chan Event, defaultQueueSize),
		drainTimeout: defaultDrainTimeout,
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Start launches the delivery worker. It stops when ctx is cancelled or
// Close is called.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	go q.loop(ctx)
}

// Dispatch enqueues ev. It never blocks.
func (q *Queue) Dispatch(ctx context.Context, ev Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.events <- ev:
		return nil
	default:
		if q.metrics != nil {
			q.metrics.RecordAlertDelivery(ctx, "queue", observe.StatusDropped)
		}
		return ErrQueueFull
	}
}

// Len reports the number of buffered events.
func (q *Queue) Len() int { return len(q.events) }

// Close stops accepting events and waits for the worker to deliver what is
// buffered. Safe to call multiple times.
func (q *Queue) Close() error {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.events)
		if !q.started {
			close(q.done)
		}
		q.mu.Unlock()
	})
	<-q.done
	return nil
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case ev, ok := <-q.events:
			if !ok {
				return
			}
			q.deliver(ctx, ev)
		case <-ctx.Done():
			q.drain()
			return
		}
	}
}

// drain delivers remaining events with a fresh context once the worker's
// context is gone.
func (q *Queue) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), q.drainTimeout)
	defer cancel()
	for {
		select {
		case ev, ok := <-q.events:
			if !ok {
				return
			}
			q.deliver(ctx, ev)
		default:
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (q *Queue) deliver(ctx context.Context, ev Event) {
	if err := q.next.Dispatch(ctx, ev); err != nil {
		slog.Warn("alert delivery failed", "event_id", ev.EventID, "device_id", ev.DeviceID, "err", err)
	}
}
