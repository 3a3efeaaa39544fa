// Package app wires the detector subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the detection loop and the HTTP server, and
// Shutdown tears everything down in order.
//
// For testing, pass mock providers and inject the clock, metrics or history
// via functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/airea/internal/alert"
	"github.com/MrWong99/airea/internal/alert/wshub"
	"github.com/MrWong99/airea/internal/config"
	"github.com/MrWong99/airea/internal/detector"
	"github.com/MrWong99/airea/internal/observe"
	"github.com/MrWong99/airea/internal/resilience"
	"github.com/MrWong99/airea/pkg/audio"
	"github.com/MrWong99/airea/pkg/provider/classifier"
)

// serverShutdownTimeout bounds the graceful HTTP shutdown at the end of Run.
const serverShutdownTimeout = 5 * time.Second

// Providers holds the external collaborators built from the config registry.
type Providers struct {
	Source     audio.Source
	Classifier classifier.Classifier

	// Sinks are keyed by [config.SinkConfig.Key].
	Sinks map[string]alert.Sink
}

// Close releases every provider. It is used when startup fails before an
// [App] takes ownership.
func (p *Providers) Close() error {
	var errs []error
	if p.Source != nil {
		if err := p.Source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("source: %w", err))
		}
	}
	if c, ok := p.Classifier.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("classifier: %w", err))
		}
	}
	for name, s := range p.Sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	logger         *slog.Logger
	clock          func() time.Time
	metricsHandler http.Handler

	// Subsystems, initialised in New and torn down in Shutdown.
	pipeline   *detector.Pipeline
	fanout     *alert.Fanout
	queue      *alert.Queue
	dispatcher alert.Dispatcher
	hub        *wshub.Hub
	history    History
	handler    http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the base logger. Default: slog.Default with the device ID.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

// WithClock replaces time.Now for detector decisions.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.clock = now }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithHistory serves event history and statistics from h instead of a
// configured postgres sink.
func WithHistory(h History) Option {
	return func(a *App) { a.history = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from main.go (populated via the config registry). The App takes ownership
// of them only if New succeeds.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.logger == nil {
		a.logger = slog.Default().With("device", cfg.Device.ID)
	}

	// ── 1. Detector parameters ───────────────────────────────────────────
	params, err := cfg.Params()
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	// ── 2. Alert delivery ────────────────────────────────────────────────
	if err := a.initAlerts(); err != nil {
		return nil, fmt.Errorf("app: init alerts: %w", err)
	}

	// ── 3. Detection pipeline ────────────────────────────────────────────
	popts := []detector.Option{
		detector.WithMetrics(a.metrics),
		detector.WithLogger(a.logger),
		detector.WithDeviceID(cfg.Device.ID),
		detector.WithEventType(cfg.Alerts.EventType),
	}
	if a.clock != nil {
		popts = append(popts, detector.WithClock(a.clock))
	}
	a.pipeline, err = detector.New(params, providers.Source, providers.Classifier, a.dispatcher, popts...)
	if err != nil {
		return nil, fmt.Errorf("app: init detector: %w", err)
	}

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.handler = a.routes()

	// Audio first so the detector sees end of stream, then drain queued
	// alerts before the sinks go away.
	a.closers = append(a.closers, providers.Source.Close)
	if a.queue != nil {
		a.closers = append(a.closers, a.queue.Close)
	}
	a.closers = append(a.closers, a.fanout.Close)
	if c, ok := providers.Classifier.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	a.logger.InfoContext(ctx, "detector initialised",
		"format", providers.Source.Format().String(),
		"capture_samples", params.Capacity(),
		"stride", params.Stride(),
		"sinks", a.fanout.Len(),
		"async", a.queue != nil,
	)
	return a, nil
}

// initAlerts builds one fallback chain per root sink, fans out across the
// chains and optionally decouples delivery with a queue.
func (a *App) initAlerts() error {
	al := a.cfg.Alerts
	fbCfg := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  al.CircuitBreaker.MaxFailures,
		ResetTimeout: al.CircuitBreaker.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			a.logger.Warn("alert sink breaker changed state", "sink", name, "from", from.String(), "to", to.String())
		},
	}}

	var roots []alert.Sink
	for _, chain := range al.Chains() {
		members := make([]alert.Sink, 0, len(chain))
		for _, sc := range chain {
			s, ok := a.providers.Sinks[sc.Key()]
			if !ok {
				return fmt.Errorf("sink %q was not built", sc.Key())
			}
			members = append(members, s)
		}
		if len(members) == 1 {
			roots = append(roots, members[0])
			continue
		}
		roots = append(roots, alert.NewChain(fbCfg, members[0], members[1:]...))
	}

	for _, s := range a.providers.Sinks {
		switch v := s.(type) {
		case *wshub.Hub:
			a.hub = v
		case History:
			if a.history == nil {
				a.history = v
			}
		}
	}

	a.fanout = alert.NewFanout(a.metrics, roots...)
	a.dispatcher = a.fanout
	if al.Async {
		a.queue = alert.NewQueue(a.fanout,
			alert.WithQueueSize(al.QueueSize),
			alert.WithQueueMetrics(a.metrics),
		)
		a.dispatcher = a.queue
	}
	return nil
}

// Pipeline returns the detection pipeline.
func (a *App) Pipeline() *detector.Pipeline { return a.pipeline }

// Handler returns the HTTP handler served on server.listen_addr.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the alert queue, the detection loop and, if configured, the
// HTTP server. It returns when ctx is cancelled, the audio stream ends or a
// component fails; a clean stop returns nil.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	var ln net.Listener
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		var err error
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", addr, err)
		}
		a.logger.Info("http server listening", "addr", ln.Addr().String())
	}

	if a.queue != nil {
		a.queue.Start(runCtx)
	}

	g.Go(func() error {
		defer cancel()
		if err := a.pipeline.Run(runCtx); err != nil {
			return fmt.Errorf("app: detector: %w", err)
		}
		a.logger.Info("detector stopped", "cycles", a.pipeline.Status().Cycles)
		return nil
	})

	if ln != nil {
		srv := &http.Server{
			Handler:           a.handler,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return runCtx },
		}
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-runCtx.Done()
			sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdownTimeout)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.logger.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil && !errors.Is(err, audio.ErrClosed) {
				a.logger.Warn("closer error", "index", i, "err", err)
			}
		}

		st := a.pipeline.Status()
		a.logger.Info("shutdown complete",
			"cycles", st.Cycles,
			"alerts", st.Alerts,
			"suppressed", st.Suppressed,
			"classifier_errors", st.ClassifierErrors,
		)
	})
	return shutdownErr
}
