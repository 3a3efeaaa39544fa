// Package detector implements the cough detection pipeline.
//
// A [Pipeline] listens to an [audio.Source] block by block. When a block is
// loud enough the [Trigger] starts a cycle: the [Capturer] fills a
// fixed-size capture, the [Conditioner] gates and normalises it, the
// [Quantizer] downsamples it into the classifier input, the classifier scores
// it and the [DecisionEngine] turns the cough score into a tier. Confirmed,
// non-suppressed events become [alert.Event] values handed to a
// [alert.Dispatcher].
//
// Everything runs on the goroutine calling [Pipeline.Run]. All buffers are
// allocated once by [New] and reused for every cycle.
package detector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/airea/internal/alert"
	"github.com/MrWong99/airea/internal/observe"
	"github.com/MrWong99/airea/pkg/audio"
	"github.com/MrWong99/airea/pkg/provider/classifier"
)

// ErrShapeMismatch is returned by [New] when the classifier's declared shape
// does not fit the configured parameters.
var ErrShapeMismatch = errors.New("detector: classifier shape mismatch")

// Report describes what one [Pipeline.Step] did.
type Report struct {
	Trigger TriggerResult

	// The fields below are only set when Trigger.Action is StartCapture.
	Conditioning Conditioning
	Scores       Scores
	Verdict      Verdict

	// Event is the dispatched alert, or nil.
	Event *alert.Event

	// ClassifierErr is the classifier failure that turned this cycle into
	// an Ignore.
	ClassifierErr error

	// DispatchErr is the alert delivery failure, if any.
	DispatchErr error
}

// Status is a snapshot of the pipeline counters. It is safe to read from
// any goroutine.
type Status struct {
	LastBlock        time.Time
	Cycles           uint64
	Alerts           uint64
	Suppressed       uint64
	ClassifierErrors uint64
}

// Option is a functional option for configuring a Pipeline.
type Option func(*Pipeline)

// WithClock replaces time.Now for trigger and decision timing.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the base logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithDeviceID sets the device ID stamped on alerts and log lines.
func WithDeviceID(id string) Option {
	return func(p *Pipeline) { p.deviceID = id }
}

// WithEventType sets the event type stamped on alerts. Defaults to
// [alert.DefaultEventType].
func WithEventType(t string) Option {
	return func(p *Pipeline) { p.eventType = t }
}

// Pipeline owns the detection state and buffers.
type Pipeline struct {
	params     Params
	src        audio.Source
	clf        classifier.Classifier
	shape      classifier.Shape
	dispatcher alert.Dispatcher

	block  []int16
	buf    *SampleBuffer
	input  *classifier.Input
	scores [classifier.OutputClasses]float64 // dequantized output, reused every cycle

	trigger     *Trigger
	capturer    *Capturer
	conditioner *Conditioner
	quantizer   *Quantizer
	decisions   *DecisionEngine

	now       func() time.Time
	metrics   *observe.Metrics
	logger    *slog.Logger
	deviceID  string
	eventType string

	lastDropped uint64

	lastBlock        atomic.Int64
	cycles           atomic.Uint64
	alerts           atomic.Uint64
	suppressed       atomic.Uint64
	classifierErrors atomic.Uint64
}

// New validates params against the source format and the classifier shape
// and allocates all buffers. A nil dispatcher discards alerts.
func New(params Params, src audio.Source, clf classifier.Classifier, dispatcher alert.Dispatcher, opts ...Option) (*Pipeline, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if src == nil || clf == nil {
		return nil, errors.New("detector: source and classifier are required")
	}

	format := src.Format()
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("detector: source: %w", err)
	}
	if format.SampleRate != params.SampleRate {
		return nil, fmt.Errorf("detector: source delivers %d Hz, want %d Hz", format.SampleRate, params.SampleRate)
	}

	shape := clf.Shape()
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrShapeMismatch, err)
	}
	if shape.Input.Size != params.InputSize {
		return nil, fmt.Errorf("%w: model input size %d, configured %d", ErrShapeMismatch, shape.Input.Size, params.InputSize)
	}
	if params.InputType != 0 && shape.Input.Type != params.InputType {
		return nil, fmt.Errorf("%w: model input type %v, configured %v", ErrShapeMismatch, shape.Input.Type, params.InputType)
	}

	if dispatcher == nil {
		dispatcher = alert.Nop{}
	}
	block := make([]int16, format.BlockSize)
	p := &Pipeline{
		params:      params,
		src:         src,
		clf:         clf,
		shape:       shape,
		dispatcher:  dispatcher,
		block:       block,
		buf:         NewSampleBuffer(params.Capacity()),
		input:       classifier.NewInput(shape.Input),
		trigger:     NewTrigger(params.TriggerThreshold, params.TriggerRefractory),
		capturer:    NewCapturer(block, params.FlushTimeout),
		conditioner: NewConditioner(params.NoiseGateThreshold, params.AGC),
		quantizer:   NewQuantizer(params.Stride()),
		decisions:   NewDecisionEngine(params.Decision),
		now:         time.Now,
		logger:      slog.Default(),
		eventType:   alert.DefaultEventType,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if p.deviceID != "" {
		p.logger = p.logger.With("device_id", p.deviceID)
	}
	return p, nil
}

// Params returns the validated parameters.
func (p *Pipeline) Params() Params { return p.params }

// Status returns a snapshot of the pipeline counters.
func (p *Pipeline) Status() Status {
	var last time.Time
	if ns := p.lastBlock.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return Status{
		LastBlock:        last,
		Cycles:           p.cycles.Load(),
		Alerts:           p.alerts.Load(),
		Suppressed:       p.suppressed.Load(),
		ClassifierErrors: p.classifierErrors.Load(),
	}
}

// LastBlock returns the wall-clock time the last block was read, or the zero
// time. It backs the audio readiness check.
func (p *Pipeline) LastBlock() time.Time { return p.Status().LastBlock }

// Run listens until ctx is cancelled or the source ends, both of which
// return nil. Any other source error is returned.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("detector listening",
		"format", p.src.Format().String(),
		"capture_samples", p.buf.Cap(),
		"stride", p.quantizer.Stride(),
		"input", fmt.Sprintf("%v[%d]", p.shape.Input.Type, p.shape.Input.Size),
	)
	for {
		_, err := p.Step(ctx)
		if err == nil {
			continue
		}
		switch {
		case ctx.Err() != nil:
			p.logger.Info("detector stopped", "cycles", p.cycles.Load())
			return nil
		case errors.Is(err, io.EOF):
			p.logger.Info("audio source ended", "cycles", p.cycles.Load())
			return nil
		default:
			return err
		}
	}
}

// Step reads one block and, if it triggers, runs a full detection cycle.
func (p *Pipeline) Step(ctx context.Context) (Report, error) {
	n, err := p.src.Read(ctx, p.block)
	if n > 0 {
		p.lastBlock.Store(time.Now().UnixNano())
	}
	if err != nil {
		return Report{}, fmt.Errorf("detector: read: %w", err)
	}
	p.recordDropped(ctx)

	rep := Report{Trigger: p.trigger.Evaluate(p.block[:n], p.now())}
	if rep.Trigger.Action != StartCapture {
		return rep, nil
	}
	return p.cycle(ctx, rep)
}

func (p *Pipeline) cycle(ctx context.Context, rep Report) (Report, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "detector.cycle",
		trace.WithAttributes(attribute.Float64("trigger.level", rep.Trigger.Level)))
	defer span.End()
	log := observe.LoggerFrom(ctx, p.logger)
	defer func() { p.trigger.Cooldown(p.now()) }()

	p.cycles.Add(1)
	p.metrics.Triggers.Add(ctx, 1)
	log.Debug("capture triggered", "level", rep.Trigger.Level)

	if err := p.capturer.Capture(ctx, p.src, p.buf); err != nil {
		return rep, observe.Fail(span, err)
	}
	p.metrics.CaptureDuration.Record(ctx, time.Since(start).Seconds())

	samples := p.buf.Samples()
	rep.Conditioning = p.conditioner.Apply(samples)
	p.metrics.AGCGain.Record(ctx, rep.Conditioning.Gain)
	if err := p.quantizer.Quantize(samples, p.input); err != nil {
		return rep, observe.Fail(span, err)
	}

	scores, err := p.classify(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return rep, fmt.Errorf("detector: classify: %w", ctx.Err())
		}
		p.classifierErrors.Add(1)
		p.metrics.ClassifierErrors.Add(ctx, 1)
		span.RecordError(err)
		log.Warn("classification failed, ignoring capture", "err", err)
		rep.ClassifierErr = err
		rep.Verdict = Verdict{Decision: Ignore}
		p.metrics.RecordDecision(ctx, Ignore.String())
		return rep, nil
	}
	rep.Scores = scores

	now := p.now()
	rep.Verdict = p.decisions.Decide(scores, now)
	p.metrics.RecordDecision(ctx, rep.Verdict.Decision.String())
	span.SetAttributes(
		attribute.String("decision", rep.Verdict.Decision.String()),
		attribute.Float64("confidence", rep.Verdict.Confidence),
		attribute.Float64("agc.gain", rep.Conditioning.Gain),
	)

	attrs := []any{
		"decision", rep.Verdict.Decision.String(),
		"confidence", alert.Round3(rep.Verdict.Confidence),
		"raw_score", alert.Round3(rep.Verdict.RawScore),
		"gain", rep.Conditioning.Gain,
		"peak", rep.Conditioning.Peak,
		"peak_index", rep.Conditioning.PeakIndex,
	}
	switch {
	case rep.Verdict.Suppressed:
		p.suppressed.Add(1)
		p.metrics.AlertsSuppressed.Add(ctx, 1)
		log.Info("cough confirmed, alert suppressed by refractory period", attrs...)
	case rep.Verdict.Alert:
		log.Info("cough confirmed", attrs...)
		ev := alert.NewEvent(p.deviceID, p.eventType, alert.Detection{
			Confidence:    rep.Verdict.Confidence,
			RawScore:      rep.Verdict.RawScore,
			AverageVolume: rep.Conditioning.AverageVolume,
			PeakDecibel:   rep.Conditioning.PeakDBFS(),
			At:            now,
		})
		rep.Event = &ev
		p.alerts.Add(1)
		if err := p.dispatcher.Dispatch(ctx, ev); err != nil {
			rep.DispatchErr = err
			log.Warn("alert dispatch failed", "event_id", ev.EventID, "err", err)
		}
	case rep.Verdict.Decision == PossibleEvent:
		log.Info("possible cough", attrs...)
	default:
		log.Debug("capture ignored", attrs...)
	}

	p.metrics.CycleDuration.Record(ctx, time.Since(start).Seconds())
	return rep, nil
}

func (p *Pipeline) classify(ctx context.Context) (Scores, error) {
	start := time.Now()
	out, err := p.clf.Invoke(ctx, p.input)
	p.metrics.ClassifyDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return Scores{}, err
	}
	raw, err := classifier.Dequantize(p.scores[:], out, p.shape.Output)
	if err != nil {
		return Scores{}, err
	}
	return Scores{Noise: raw[classifier.IndexNoise], Cough: raw[classifier.IndexCough]}, nil
}

// recordDropped publishes samples the source overwrote since the last call.
func (p *Pipeline) recordDropped(ctx context.Context) {
	d, ok := p.src.(interface{ Dropped() uint64 })
	if !ok {
		return
	}
	total := d.Dropped()
	if total > p.lastDropped {
		p.metrics.DroppedSamples.Add(ctx, int64(total-p.lastDropped))
		p.lastDropped = total
	}
}
