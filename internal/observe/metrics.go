// Package observe provides application-wide observability primitives for
// airea: OpenTelemetry metrics, tracing of detection cycles, context-aware
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// scraping by the Prometheus exporter installed by [InitProvider]. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all airea metrics.
const meterName = "github.com/MrWong99/airea"

// Delivery status attribute values.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusDropped = "dropped"
)

// Metrics holds all OpenTelemetry instruments of the detector. All fields
// are safe for concurrent use.
type Metrics struct {
	// --- Stage latency ---

	// CaptureDuration is the time from trigger to a full capture buffer.
	CaptureDuration metric.Float64Histogram

	// ClassifyDuration is the classifier Invoke latency.
	ClassifyDuration metric.Float64Histogram

	// CycleDuration is the time for one complete trigger-to-decision cycle.
	CycleDuration metric.Float64Histogram

	// --- Signal ---

	// AGCGain records the gain factor applied to each capture.
	AGCGain metric.Float64Histogram

	// --- Counters ---

	// Triggers counts capture cycles started by the trigger detector.
	Triggers metric.Int64Counter

	// Decisions counts decision tiers. Attribute: tier.
	Decisions metric.Int64Counter

	// AlertsSuppressed counts confirmed events swallowed by the refractory
	// period.
	AlertsSuppressed metric.Int64Counter

	// AlertDeliveries counts alert sink attempts. Attributes: sink, status.
	AlertDeliveries metric.Int64Counter

	// ClassifierErrors counts failed Invoke calls.
	ClassifierErrors metric.Int64Counter

	// DroppedSamples counts samples the audio ring overwrote before the
	// detector read them.
	DroppedSamples metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, spanning fast model
// calls up to multi-second captures.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 1.5, 2, 5, 10,
}

// gainBuckets cover the AGC range [1, max_gain].
var gainBuckets = []float64{1, 1.5, 2, 4, 8, 16, 24, 32, 40, 64}

// NewMetrics creates a fully initialised [Metrics] struct using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	for _, h := range []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.CaptureDuration, "airea.capture.duration", "Time from trigger to a full capture buffer."},
		{&met.ClassifyDuration, "airea.classify.duration", "Latency of classifier inference."},
		{&met.CycleDuration, "airea.cycle.duration", "Duration of a full detection cycle."},
	} {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	if met.AGCGain, err = m.Float64Histogram("airea.agc.gain",
		metric.WithDescription("Gain factor applied by automatic gain control."),
		metric.WithExplicitBucketBoundaries(gainBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Triggers, err = m.Int64Counter("airea.triggers",
		metric.WithDescription("Capture cycles started by the trigger detector."),
	); err != nil {
		return nil, err
	}
	if met.Decisions, err = m.Int64Counter("airea.decisions",
		metric.WithDescription("Decisions by tier."),
	); err != nil {
		return nil, err
	}
	if met.AlertsSuppressed, err = m.Int64Counter("airea.alerts.suppressed",
		metric.WithDescription("Confirmed events suppressed by the refractory period."),
	); err != nil {
		return nil, err
	}
	if met.AlertDeliveries, err = m.Int64Counter("airea.alert.deliveries",
		metric.WithDescription("Alert delivery attempts by sink and status."),
	); err != nil {
		return nil, err
	}
	if met.ClassifierErrors, err = m.Int64Counter("airea.classifier.errors",
		metric.WithDescription("Failed classifier invocations."),
	); err != nil {
		return nil, err
	}
	if met.DroppedSamples, err = m.Int64Counter("airea.audio.dropped_samples",
		metric.WithDescription("Audio samples overwritten before the detector read them."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("airea.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordDecision increments the decision counter for tier.
func (m *Metrics) RecordDecision(ctx context.Context, tier string) {
	m.Decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordAlertDelivery increments the delivery counter for sink and status.
func (m *Metrics) RecordAlertDelivery(ctx context.Context, sink, status string) {
	m.AlertDeliveries.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("sink", sink),
			attribute.String("status", status),
		),
	)
}
