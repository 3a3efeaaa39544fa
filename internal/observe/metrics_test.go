package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWith returns the value of the int64 sum data point carrying all attrs.
func sumWith(t *testing.T, rm metricdata.ResourceMetrics, name string, attrs map[string]string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
next:
	for _, dp := range sum.DataPoints {
		for k, v := range attrs {
			got, ok := dp.Attributes.Value(attribute.Key(k))
			if !ok || got.AsString() != v {
				continue next
			}
		}
		return dp.Value
	}
	t.Fatalf("metric %q has no data point with %v", name, attrs)
	return 0
}

func TestHistogramObservation(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"airea.capture.duration", m.CaptureDuration},
		{"airea.classify.duration", m.ClassifyDuration},
		{"airea.cycle.duration", m.CycleDuration},
		{"airea.agc.gain", m.AGCGain},
	}
	for _, tc := range histograms {
		tc.h.Record(ctx, 1.5)
		tc.h.Record(ctx, 0.02)
	}

	rm := collect(t, reader)
	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 2 {
				t.Errorf("metric %q: unexpected data points %+v", tc.name, hist.DataPoints)
			}
		})
	}
}

func TestRecordDecision(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDecision(ctx, "confirmed")
	m.RecordDecision(ctx, "confirmed")
	m.RecordDecision(ctx, "ignore")

	rm := collect(t, reader)
	if got := sumWith(t, rm, "airea.decisions", map[string]string{"tier": "confirmed"}); got != 2 {
		t.Errorf("confirmed = %d, want 2", got)
	}
	if got := sumWith(t, rm, "airea.decisions", map[string]string{"tier": "ignore"}); got != 1 {
		t.Errorf("ignore = %d, want 1", got)
	}
}

func TestRecordAlertDelivery(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAlertDelivery(ctx, "webhook", StatusOK)
	m.RecordAlertDelivery(ctx, "webhook", StatusError)
	m.RecordAlertDelivery(ctx, "webhook", StatusError)

	rm := collect(t, reader)
	if got := sumWith(t, rm, "airea.alert.deliveries", map[string]string{"sink": "webhook", "status": "error"}); got != 2 {
		t.Errorf("webhook errors = %d, want 2", got)
	}
}

func TestCounters(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.Triggers.Add(ctx, 3)
	m.AlertsSuppressed.Add(ctx, 1)
	m.ClassifierErrors.Add(ctx, 2)
	m.DroppedSamples.Add(ctx, 512)

	rm := collect(t, reader)
	for name, want := range map[string]int64{
		"airea.triggers":              3,
		"airea.alerts.suppressed":     1,
		"airea.classifier.errors":     2,
		"airea.audio.dropped_samples": 512,
	} {
		if got := sumWith(t, rm, name, nil); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different pointers")
	}
}

func TestInitProvider_ServesPrometheus(t *testing.T) {
	origMP := otel.GetMeterProvider()
	origTP := otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	p, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test", DeviceID: "bedroom"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.Triggers.Add(context.Background(), 1)

	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "airea_triggers_total") {
		t.Errorf("scrape output missing airea_triggers_total:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("scrape output missing Go runtime collector")
	}
}
