package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/airea/internal/alert"
	alertmock "github.com/MrWong99/airea/internal/alert/mock"
	"github.com/MrWong99/airea/internal/alert/postgres"
	"github.com/MrWong99/airea/internal/alert/wshub"
	"github.com/MrWong99/airea/internal/app"
	"github.com/MrWong99/airea/internal/config"
	"github.com/MrWong99/airea/internal/detector"
	"github.com/MrWong99/airea/pkg/audio"
	audiomock "github.com/MrWong99/airea/pkg/audio/mock"
	"github.com/MrWong99/airea/pkg/provider/classifier"
	clfmock "github.com/MrWong99/airea/pkg/provider/classifier/mock"
)

var testFormat = audio.Format{SampleRate: 16000, Channels: 1, BlockSize: 512}

const testYAML = `
device:
  id: ESP32_001
detector:
  trigger_threshold: 200
alerts:
  async: true
  circuit_breaker:
    max_failures: 1
  sinks:
    - name: webhook
      base_url: https://api.example.com
      fallback: discord
    - name: discord
    - name: websocket
`

// testConfig parses testYAML so that defaults and validation apply.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(testYAML))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	return cfg
}

// coughSteps scripts a loud trigger block, an empty flush read and a
// 24000-sample capture.
func coughSteps() []audiomock.Step {
	steps := []audiomock.Step{audiomock.Constant(512, 500), {Starve: true}}
	for filled := 0; filled < 24000; filled += 512 {
		s := audiomock.Constant(512, 1000)
		if filled == 0 {
			s.Samples[0] = 26000
		}
		steps = append(steps, s)
	}
	return steps
}

type fixture struct {
	src     *audiomock.Source
	clf     *clfmock.Classifier
	webhook *alertmock.Sink
	discord *alertmock.Sink
	hub     *wshub.Hub
	app     *app.App
}

func newFixture(t *testing.T, cfg *config.Config, opts ...app.Option) *fixture {
	t.Helper()
	f := &fixture{
		src: &audiomock.Source{FormatResult: testFormat},
		clf: clfmock.New(classifier.Shape{
			Input:  classifier.Tensor{Size: 12000, Type: classifier.Int8},
			Output: classifier.Tensor{Size: classifier.OutputClasses, Type: classifier.Float32},
		}),
		webhook: alertmock.New("webhook"),
		discord: alertmock.New("discord"),
		hub:     wshub.New(),
	}
	f.clf.Outputs = []classifier.Output{clfmock.Float32Scores(0.08, 0.92)}
	providers := &app.Providers{
		Source:     f.src,
		Classifier: f.clf,
		Sinks: map[string]alert.Sink{
			"webhook":   f.webhook,
			"discord":   f.discord,
			"websocket": f.hub,
		},
	}
	opts = append([]app.Option{app.WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	a, err := app.New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	f.app = a
	return f
}

func TestApp_RunAlertsThroughFallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t))
	f.webhook.SetErr(errors.New("backend down"))
	f.src.Append(coughSteps()...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.app.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// The webhook was attempted and failed, so the fallback delivered.
	if got := len(f.webhook.Events()); got != 1 {
		t.Errorf("webhook attempts = %d, want 1", got)
	}
	events := f.discord.Events()
	if len(events) != 1 {
		t.Fatalf("discord events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.DeviceID != "ESP32_001" || ev.EventType != alert.DefaultEventType {
		t.Errorf("event = %+v", ev)
	}
	if ev.Confidence != 0.92 {
		t.Errorf("confidence = %v, want 0.92", ev.Confidence)
	}

	st := f.app.Pipeline().Status()
	if st.Cycles != 1 || st.Alerts != 1 {
		t.Errorf("status = %+v", st)
	}
	if !f.src.Closed {
		t.Error("source not closed by Shutdown")
	}
	if f.webhook.CloseCalls != 1 || f.discord.CloseCalls != 1 {
		t.Errorf("sink close calls = %d/%d, want 1/1", f.webhook.CloseCalls, f.discord.CloseCalls)
	}
}

func TestApp_ShutdownIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t))
	ctx := context.Background()
	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if f.webhook.CloseCalls != 1 {
		t.Errorf("CloseCalls = %d, want 1", f.webhook.CloseCalls)
	}
}

func TestApp_ShutdownDeadline(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.app.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown err = %v, want context.Canceled", err)
	}
}

func TestApp_RunWithServerStopsOnCancel(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Server.ListenAddr = "127.0.0.1:0"
	f := newFixture(t, cfg)
	f.src.Append(audiomock.Step{Starve: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.app.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	_ = f.app.Shutdown(context.Background())
}

func TestApp_RunListenError(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Server.ListenAddr = "256.0.0.1:bad"
	f := newFixture(t, cfg)
	if err := f.app.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "listen") {
		t.Errorf("Run err = %v, want listen error", err)
	}
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	t.Run("missing sink", func(t *testing.T) {
		t.Parallel()
		providers := &app.Providers{
			Source:     &audiomock.Source{FormatResult: testFormat},
			Classifier: clfmock.New(clfmock.Int8Shape(12000)),
			Sinks:      map[string]alert.Sink{"webhook": alertmock.New("webhook")},
		}
		_, err := app.New(context.Background(), testConfig(t), providers)
		if err == nil || !strings.Contains(err.Error(), "was not built") {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("shape mismatch", func(t *testing.T) {
		t.Parallel()
		cfg, err := config.Parse([]byte("device: {id: d1}\n"))
		if err != nil {
			t.Fatal(err)
		}
		providers := &app.Providers{
			Source:     &audiomock.Source{FormatResult: testFormat},
			Classifier: clfmock.New(clfmock.Int8Shape(16000)),
		}
		_, err = app.New(context.Background(), cfg, providers)
		if !errors.Is(err, detector.ErrShapeMismatch) {
			t.Errorf("err = %v, want ErrShapeMismatch", err)
		}
	})
}

// ── HTTP surface ──────────────────────────────────────────────────────────────

type fakeHistory struct {
	events []alert.Event
	err    error

	gotDevice string
	gotLimit  int
	gotWindow time.Duration
}

func (h *fakeHistory) Recent(_ context.Context, deviceID string, limit int) ([]alert.Event, error) {
	h.gotDevice, h.gotLimit = deviceID, limit
	return h.events, h.err
}

func (h *fakeHistory) Stats(_ context.Context, deviceID string, window time.Duration) (postgres.Stats, error) {
	h.gotDevice, h.gotWindow = deviceID, window
	return postgres.Stats{DeviceID: deviceID, Window: window.String(), Total: 3}, h.err
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHandler_Probes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t), app.WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "airea_triggers_total 1\n")
	})))
	h := f.app.Handler()

	if rec := get(t, h, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d", rec.Code)
	}
	// No audio has been read yet.
	rec := get(t, h, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz before audio = %d, want 503", rec.Code)
	}
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(body.Checks["audio"], "fail") {
		t.Errorf("audio check = %q", body.Checks["audio"])
	}
	for _, name := range []string{"classifier", "sink:webhook"} {
		if body.Checks[name] != "ok" {
			t.Errorf("check %q = %q, want ok", name, body.Checks[name])
		}
	}

	if rec := get(t, h, "/metrics"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "airea_triggers_total") {
		t.Errorf("/metrics = %d %q", rec.Code, rec.Body.String())
	}
	if rec := get(t, h, "/ws/alerts"); rec.Code == http.StatusNotFound {
		t.Error("/ws/alerts not routed")
	}
	// History is only served with a postgres sink or an injected history.
	if rec := get(t, h, "/api/events/ESP32_001"); rec.Code != http.StatusNotFound {
		t.Errorf("/api/events without history = %d, want 404", rec.Code)
	}
}

func TestHandler_ReadyAfterAudio(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t))
	f.src.Append(audiomock.Constant(512, 10))
	if _, err := f.app.Pipeline().Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if rec := get(t, f.app.Handler(), "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("/readyz = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_Status(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t))
	rec := get(t, f.app.Handler(), "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("/api/status = %d", rec.Code)
	}
	var st struct {
		DeviceID string `json:"device_id"`
		Cycles   uint64 `json:"cycles"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.DeviceID != "ESP32_001" || st.Cycles != 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestHandler_History(t *testing.T) {
	t.Parallel()
	ev := alert.NewEvent("ESP32_001", "dry", alert.Detection{Confidence: 0.9, RawScore: 0.9, At: time.Unix(1700000000, 0)})

	tests := []struct {
		name       string
		target     string
		history    *fakeHistory
		wantCode   int
		wantLimit  int
		wantWindow time.Duration
	}{
		{"events default limit", "/api/events/ESP32_001", &fakeHistory{events: []alert.Event{ev}}, 200, 50, 0},
		{"events limit", "/api/events/ESP32_001?limit=5", &fakeHistory{}, 200, 5, 0},
		{"events bad limit", "/api/events/ESP32_001?limit=-1", &fakeHistory{}, 400, 0, 0},
		{"events backend error", "/api/events/ESP32_001", &fakeHistory{err: errors.New("db down")}, 500, 50, 0},
		{"stats default window", "/api/stats/ESP32_001", &fakeHistory{}, 200, 0, time.Hour},
		{"stats week", "/api/stats/ESP32_001?window=week", &fakeHistory{}, 200, 0, 7 * 24 * time.Hour},
		{"stats duration", "/api/stats/ESP32_001?window=90m", &fakeHistory{}, 200, 0, 90 * time.Minute},
		{"stats bad window", "/api/stats/ESP32_001?window=-1h", &fakeHistory{}, 400, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, testConfig(t), app.WithHistory(tt.history))
			rec := get(t, f.app.Handler(), tt.target)
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d: %s", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantCode == 400 {
				return
			}
			if tt.history.gotDevice != "ESP32_001" {
				t.Errorf("device = %q", tt.history.gotDevice)
			}
			if tt.history.gotLimit != tt.wantLimit || tt.history.gotWindow != tt.wantWindow {
				t.Errorf("limit/window = %d/%s, want %d/%s", tt.history.gotLimit, tt.history.gotWindow, tt.wantLimit, tt.wantWindow)
			}
		})
	}
}

func TestHandler_EventsEmptyIsArray(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t), app.WithHistory(&fakeHistory{}))
	rec := get(t, f.app.Handler(), "/api/events/nobody")
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %q, want []", got)
	}
}
