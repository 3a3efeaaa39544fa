// Package webhook delivers alert events to the monitoring backend over HTTP.
//
// Each event becomes one POST to {base}/api/cough/event with a JSON body in
// the backend's request format. Any 2xx response counts as delivered.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/airea/internal/alert"
)

const (
	defaultTimeout = 5 * time.Second
	eventPath      = "/api/cough/event"
	healthPath     = "/api/cough/health"
)

var _ alert.Sink = (*Sink)(nil)

// Request is the JSON body accepted by the backend.
type Request struct {
	DeviceID    string  `json:"deviceId"`
	CoughType   string  `json:"coughType"`
	Confidence  float64 `json:"confidence"`
	RawScore    float64 `json:"rawScore"`
	Timestamp   int64   `json:"timestamp"`
	AudioVolume float64 `json:"audioVolume"`
	EventID     string  `json:"eventId,omitempty"`
	PeakDecibel float64 `json:"peakDecibel,omitempty"`
}

// NewRequest maps ev onto the backend's request format.
func NewRequest(ev alert.Event) Request {
	return Request{
		DeviceID:    ev.DeviceID,
		CoughType:   ev.EventType,
		Confidence:  ev.Confidence,
		RawScore:    ev.RawScore,
		Timestamp:   ev.Timestamp,
		AudioVolume: ev.AverageVolume,
		EventID:     ev.EventID,
		PeakDecibel: ev.PeakDecibel,
	}
}

// Option is a functional option for configuring a Sink.
type Option func(*Sink)

// WithName overrides the sink name used in logs and metrics. Defaults to
// "webhook".
func WithName(name string) Option {
	return func(s *Sink) { s.name = name }
}

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) Option {
	return func(s *Sink) { s.token = token }
}

// WithHTTPClient replaces the default HTTP client (5 s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Sink) { s.httpClient = hc }
}

// Sink posts events to the backend.
type Sink struct {
	name       string
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a Sink targeting baseURL.
func New(baseURL string, opts ...Option) (*Sink, error) {
	if baseURL == "" {
		return nil, errors.New("webhook: base URL must not be empty")
	}
	s := &Sink{
		name:       "webhook",
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Name implements alert.Sink.
func (s *Sink) Name() string { return s.name }

// Dispatch implements alert.Dispatcher.
func (s *Sink) Dispatch(ctx context.Context, ev alert.Event) error {
	body, err := json.Marshal(NewRequest(ev))
	if err != nil {
		return fmt.Errorf("webhook: encode event: %w", err)
	}
	req, err := s.newRequest(ctx, http.MethodPost, eventPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := s.do(req); err != nil {
		return fmt.Errorf("webhook: post event %s: %w", ev.EventID, err)
	}
	return nil
}

// Ping checks the backend's health endpoint.
func (s *Sink) Ping(ctx context.Context) error {
	req, err := s.newRequest(ctx, http.MethodGet, healthPath, nil)
	if err != nil {
		return err
	}
	if err := s.do(req); err != nil {
		return fmt.Errorf("webhook: health: %w", err)
	}
	return nil
}

// Close implements alert.Sink. It releases idle connections.
func (s *Sink) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func (s *Sink) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("webhook: build request: %w", err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	return req, nil
}

func (s *Sink) do(req *http.Request) error {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
