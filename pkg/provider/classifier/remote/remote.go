// Package remote provides a classifier backed by an HTTP inference server.
//
// The server exposes two endpoints per model:
//
//	GET  {base}/v1/models/{model}          -> classifier.Shape as JSON
//	POST {base}/v1/models/{model}/invoke   {"int8":[...]} -> {"int8":[n, c]}
//
// Float32 models use the "float32" key instead of "int8". The shape is
// fetched once by New and cached; it never changes afterwards.
//
// Usage:
//
//	c, err := remote.New(ctx, "http://localhost:8500", remote.WithModel("cough-int8"))
//	out, err := c.Invoke(ctx, in)
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/airea/pkg/provider/classifier"
)

const (
	defaultModel   = "cough"
	defaultTimeout = 5 * time.Second
)

var (
	_ classifier.Classifier = (*Classifier)(nil)
	_ classifier.Pinger     = (*Classifier)(nil)
)

// Option is a functional option for configuring a Classifier.
type Option func(*Classifier)

// WithModel selects the model served by the inference server. Defaults to
// "cough".
func WithModel(model string) Option {
	return func(c *Classifier) { c.model = model }
}

// WithAPIKey sends key as a bearer token on every request.
func WithAPIKey(key string) Option {
	return func(c *Classifier) { c.apiKey = key }
}

// WithHTTPClient replaces the default HTTP client (5 s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Classifier) { c.httpClient = hc }
}

// Classifier implements classifier.Classifier over HTTP.
type Classifier struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
	shape      classifier.Shape
	buf        bytes.Buffer
}

// New creates a Classifier for the server at baseURL and fetches the model
// shape. It fails if the server is unreachable or declares an invalid shape.
func New(ctx context.Context, baseURL string, opts ...Option) (*Classifier, error) {
	if baseURL == "" {
		return nil, errors.New("remote classifier: base URL must not be empty")
	}
	c := &Classifier{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      defaultModel,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}

	shape, err := c.fetchShape(ctx)
	if err != nil {
		return nil, err
	}
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("remote classifier: model %q: %w", c.model, err)
	}
	c.shape = shape
	return c, nil
}

// Shape implements classifier.Classifier.
func (c *Classifier) Shape() classifier.Shape { return c.shape }

// Invoke implements classifier.Classifier. It is not safe for concurrent use;
// the detector calls it from a single goroutine.
func (c *Classifier) Invoke(ctx context.Context, in *classifier.Input) (classifier.Output, error) {
	if in.Type != c.shape.Input.Type || in.Len() != c.shape.Input.Size {
		return classifier.Output{}, fmt.Errorf("remote classifier: input %v[%d] does not match model %v[%d]",
			in.Type, in.Len(), c.shape.Input.Type, c.shape.Input.Size)
	}

	c.buf.Reset()
	if err := json.NewEncoder(&c.buf).Encode(in); err != nil {
		return classifier.Output{}, fmt.Errorf("remote classifier: encode input: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.modelURL()+"/invoke", &c.buf)
	if err != nil {
		return classifier.Output{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out classifier.Output
	if err := c.do(req, &out); err != nil {
		return classifier.Output{}, fmt.Errorf("remote classifier: invoke: %w", err)
	}
	return out, nil
}

// Ping implements classifier.Pinger by re-fetching the model metadata.
func (c *Classifier) Ping(ctx context.Context) error {
	_, err := c.fetchShape(ctx)
	return err
}

func (c *Classifier) fetchShape(ctx context.Context) (classifier.Shape, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.modelURL(), nil)
	if err != nil {
		return classifier.Shape{}, err
	}
	var shape classifier.Shape
	if err := c.do(req, &shape); err != nil {
		return classifier.Shape{}, fmt.Errorf("remote classifier: fetch model %q: %w", c.model, err)
	}
	return shape, nil
}

func (c *Classifier) modelURL() string {
	return c.baseURL + "/v1/models/" + url.PathEscape(c.model)
}

func (c *Classifier) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("remote classifier: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// do sends req and decodes a JSON response into v.
func (c *Classifier) do(req *http.Request, v any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("parse JSON response: %w", err)
	}
	return nil
}
