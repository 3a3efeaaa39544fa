package app

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/airea/internal/alert"
	"github.com/MrWong99/airea/internal/alert/discord"
	"github.com/MrWong99/airea/internal/alert/postgres"
	"github.com/MrWong99/airea/internal/alert/webhook"
	"github.com/MrWong99/airea/internal/alert/wshub"
	"github.com/MrWong99/airea/internal/config"
	"github.com/MrWong99/airea/pkg/audio"
	"github.com/MrWong99/airea/pkg/audio/pcm"
	"github.com/MrWong99/airea/pkg/provider/classifier"
	"github.com/MrWong99/airea/pkg/provider/classifier/remote"
)

// httpTimeout bounds outbound calls to the classifier and webhook.
const httpTimeout = 5 * time.Second

// RegisterBuiltins wires every built-in source, classifier and sink factory
// into reg.
func RegisterBuiltins(reg *config.Registry) {
	// ── Audio sources ────────────────────────────────────────────────────
	reg.RegisterSource("pcm", func(ctx context.Context, cfg config.AudioConfig) (audio.Source, error) {
		e := cfg.Source
		var opts []pcm.Option
		if cfg.RingBlocks > 0 {
			opts = append(opts, pcm.WithRingBlocks(cfg.RingBlocks))
		}
		rate, channels := optInt(e, "input_rate"), optInt(e, "input_channels")
		if rate > 0 || channels > 0 {
			opts = append(opts, pcm.WithInputFormat(
				cmp.Or(rate, cfg.SampleRate),
				cmp.Or(channels, cfg.Channels),
			))
		}
		if optBool(e, "realtime") {
			opts = append(opts, pcm.WithRealtime())
		}
		if optBool(e, "backpressure") {
			opts = append(opts, pcm.WithBackpressure())
		}
		if addr := e.Option("address"); addr != "" {
			network := e.Option("network")
			if network == "" {
				network = "tcp"
			}
			return pcm.Dial(ctx, network, addr, cfg.Format(), opts...)
		}
		path := e.Option("path")
		if path == "" {
			path = "-"
		}
		return pcm.Open(path, cfg.Format(), opts...)
	})

	// ── Classifiers ──────────────────────────────────────────────────────
	reg.RegisterClassifier("remote", func(ctx context.Context, cfg config.ClassifierConfig) (classifier.Classifier, error) {
		opts := []remote.Option{remote.WithHTTPClient(newHTTPClient())}
		if cfg.Model != "" {
			opts = append(opts, remote.WithModel(cfg.Model))
		}
		if cfg.APIKey != "" {
			opts = append(opts, remote.WithAPIKey(cfg.APIKey))
		}
		return remote.New(ctx, cfg.BaseURL, opts...)
	})

	// ── Alert sinks ──────────────────────────────────────────────────────
	reg.RegisterSink("webhook", func(_ context.Context, cfg config.SinkConfig) (alert.Sink, error) {
		return webhook.New(cfg.BaseURL,
			webhook.WithName(cfg.Key()),
			webhook.WithToken(cfg.APIKey),
			webhook.WithHTTPClient(newHTTPClient()),
		)
	})
	reg.RegisterSink("discord", func(_ context.Context, cfg config.SinkConfig) (alert.Sink, error) {
		token := cmp.Or(cfg.Option("token"), cfg.APIKey)
		return discord.New(token, cfg.Option("channel_id"), discord.WithName(cfg.Key()))
	})
	reg.RegisterSink("postgres", func(ctx context.Context, cfg config.SinkConfig) (alert.Sink, error) {
		dsn := cmp.Or(cfg.Option("dsn"), cfg.BaseURL)
		return postgres.Open(ctx, dsn, postgres.WithName(cfg.Key()))
	})
	reg.RegisterSink("websocket", func(_ context.Context, cfg config.SinkConfig) (alert.Sink, error) {
		opts := []wshub.Option{wshub.WithName(cfg.Key())}
		if n := optInt(cfg.ProviderEntry, "buffer"); n > 0 {
			opts = append(opts, wshub.WithBuffer(n))
		}
		if origins := optStrings(cfg.ProviderEntry, "origins"); len(origins) > 0 {
			opts = append(opts, wshub.WithOriginPatterns(origins...))
		}
		return wshub.New(opts...), nil
	})
}

// BuildProviders instantiates the source, classifier and every configured
// sink using the registry. On failure everything built so far is closed.
func BuildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry) (*Providers, error) {
	p := &Providers{Sinks: make(map[string]alert.Sink, len(cfg.Alerts.Sinks))}
	fail := func(err error) (*Providers, error) {
		if cerr := p.Close(); cerr != nil {
			slog.Warn("cleanup after failed startup", "err", cerr)
		}
		return nil, err
	}

	src, err := reg.CreateSource(ctx, cfg.Audio)
	if err != nil {
		return fail(fmt.Errorf("audio source %q: %w", cfg.Audio.Source.Name, err))
	}
	p.Source = src

	clf, err := reg.CreateClassifier(ctx, cfg.Classifier)
	if err != nil {
		return fail(fmt.Errorf("classifier %q: %w", cfg.Classifier.Name, err))
	}
	p.Classifier = clf

	for _, sc := range cfg.Alerts.Sinks {
		s, err := reg.CreateSink(ctx, sc)
		if err != nil {
			return fail(fmt.Errorf("alert sink %q: %w", sc.Key(), err))
		}
		p.Sinks[sc.Key()] = s
	}
	return p, nil
}

// newHTTPClient returns a client whose requests join the current trace.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout:   httpTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// ── Option helpers ───────────────────────────────────────────────────────────

// optInt extracts an integer option. YAML numbers decode as int or float64.
func optInt(e config.ProviderEntry, key string) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func optBool(e config.ProviderEntry, key string) bool {
	b, _ := e.Options[key].(bool)
	return b
}

func optStrings(e config.ProviderEntry, key string) []string {
	switch v := e.Options[key].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
