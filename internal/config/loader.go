package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/MrWong99/airea/internal/alert"
	"github.com/MrWong99/airea/internal/detector"
	"github.com/MrWong99/airea/pkg/provider/classifier"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"source":     {"pcm"},
	"classifier": {"remote"},
	"sink":       {"webhook", "discord", "postgres", "websocket"},
}

// Defaults applied by [ApplyDefaults] to unset fields.
const (
	DefaultQueueSize  = 16
	DefaultRingBlocks = 8
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and validates
// the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse is [LoadFromReader] over a byte slice.
func Parse(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// ApplyDefaults fills every zero-valued tunable with the factory setting.
// Explicit values are kept. Fields other than the pointer ones treat zero as
// unset, so those cannot be configured to zero.
func ApplyDefaults(cfg *Config) {
	def := detector.DefaultParams()

	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	a := &cfg.Audio
	if a.Source.Name == "" {
		a.Source.Name = "pcm"
	}
	setDefault(&a.SampleRate, def.SampleRate)
	setDefault(&a.Channels, 1)
	setDefault(&a.BlockSize, 512)
	setDefaultPtr(&a.FlushTimeout, def.FlushTimeout)
	setDefault(&a.RingBlocks, DefaultRingBlocks)

	d := &cfg.Detector
	setDefault(&d.CaptureDuration, def.CaptureDuration)
	setDefault(&d.TriggerThreshold, def.TriggerThreshold)
	setDefault(&d.TriggerRefractory, def.TriggerRefractory)
	setDefaultPtr(&d.NoiseGateThreshold, def.NoiseGateThreshold)
	setDefault(&d.AGC.TargetPeak, def.AGC.TargetPeak)
	setDefault(&d.AGC.MaxGain, def.AGC.MaxGain)
	setDefault(&d.AGC.PeakFloor, def.AGC.PeakFloor)
	setDefault(&d.Decision.PossibleThreshold, def.Decision.PossibleThreshold)
	setDefault(&d.Decision.ConfirmThreshold, def.Decision.ConfirmThreshold)
	setDefault(&d.Decision.RefractoryPeriod, def.Decision.RefractoryPeriod)
	setDefault(&d.Boost.Floor, 0.05)
	setDefault(&d.Boost.Factor, 4.0)
	setDefault(&d.Boost.Cap, 0.99)

	c := &cfg.Classifier
	if c.Name == "" {
		c.Name = "remote"
	}
	setDefault(&c.InputSize, def.InputSize)

	al := &cfg.Alerts
	setDefault(&al.QueueSize, DefaultQueueSize)
	if al.EventType == "" {
		al.EventType = alert.DefaultEventType
	}
	setDefault(&al.CircuitBreaker.MaxFailures, 3)
	setDefault(&al.CircuitBreaker.ResetTimeout, 30*time.Second)
}

func setDefault[T comparable](v *T, def T) {
	var zero T
	if *v == zero {
		*v = def
	}
}

// setDefaultPtr is setDefault for fields where an explicit zero is meaningful.
func setDefaultPtr[T any](v **T, def T) {
	if *v == nil {
		*v = &def
	}
}

func valueOr[T any](v *T, def T) T {
	if v == nil {
		return def
	}
	return *v
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Device.ID == "" {
		errs = append(errs, errors.New("device.id is required"))
	}

	// Audio
	if err := cfg.Audio.Format().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audio: %w", err))
	}
	if cfg.Audio.RingBlocks < 0 {
		errs = append(errs, fmt.Errorf("audio.ring_blocks %d must not be negative", cfg.Audio.RingBlocks))
	}
	switch cfg.Audio.Source.Name {
	case "":
		errs = append(errs, errors.New("audio.source.name is required"))
	case "ring":
		errs = append(errs, errors.New(`audio.source.name "ring" has no producer when configured from a file; use "pcm", or set a ring.Source as app.Providers.Source in code`))
	}
	validateProviderName("source", cfg.Audio.Source.Name)

	// Classifier
	if cfg.Classifier.Name == "" {
		errs = append(errs, errors.New("classifier.name is required"))
	}
	validateProviderName("classifier", cfg.Classifier.Name)
	if f := cfg.Classifier.InputFormat; f != "" {
		if _, err := classifier.ParseElementType(f); err != nil {
			errs = append(errs, fmt.Errorf("classifier.input_format %q is invalid; valid values: int8, float32", f))
		}
	}

	// Detector ranges, including the capture/input size relation.
	if err := cfg.detectorParams().Validate(); err != nil {
		errs = append(errs, err)
	}

	errs = append(errs, validateAlerts(&cfg.Alerts)...)

	return errors.Join(errs...)
}

func validateAlerts(al *AlertsConfig) []error {
	var errs []error
	if al.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("alerts.queue_size %d must not be negative", al.QueueSize))
	}
	if al.CircuitBreaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("alerts.circuit_breaker.max_failures %d must not be negative", al.CircuitBreaker.MaxFailures))
	}
	if al.CircuitBreaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("alerts.circuit_breaker.reset_timeout %s must not be negative", al.CircuitBreaker.ResetTimeout))
	}
	if len(al.Sinks) == 0 {
		slog.Warn("no alert sinks configured; confirmed events will only be logged")
	}

	seen := make(map[string]int, len(al.Sinks))
	for i, s := range al.Sinks {
		prefix := fmt.Sprintf("alerts.sinks[%d]", i)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName("sink", s.Name)
		if prev, ok := seen[s.Key()]; ok {
			errs = append(errs, fmt.Errorf("%s: id %q is a duplicate of alerts.sinks[%d]; set a distinct id", prefix, s.Key(), prev))
			continue
		}
		seen[s.Key()] = i
	}

	// Fallback references: each must exist, and every chain must end.
	fallbackOf := make(map[string]string)
	for i, s := range al.Sinks {
		if s.Fallback == "" {
			continue
		}
		prefix := fmt.Sprintf("alerts.sinks[%d]", i)
		if _, ok := seen[s.Fallback]; !ok {
			errs = append(errs, fmt.Errorf("%s.fallback %q does not name a configured sink", prefix, s.Fallback))
			continue
		}
		if s.Fallback == s.Key() {
			errs = append(errs, fmt.Errorf("%s.fallback must not reference itself", prefix))
			continue
		}
		if prev, ok := fallbackOf[s.Fallback]; ok {
			errs = append(errs, fmt.Errorf("%s.fallback %q is already the fallback of %q", prefix, s.Fallback, prev))
			continue
		}
		fallbackOf[s.Fallback] = s.Key()
	}
	if len(errs) == 0 {
		if cyc := fallbackCycle(al.Sinks); cyc != nil {
			errs = append(errs, fmt.Errorf("alerts.sinks: fallback cycle %v", cyc))
		}
	}
	return errs
}

// fallbackCycle returns the IDs of a fallback cycle, or nil.
func fallbackCycle(sinks []SinkConfig) []string {
	next := make(map[string]string, len(sinks))
	for _, s := range sinks {
		if s.Fallback != "" {
			next[s.Key()] = s.Fallback
		}
	}
	for _, s := range sinks {
		path := []string{s.Key()}
		for cur := next[s.Key()]; cur != ""; cur = next[cur] {
			if slices.Contains(path, cur) {
				return append(path, cur)
			}
			path = append(path, cur)
		}
	}
	return nil
}

// Chains groups the sinks into fallback chains in configuration order. Each
// chain starts at a sink that is nobody's fallback and lists its fallbacks in
// the order they are tried. Call it on a validated config only.
func (al AlertsConfig) Chains() [][]SinkConfig {
	byKey := make(map[string]SinkConfig, len(al.Sinks))
	isFallback := make(map[string]bool)
	for _, s := range al.Sinks {
		byKey[s.Key()] = s
		if s.Fallback != "" {
			isFallback[s.Fallback] = true
		}
	}
	var chains [][]SinkConfig
	for _, s := range al.Sinks {
		if isFallback[s.Key()] {
			continue
		}
		chain := []SinkConfig{s}
		for cur := s; cur.Fallback != ""; {
			cur = byKey[cur.Fallback]
			chain = append(chain, cur)
		}
		chains = append(chains, chain)
	}
	return chains
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
