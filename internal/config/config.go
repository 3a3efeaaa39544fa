// Package config provides the configuration schema, loader, and provider registry
// for the airea cough detector.
package config

import (
	"time"

	"github.com/MrWong99/airea/internal/detector"
	"github.com/MrWong99/airea/pkg/audio"
	"github.com/MrWong99/airea/pkg/provider/classifier"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Device     DeviceConfig     `yaml:"device"`
	Audio      AudioConfig      `yaml:"audio"`
	Detector   DetectorConfig   `yaml:"detector"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Alerts     AlertsConfig     `yaml:"alerts"`
}

// ServerConfig holds the HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr serves health, metrics, history and the alert websocket.
	// Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is the only setting applied without a
	// restart.
	LogLevel LogLevel `yaml:"log_level"`
}

// DeviceConfig identifies this detector in alerts and logs.
type DeviceConfig struct {
	ID string `yaml:"id"`
}

// ProviderEntry is the common configuration block shared by sources,
// classifiers and sinks. The Name field is used to look up the constructor in
// the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "pcm", "webhook").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL is the provider's endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model served by the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the standard
	// fields above.
	Options map[string]any `yaml:"options"`
}

// Option returns the string option key, or "" if it is absent or not a string.
func (e ProviderEntry) Option(key string) string {
	if e.Options == nil {
		return ""
	}
	s, _ := e.Options[key].(string)
	return s
}

// AudioConfig describes the microphone stream.
type AudioConfig struct {
	// Source selects the audio source ("pcm").
	Source ProviderEntry `yaml:"source"`

	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// BlockSize is the number of samples per read.
	BlockSize int `yaml:"block_size"`

	// FlushTimeout bounds the stale-audio read before each capture. Unset
	// means the 10ms default; an explicit 0 skips the flush.
	FlushTimeout *time.Duration `yaml:"flush_timeout"`

	// RingBlocks is the ring buffer capacity in blocks.
	RingBlocks int `yaml:"ring_blocks"`
}

// DetectorConfig tunes the detection cycle.
type DetectorConfig struct {
	CaptureDuration    time.Duration  `yaml:"capture_duration"`
	TriggerThreshold   float64        `yaml:"trigger_threshold"`
	TriggerRefractory  time.Duration  `yaml:"trigger_refractory"`
	NoiseGateThreshold *int32         `yaml:"noise_gate_threshold"` // 0 disables the gate
	AGC                AGCConfig      `yaml:"agc"`
	Decision           DecisionConfig `yaml:"decision"`
	Boost              BoostConfig    `yaml:"boost"`
}

// AGCConfig tunes automatic gain control.
type AGCConfig struct {
	TargetPeak int32   `yaml:"target_peak"`
	MaxGain    float64 `yaml:"max_gain"`
	PeakFloor  int32   `yaml:"peak_floor"`
}

// DecisionConfig holds the tier thresholds and the alert refractory period.
type DecisionConfig struct {
	PossibleThreshold float64       `yaml:"possible_threshold"`
	ConfirmThreshold  float64       `yaml:"confirm_threshold"`
	RefractoryPeriod  time.Duration `yaml:"refractory_period"`
}

// BoostConfig configures the optional confidence boost. Disabled by default.
type BoostConfig struct {
	Enabled bool    `yaml:"enabled"`
	Floor   float64 `yaml:"floor"`
	Factor  float64 `yaml:"factor"`
	Cap     float64 `yaml:"cap"`
}

// ClassifierConfig selects the classifier and declares the input it must
// accept.
type ClassifierConfig struct {
	ProviderEntry `yaml:",inline"`

	// InputSize is the expected number of input elements.
	InputSize int `yaml:"input_size"`

	// InputFormat, when set, must equal the model's declared input type
	// ("int8" or "float32").
	InputFormat string `yaml:"input_format"`
}

// AlertsConfig configures alert delivery.
type AlertsConfig struct {
	// Async decouples dispatch from the detection loop with a bounded queue.
	Async bool `yaml:"async"`

	QueueSize int `yaml:"queue_size"`

	// EventType labels every event (e.g., "dry", "wet"). Default "unknown".
	EventType string `yaml:"event_type"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`

	// Sinks all receive each alert, except sinks that only serve as another
	// sink's fallback.
	Sinks []SinkConfig `yaml:"sinks"`
}

// CircuitBreakerConfig tunes the breaker guarding each sink in a fallback
// chain.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// SinkConfig configures one alert sink.
type SinkConfig struct {
	ProviderEntry `yaml:",inline"`

	// ID names the sink in logs, metrics and fallback references.
	// Defaults to Name.
	ID string `yaml:"id"`

	// Fallback is the ID of the sink that takes over when this one fails.
	Fallback string `yaml:"fallback"`
}

// Key returns the sink's identifier.
func (s SinkConfig) Key() string {
	if s.ID != "" {
		return s.ID
	}
	return s.Name
}

// Format returns the audio format the detector reads.
func (a AudioConfig) Format() audio.Format {
	return audio.Format{SampleRate: a.SampleRate, Channels: a.Channels, BlockSize: a.BlockSize}
}

// Params maps the configuration onto validated detector parameters.
func (c *Config) Params() (detector.Params, error) {
	if f := c.Classifier.InputFormat; f != "" {
		if _, err := classifier.ParseElementType(f); err != nil {
			return detector.Params{}, err
		}
	}
	p := c.detectorParams()
	return p, p.Validate()
}

func (c *Config) detectorParams() detector.Params {
	d := c.Detector
	def := detector.DefaultParams()
	p := detector.Params{
		SampleRate:         c.Audio.SampleRate,
		CaptureDuration:    d.CaptureDuration,
		FlushTimeout:       valueOr(c.Audio.FlushTimeout, def.FlushTimeout),
		TriggerThreshold:   d.TriggerThreshold,
		TriggerRefractory:  d.TriggerRefractory,
		NoiseGateThreshold: valueOr(d.NoiseGateThreshold, def.NoiseGateThreshold),
		AGC: detector.AGCParams{
			TargetPeak: d.AGC.TargetPeak,
			MaxGain:    d.AGC.MaxGain,
			PeakFloor:  d.AGC.PeakFloor,
		},
		InputSize: c.Classifier.InputSize,
		Decision: detector.DecisionParams{
			PossibleThreshold: d.Decision.PossibleThreshold,
			ConfirmThreshold:  d.Decision.ConfirmThreshold,
			RefractoryPeriod:  d.Decision.RefractoryPeriod,
			Boost: detector.BoostParams{
				Enabled: d.Boost.Enabled,
				Floor:   d.Boost.Floor,
				Factor:  d.Boost.Factor,
				Cap:     d.Boost.Cap,
			},
		},
	}
	if t, err := classifier.ParseElementType(c.Classifier.InputFormat); err == nil {
		p.InputType = t
	}
	return p
}
