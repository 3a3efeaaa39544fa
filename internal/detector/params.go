package detector

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/airea/pkg/provider/classifier"
)

// maxCaptureSamples bounds the capture buffer so a misconfigured duration
// cannot allocate unbounded memory (about 87 s at 48 kHz).
const maxCaptureSamples = 1 << 22

// AGCParams tunes automatic gain control.
type AGCParams struct {
	// TargetPeak is the amplitude the loudest sample is scaled towards.
	TargetPeak int32

	// MaxGain caps amplification of quiet captures.
	MaxGain float64

	// PeakFloor is the smallest peak used in the gain computation, so that
	// near-silent captures are not amplified into noise.
	PeakFloor int32
}

// BoostParams configures the optional post-classifier confidence boost.
type BoostParams struct {
	Enabled bool

	// Scores below Floor become 0.
	Floor float64

	// Factor multiplies the remaining scores.
	Factor float64

	// Cap bounds the boosted score; must be below 1.
	Cap float64
}

// DecisionParams configures the decision engine.
type DecisionParams struct {
	PossibleThreshold float64
	ConfirmThreshold  float64

	// RefractoryPeriod is the minimum time between two alerts.
	RefractoryPeriod time.Duration

	Boost BoostParams
}

// Params holds every tunable of the detection pipeline. It is validated once
// by [New] and never changes afterwards.
type Params struct {
	SampleRate      int
	CaptureDuration time.Duration

	// FlushTimeout bounds the read that discards stale audio before a
	// capture. Zero disables the flush.
	FlushTimeout time.Duration

	// TriggerThreshold is the mean absolute block amplitude that must be
	// exceeded to start a capture.
	TriggerThreshold float64

	// TriggerRefractory is the pause after each cycle during which the
	// trigger does not fire.
	TriggerRefractory time.Duration

	// NoiseGateThreshold zeroes samples whose magnitude is below it.
	NoiseGateThreshold int32

	AGC AGCParams

	// InputSize is the classifier's input length.
	InputSize int

	// InputType, when set, must match the classifier's declared input type.
	InputType classifier.ElementType

	Decision DecisionParams
}

// DefaultParams returns the factory tuning: 16 kHz, 1.5 s captures and a
// 12000-sample int8 model input.
func DefaultParams() Params {
	return Params{
		SampleRate:         16000,
		CaptureDuration:    1500 * time.Millisecond,
		FlushTimeout:       10 * time.Millisecond,
		TriggerThreshold:   150,
		TriggerRefractory:  500 * time.Millisecond,
		NoiseGateThreshold: 250,
		AGC: AGCParams{
			TargetPeak: 26000,
			MaxGain:    40,
			PeakFloor:  100,
		},
		InputSize: 12000,
		Decision: DecisionParams{
			PossibleThreshold: 0.60,
			ConfirmThreshold:  0.75,
			RefractoryPeriod:  10 * time.Second,
		},
	}
}

// Capacity returns the capture buffer length in samples.
func (p Params) Capacity() int {
	return int(int64(p.SampleRate) * int64(p.CaptureDuration) / int64(time.Second))
}

// Stride returns the downsampling step from capture to classifier input.
func (p Params) Stride() int {
	if p.InputSize <= 0 {
		return 1
	}
	return max(1, p.Capacity()/p.InputSize)
}

// Validate reports every invalid field.
func (p Params) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if p.SampleRate <= 0 {
		add("sample rate must be positive, got %d", p.SampleRate)
	}
	if p.CaptureDuration <= 0 {
		add("capture duration must be positive, got %s", p.CaptureDuration)
	}
	if p.FlushTimeout < 0 {
		add("flush timeout must not be negative, got %s", p.FlushTimeout)
	}
	if p.TriggerThreshold < 0 || p.TriggerThreshold > math.MaxInt16+1 {
		add("trigger threshold must be within [0, 32768], got %v", p.TriggerThreshold)
	}
	if p.TriggerRefractory < 0 {
		add("trigger refractory must not be negative, got %s", p.TriggerRefractory)
	}
	if p.NoiseGateThreshold < 0 || p.NoiseGateThreshold > math.MaxInt16+1 {
		add("noise gate threshold must be within [0, 32768], got %d", p.NoiseGateThreshold)
	}
	if p.AGC.TargetPeak <= 0 || p.AGC.TargetPeak > math.MaxInt16 {
		add("agc target peak must be within [1, 32767], got %d", p.AGC.TargetPeak)
	}
	if !(p.AGC.MaxGain >= 1) || math.IsInf(p.AGC.MaxGain, 0) {
		add("agc max gain must be a finite value >= 1, got %v", p.AGC.MaxGain)
	}
	if p.AGC.PeakFloor < 1 {
		add("agc peak floor must be >= 1, got %d", p.AGC.PeakFloor)
	}
	if p.InputSize <= 0 {
		add("classifier input size must be positive, got %d", p.InputSize)
	}
	if p.InputType != 0 && p.InputType != classifier.Int8 && p.InputType != classifier.Float32 {
		add("unsupported classifier input type %v", p.InputType)
	}

	if p.SampleRate > 0 && p.CaptureDuration > 0 && p.InputSize > 0 {
		switch c := p.Capacity(); {
		case c > maxCaptureSamples:
			add("capture of %d samples exceeds the limit of %d", c, maxCaptureSamples)
		case c < p.InputSize:
			add("capture of %d samples is shorter than the classifier input of %d", c, p.InputSize)
		}
	}

	d := p.Decision
	if !inUnit(d.PossibleThreshold) {
		add("possible threshold must be within [0, 1], got %v", d.PossibleThreshold)
	}
	if !inUnit(d.ConfirmThreshold) {
		add("confirm threshold must be within [0, 1], got %v", d.ConfirmThreshold)
	}
	if d.PossibleThreshold >= d.ConfirmThreshold {
		add("possible threshold %v must be below confirm threshold %v", d.PossibleThreshold, d.ConfirmThreshold)
	}
	if d.RefractoryPeriod < 0 {
		add("refractory period must not be negative, got %s", d.RefractoryPeriod)
	}
	if b := d.Boost; b.Enabled {
		if !inUnit(b.Floor) {
			add("boost floor must be within [0, 1], got %v", b.Floor)
		}
		if !(b.Factor > 0) || math.IsInf(b.Factor, 0) {
			add("boost factor must be positive, got %v", b.Factor)
		}
		if !(b.Cap > 0 && b.Cap < 1) {
			add("boost cap must be within (0, 1), got %v", b.Cap)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("detector: invalid params: %w", errors.Join(errs...))
	}
	return nil
}

func inUnit(v float64) bool { return v >= 0 && v <= 1 }
