package detector

import (
	"time"
)

// Decision is the tier assigned to a classified capture.
type Decision int

const (
	Ignore Decision = iota
	PossibleEvent
	ConfirmedEvent
)

// String returns the tier name used in logs and metrics.
func (d Decision) String() string {
	switch d {
	case PossibleEvent:
		return "possible"
	case ConfirmedEvent:
		return "confirmed"
	default:
		return "ignore"
	}
}

// Scores are the dequantized classifier outputs, each within [0, 1].
type Scores struct {
	Noise float64
	Cough float64
}

// Verdict is the decision engine's output for one capture.
type Verdict struct {
	Decision Decision

	// Confidence is the (possibly boosted) cough score the tier was chosen
	// from.
	Confidence float64

	// RawScore is the classifier's cough score.
	RawScore float64

	// Suppressed is set for a confirmed event inside the refractory period.
	Suppressed bool

	// Alert is set when an alert must be dispatched.
	Alert bool
}

// DecisionEngine maps scores to tiers and rate-limits alerts.
type DecisionEngine struct {
	p         DecisionParams
	lastAlert time.Time
	alerted   bool
}

// NewDecisionEngine creates a DecisionEngine.
func NewDecisionEngine(p DecisionParams) *DecisionEngine {
	return &DecisionEngine{p: p}
}

// Boost applies the optional confidence boost to raw.
func (e *DecisionEngine) Boost(raw float64) float64 {
	b := e.p.Boost
	if !b.Enabled {
		return raw
	}
	if raw < b.Floor {
		return 0
	}
	return min(raw*b.Factor, b.Cap)
}

// Tier classifies a confidence value.
func (e *DecisionEngine) Tier(confidence float64) Decision {
	switch {
	case confidence >= e.p.ConfirmThreshold:
		return ConfirmedEvent
	case confidence >= e.p.PossibleThreshold:
		return PossibleEvent
	default:
		return Ignore
	}
}

// Decide evaluates scores observed at now. Only a confirmed, alerted event
// advances the refractory clock.
func (e *DecisionEngine) Decide(s Scores, now time.Time) Verdict {
	v := Verdict{RawScore: s.Cough, Confidence: e.Boost(s.Cough)}
	v.Decision = e.Tier(v.Confidence)
	if v.Decision != ConfirmedEvent {
		return v
	}
	if e.alerted && now.Sub(e.lastAlert) < e.p.RefractoryPeriod {
		v.Suppressed = true
		return v
	}
	e.alerted, e.lastAlert = true, now
	v.Alert = true
	return v
}

// Reset forgets the last alert time.
func (e *DecisionEngine) Reset() {
	e.alerted, e.lastAlert = false, time.Time{}
}
