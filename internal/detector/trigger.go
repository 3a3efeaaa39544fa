package detector

import (
	"time"

	"github.com/MrWong99/airea/pkg/audio"
)

// TriggerAction is the trigger's verdict on one block.
type TriggerAction int

const (
	// Continue keeps listening.
	Continue TriggerAction = iota
	// StartCapture begins a capture cycle.
	StartCapture
)

// String returns the action name.
func (a TriggerAction) String() string {
	if a == StartCapture {
		return "start_capture"
	}
	return "continue"
}

// Reasons reported with [Continue].
const (
	ReasonQuiet      = "quiet"
	ReasonRefractory = "refractory"
)

// TriggerResult is the outcome of [Trigger.Evaluate].
type TriggerResult struct {
	Action TriggerAction

	// Level is the block's mean absolute amplitude.
	Level float64

	// Reason explains a Continue; empty for StartCapture.
	Reason string
}

// Trigger decides from one block of audio whether a capture should start.
type Trigger struct {
	threshold  float64
	refractory time.Duration
	quietUntil time.Time
}

// NewTrigger creates a Trigger firing when a block's mean absolute amplitude
// exceeds threshold, except within refractory of the last Cooldown.
func NewTrigger(threshold float64, refractory time.Duration) *Trigger {
	return &Trigger{threshold: threshold, refractory: refractory}
}

// Evaluate inspects block at time now.
func (t *Trigger) Evaluate(block []int16, now time.Time) TriggerResult {
	level := audio.MeanAbs(block)
	if level <= t.threshold {
		return TriggerResult{Action: Continue, Level: level, Reason: ReasonQuiet}
	}
	if now.Before(t.quietUntil) {
		return TriggerResult{Action: Continue, Level: level, Reason: ReasonRefractory}
	}
	return TriggerResult{Action: StartCapture, Level: level}
}

// Cooldown arms the refractory window starting at now.
func (t *Trigger) Cooldown(now time.Time) {
	t.quietUntil = now.Add(t.refractory)
}
