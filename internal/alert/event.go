// Package alert turns confirmed cough detections into alert events and
// delivers them to one or more sinks.
//
// An [Event] is an immutable value built by the detector for every confirmed,
// non-suppressed decision. Delivery goes through a [Dispatcher]; failures are
// reported to the caller, which logs and discards them. Concrete sinks live in
// the sub-packages webhook, discord, postgres and wshub. [Fanout], [Chain]
// and [Queue] compose them.
package alert

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// DefaultEventType is the event type used when the classifier only separates
// coughs from background noise.
const DefaultEventType = "unknown"

// Event is the record handed to alert sinks. It is a plain value; sinks must
// not assume it is shared with anyone.
type Event struct {
	// EventID uniquely identifies the event across sinks.
	EventID string `json:"event_id"`

	// DeviceID names the monitoring device.
	DeviceID string `json:"device_id"`

	// EventType classifies the cough ("dry", "wet", "unknown").
	EventType string `json:"event_type"`

	// Confidence is the decision confidence rounded to three decimals.
	Confidence float64 `json:"confidence"`

	// RawScore is the dequantized classifier cough score before boosting.
	RawScore float64 `json:"raw_score"`

	// AverageVolume is the mean absolute amplitude of the conditioned
	// capture.
	AverageVolume float64 `json:"average_volume"`

	// PeakDecibel is the capture's peak level in dBFS before gain.
	PeakDecibel float64 `json:"peak_decibel"`

	// Timestamp is the decision time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// Detection carries the measurements of one confirmed cycle.
type Detection struct {
	Confidence    float64
	RawScore      float64
	AverageVolume float64
	PeakDecibel   float64
	At            time.Time
}

// NewEvent builds an Event for device from d. An empty eventType becomes
// [DefaultEventType].
func NewEvent(deviceID, eventType string, d Detection) Event {
	if eventType == "" {
		eventType = DefaultEventType
	}
	return Event{
		EventID:       uuid.NewString(),
		DeviceID:      deviceID,
		EventType:     eventType,
		Confidence:    Round3(d.Confidence),
		RawScore:      Round3(d.RawScore),
		AverageVolume: math.Round(d.AverageVolume*10) / 10,
		PeakDecibel:   math.Round(d.PeakDecibel*10) / 10,
		Timestamp:     d.At.UnixMilli(),
	}
}

// Time returns the event timestamp as a time.Time.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Round3 rounds v to three decimal places.
func Round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
