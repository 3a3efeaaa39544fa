package detector

import (
	"math"

	"github.com/MrWong99/airea/pkg/audio"
)

// Conditioning summarises what the conditioner did to one capture.
type Conditioning struct {
	// Gain is the AGC factor, always within [1, max gain].
	Gain float64

	// Peak is the largest magnitude after gating and before gain.
	Peak int32

	// PeakIndex is the sample index of Peak, or -1 for an empty capture.
	PeakIndex int

	// GatedSamples counts samples zeroed by the noise gate.
	GatedSamples int

	// AverageVolume is the mean magnitude after conditioning.
	AverageVolume float64
}

// PeakDBFS returns the pre-gain peak in dBFS.
func (c Conditioning) PeakDBFS() float64 { return audio.DBFS(c.Peak) }

// Conditioner applies a noise gate followed by peak-normalising AGC.
type Conditioner struct {
	gate int32
	agc  AGCParams
}

// NewConditioner creates a Conditioner.
func NewConditioner(gate int32, agc AGCParams) *Conditioner {
	return &Conditioner{gate: gate, agc: agc}
}

// Gain returns the AGC factor for a capture whose loudest sample is peak.
func (c *Conditioner) Gain(peak int32) float64 {
	p := max(peak, c.agc.PeakFloor, 1)
	g := float64(c.agc.TargetPeak) / float64(p)
	return min(max(g, 1), c.agc.MaxGain)
}

// Apply conditions samples in place.
func (c *Conditioner) Apply(samples []int16) Conditioning {
	var res Conditioning
	for i, s := range samples {
		if audio.Abs(s) < c.gate {
			if s != 0 {
				res.GatedSamples++
			}
			samples[i] = 0
		}
	}

	res.Peak, res.PeakIndex = audio.Peak(samples)
	res.Gain = c.Gain(res.Peak)

	var sum int64
	for i, s := range samples {
		if res.Gain != 1 {
			s = audio.ClampInt16(int64(math.Round(float64(s) * res.Gain)))
			samples[i] = s
		}
		sum += int64(audio.Abs(s))
	}
	if len(samples) > 0 {
		res.AverageVolume = float64(sum) / float64(len(samples))
	}
	return res
}
