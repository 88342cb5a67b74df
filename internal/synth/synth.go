// Package synth generates synthetic multi-channel trials for exercising the
// pipeline end to end without recorded hardware data. It is test-only:
// nothing under cmd/ imports it. Each user is assigned a latent pattern (a
// small mixture of per-channel sinusoids with a fixed phase and amplitude)
// plus independent Gaussian noise per trial, the same "profile generates
// many noisy instances" shape as the project's other synthetic event
// generator, adapted from amplitude/phase parameters instead of typing
// cadence.
package synth

import (
	"math"
	"math/rand"

	"neuroauth/internal/model"
)

// Pattern is one user's latent signal: a small number of sinusoid
// components per channel. Two patterns built with different seeds are
// distinguishable; two trials built from the same pattern are not (beyond
// noise).
type Pattern struct {
	Channels  int
	FreqHz    [][]float64 // [channel][component]
	PhaseRad  [][]float64
	Amplitude [][]float64
}

// NewPattern builds a random latent pattern for a user with the given
// channel count. componentsPerChannel controls pattern complexity; 3 is a
// reasonable default for test fixtures.
func NewPattern(channels, componentsPerChannel int, rng *rand.Rand) Pattern {
	p := Pattern{
		Channels:  channels,
		FreqHz:    make([][]float64, channels),
		PhaseRad:  make([][]float64, channels),
		Amplitude: make([][]float64, channels),
	}
	for c := 0; c < channels; c++ {
		freqs := make([]float64, componentsPerChannel)
		phases := make([]float64, componentsPerChannel)
		amps := make([]float64, componentsPerChannel)
		for k := 0; k < componentsPerChannel; k++ {
			freqs[k] = 1 + rng.Float64()*29 // 1-30 Hz, within EEG band
			phases[k] = rng.Float64() * 2 * math.Pi
			amps[k] = 0.5 + rng.Float64()*0.5
		}
		p.FreqHz[c] = freqs
		p.PhaseRad[c] = phases
		p.Amplitude[c] = amps
	}
	return p
}

// Trial synthesizes one trial from pattern: the latent signal plus IID
// Gaussian noise at the given standard deviation, sampled at fsIn Hz for the
// given duration.
func Trial(pattern Pattern, seconds, fsIn, noiseStd float64, rng *rand.Rand) *model.Trial {
	n := int(seconds * fsIn)
	samples := make([][]float64, pattern.Channels)
	for c := 0; c < pattern.Channels; c++ {
		row := make([]float64, n)
		for t := 0; t < n; t++ {
			tSec := float64(t) / fsIn
			var v float64
			for k, f := range pattern.FreqHz[c] {
				v += pattern.Amplitude[c][k] * math.Sin(2*math.Pi*f*tSec+pattern.PhaseRad[c][k])
			}
			row[t] = v + rng.NormFloat64()*noiseStd
		}
		samples[c] = row
	}
	return &model.Trial{Samples: samples, FsIn: fsIn}
}

// WhiteNoise synthesizes a spoof probe: pure IID Gaussian noise of the
// correct shape, with no latent pattern at all.
func WhiteNoise(channels int, seconds, fsIn float64, rng *rand.Rand) *model.Trial {
	n := int(seconds * fsIn)
	samples := make([][]float64, channels)
	for c := range samples {
		row := make([]float64, n)
		for t := range row {
			row[t] = rng.NormFloat64()
		}
		samples[c] = row
	}
	return &model.Trial{Samples: samples, FsIn: fsIn}
}
