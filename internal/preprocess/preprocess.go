// Package preprocess implements Component B: band-pass and notch
// filtering, optional artifact removal, resampling to the pipeline's
// working rate, and per-channel standardization.
package preprocess

import (
	"fmt"
	"math"

	"neuroauth/internal/model"
)

// Config holds the tunable preprocessing parameters (SPEC_FULL.md §6).
type Config struct {
	BandLowHz   float64 // high-pass corner, default 1
	BandHighHz  float64 // low-pass corner, default 50
	NotchHz     float64 // mains notch center, default 50 (0 disables)
	NotchQ      float64 // notch quality factor, default 30
	FsOut       float64 // target working rate, default 128
	StdevFloor  float64 // minimum per-channel stdev before standardization, default 1e-6
	ArtifactRem ArtifactRemover
}

// DefaultConfig returns the pipeline's default preprocessing parameters,
// the band-pass and notch constants from SPEC_FULL.md §4.B.
func DefaultConfig() Config {
	return Config{
		BandLowHz:  1,
		BandHighHz: 50,
		NotchHz:    50,
		NotchQ:     30,
		FsOut:      128,
		StdevFloor: 1e-6,
	}
}

// ArtifactRemover strips non-neural artifacts (eye blinks, muscle bursts)
// from a channel-major signal in place. Implementations: NoopRemover (the
// fast path) and HeuristicRemover (amplitude-threshold clipping).
type ArtifactRemover interface {
	Remove(samples [][]float64, fs float64)
}

// NoopRemover performs no artifact removal; used when the deployment
// prioritizes latency over the marginal accuracy gain.
type NoopRemover struct{}

func (NoopRemover) Remove([][]float64, float64) {}

// HeuristicRemover clips samples exceeding ThresholdStd standard deviations
// from the per-channel mean, a cheap stand-in for model-based artifact
// rejection.
type HeuristicRemover struct {
	ThresholdStd float64 // default 5
}

func (h HeuristicRemover) Remove(samples [][]float64, _ float64) {
	thresh := h.ThresholdStd
	if thresh <= 0 {
		thresh = 5
	}
	for _, ch := range samples {
		mean, std := meanStd(ch)
		if std == 0 {
			continue
		}
		lo, hi := mean-thresh*std, mean+thresh*std
		for i, v := range ch {
			if v < lo {
				ch[i] = lo
			} else if v > hi {
				ch[i] = hi
			}
		}
	}
}

func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range xs {
		sum += v
	}
	mean = sum / float64(len(xs))
	var sq float64
	for _, v := range xs {
		d := v - mean
		sq += d * d
	}
	std = math.Sqrt(sq / float64(len(xs)))
	return mean, std
}

// Process runs the full Component B pipeline over t: band-pass filter,
// optional notch, optional artifact removal, resample to cfg.FsOut, and
// per-channel standardization. Filter instability (a non-finite
// intermediate value) is reported as ErrKindFilter; an empty input trial
// is reported as ErrKindEmptyTrial.
func Process(t *model.Trial, cfg Config) (*model.ProcessedTrial, error) {
	const op = "preprocess.Process"

	if t.Length() == 0 {
		return nil, model.NewError(op, model.ErrKindEmptyTrial, fmt.Errorf("trial has zero samples"))
	}

	filtered := make([][]float64, t.Channels())
	lowPass := newBiquadLowPass(cfg.BandHighHz, t.FsIn)
	highPass := newBiquadHighPass(cfg.BandLowHz, t.FsIn)
	var notch *biquad
	if cfg.NotchHz > 0 {
		n := newBiquadNotch(cfg.NotchHz, cfg.NotchQ, t.FsIn)
		notch = &n
	}

	for c, ch := range t.Samples {
		out := forwardBackward(lowPass, ch)
		out = forwardBackward(highPass, out)
		if notch != nil {
			out = forwardBackward(*notch, out)
		}
		filtered[c] = out
	}

	for _, ch := range filtered {
		for _, v := range ch {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, model.NewError(op, model.ErrKindFilter, fmt.Errorf("non-finite value after filtering"))
			}
		}
	}

	remover := cfg.ArtifactRem
	if remover == nil {
		remover = NoopRemover{}
	}
	remover.Remove(filtered, t.FsIn)

	resampled := make([][]float64, len(filtered))
	for c, ch := range filtered {
		resampled[c] = resampleLinear(ch, t.FsIn, cfg.FsOut)
	}

	floor := cfg.StdevFloor
	if floor <= 0 {
		floor = 1e-6
	}
	standardized := make([][]float64, len(resampled))
	for c, ch := range resampled {
		standardized[c] = standardize(ch, floor)
	}

	return &model.ProcessedTrial{Samples: standardized, FsOut: cfg.FsOut}, nil
}

func standardize(xs []float64, floor float64) []float64 {
	mean, std := meanStd(xs)
	if std < floor {
		std = floor
	}
	out := make([]float64, len(xs))
	for i, v := range xs {
		out[i] = (v - mean) / std
	}
	return out
}

// resampleLinear resamples xs from fsIn to fsOut via linear interpolation.
// The pipeline's working rate is always far below raw acquisition rates,
// so a simple interpolating resampler is adequate; it is not intended for
// upsampling beyond the original Nyquist rate.
func resampleLinear(xs []float64, fsIn, fsOut float64) []float64 {
	if len(xs) == 0 || fsIn == fsOut {
		return append([]float64(nil), xs...)
	}
	ratio := fsIn / fsOut
	outLen := int(math.Floor(float64(len(xs)-1) / ratio))
	if outLen < 1 {
		outLen = 1
	}
	out := make([]float64, outLen+1)
	for i := range out {
		pos := float64(i) * ratio
		lo := int(math.Floor(pos))
		if lo >= len(xs)-1 {
			out[i] = xs[len(xs)-1]
			continue
		}
		frac := pos - float64(lo)
		out[i] = xs[lo]*(1-frac) + xs[lo+1]*frac
	}
	return out
}
