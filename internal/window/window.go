// Package window implements Component C: deterministic strided windowing
// of a ProcessedTrial, and a separate augmented entry point used only
// during training.
package window

import (
	"fmt"
	"math"
	"math/rand"

	"neuroauth/internal/model"
)

// Config holds the window geometry (SPEC_FULL.md §3): WidthSamples is W,
// StrideSamples is S.
type Config struct {
	WidthSamples  int // default 256 (2s at 128Hz)
	StrideSamples int // default 128 (50% overlap)
}

// DefaultConfig returns the pipeline's default window geometry.
func DefaultConfig() Config {
	return Config{WidthSamples: 256, StrideSamples: 128}
}

// Windows slices t into fixed-width, fixed-stride windows with no
// augmentation. A probe trial too short to produce even one window is
// reported as ErrKindProbeTooShort.
func Windows(t *model.ProcessedTrial, cfg Config) ([]model.Window, error) {
	const op = "window.Windows"
	if t.Length() < cfg.WidthSamples {
		return nil, model.NewError(op, model.ErrKindProbeTooShort,
			fmt.Errorf("trial length %d below window width %d", t.Length(), cfg.WidthSamples))
	}

	var windows []model.Window
	for start := 0; start+cfg.WidthSamples <= t.Length(); start += cfg.StrideSamples {
		windows = append(windows, sliceWindow(t, start, cfg.WidthSamples))
	}
	return windows, nil
}

func sliceWindow(t *model.ProcessedTrial, start, width int) model.Window {
	samples := make([][]float64, t.Channels())
	for c, ch := range t.Samples {
		samples[c] = append([]float64(nil), ch[start:start+width]...)
	}
	return model.Window{Samples: samples, Offset: start}
}

// AugmentationConfig holds the probabilities/ranges for each augmentation
// applied during training data generation (SPEC_FULL.md §4.C).
type AugmentationConfig struct {
	ChannelDropoutP  float64 // default 0.15
	NoiseSNRMinDB    float64 // default 12
	NoiseSNRMaxDB    float64 // default 28
	TimeShiftMaxSec  float64 // default 0.5
}

// DefaultAugmentationConfig returns the pipeline's default augmentation
// parameters.
func DefaultAugmentationConfig() AugmentationConfig {
	return AugmentationConfig{
		ChannelDropoutP: 0.15,
		NoiseSNRMinDB:   12,
		NoiseSNRMaxDB:   28,
		TimeShiftMaxSec: 0.5,
	}
}

// AugmentedWindows slices t exactly as Windows does, then applies channel
// dropout, additive Gaussian noise, and a circular time shift to each
// resulting window using rng. rng must be supplied explicitly by the
// caller (internal/train threads one seeded generator through an entire
// run) so augmentation is reproducible; this package never reads the
// global math/rand source.
func AugmentedWindows(t *model.ProcessedTrial, wcfg Config, acfg AugmentationConfig, rng *rand.Rand) ([]model.Window, error) {
	base, err := Windows(t, wcfg)
	if err != nil {
		return nil, err
	}
	out := make([]model.Window, len(base))
	for i, w := range base {
		out[i] = augment(w, t.FsOut, acfg, rng)
	}
	return out, nil
}

func augment(w model.Window, fs float64, cfg AugmentationConfig, rng *rand.Rand) model.Window {
	samples := make([][]float64, len(w.Samples))
	for c, ch := range w.Samples {
		samples[c] = append([]float64(nil), ch...)
	}
	w = model.Window{Samples: samples, Offset: w.Offset}

	applyChannelDropout(w, cfg.ChannelDropoutP, rng)
	applyNoise(w, cfg.NoiseSNRMinDB, cfg.NoiseSNRMaxDB, rng)
	applyTimeShift(w, fs, cfg.TimeShiftMaxSec, rng)
	return w
}

func applyChannelDropout(w model.Window, p float64, rng *rand.Rand) {
	if p <= 0 {
		return
	}
	for c := range w.Samples {
		if rng.Float64() < p {
			for i := range w.Samples[c] {
				w.Samples[c][i] = 0
			}
		}
	}
}

func applyNoise(w model.Window, minDB, maxDB float64, rng *rand.Rand) {
	snrDB := minDB + rng.Float64()*(maxDB-minDB)
	for _, ch := range w.Samples {
		signalPower := power(ch)
		if signalPower == 0 {
			continue
		}
		noisePower := signalPower / math.Pow(10, snrDB/10)
		sigma := math.Sqrt(noisePower)
		for i := range ch {
			ch[i] += rng.NormFloat64() * sigma
		}
	}
}

func power(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range xs {
		sum += v * v
	}
	return sum / float64(len(xs))
}

// applyTimeShift performs a circular shift of each channel's samples by a
// random offset in [-maxSec, maxSec] (SPEC_FULL.md §4.C); "circular" here
// means samples rotated off one end reappear at the other, a cheap
// reflection-free stand-in for edge padding.
func applyTimeShift(w model.Window, fs, maxSec float64, rng *rand.Rand) {
	maxSamples := int(maxSec * fs)
	if maxSamples <= 0 {
		return
	}
	shift := rng.Intn(2*maxSamples+1) - maxSamples
	if shift == 0 {
		return
	}
	for c, ch := range w.Samples {
		w.Samples[c] = rotate(ch, shift)
	}
}

func rotate(xs []float64, shift int) []float64 {
	n := len(xs)
	if n == 0 {
		return xs
	}
	shift = ((shift % n) + n) % n
	out := make([]float64, n)
	for i := range xs {
		out[(i+shift)%n] = xs[i]
	}
	return out
}

// Mixup blends two same-shape windows from the same user with weight
// lambda drawn from a symmetric Beta(alpha, alpha) distribution,
// implementing the mixup-within-user augmentation (SPEC_FULL.md §4.C).
// Both inputs must share shape; callers are responsible for only mixing
// windows belonging to the same user.
func Mixup(a, b model.Window, alpha float64, rng *rand.Rand) model.Window {
	lambda := sampleBeta(alpha, alpha, rng)
	samples := make([][]float64, len(a.Samples))
	for c := range a.Samples {
		row := make([]float64, len(a.Samples[c]))
		for i := range row {
			row[i] = lambda*a.Samples[c][i] + (1-lambda)*b.Samples[c][i]
		}
		samples[c] = row
	}
	return model.Window{Samples: samples, Offset: a.Offset}
}

// sampleBeta draws from Beta(alpha, beta) via two Gamma draws, the
// standard construction when no dedicated Beta sampler is available.
func sampleBeta(alpha, beta float64, rng *rand.Rand) float64 {
	x := sampleGamma(alpha, rng)
	y := sampleGamma(beta, rng)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma draws from Gamma(shape, 1) using Marsaglia-Tsang squeeze
// sampling, valid for shape >= 1; shape < 1 is boosted via the standard
// u^(1/shape) correction.
func sampleGamma(shape float64, rng *rand.Rand) float64 {
	if shape < 1 {
		u := rng.Float64()
		return sampleGamma(shape+1, rng) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
