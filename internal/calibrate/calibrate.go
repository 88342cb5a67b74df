// Package calibrate implements Component G: fitting the 2-parameter
// logistic that maps raw cosine scores to calibrated probabilities, and
// choosing the operating threshold on those probabilities.
package calibrate

import (
	"fmt"
	"math"

	"neuroauth/internal/model"
)

// Sample is one labeled calibration point: a raw cosine similarity score
// and whether it came from a genuine (accept-label) or impostor
// (reject-label) comparison.
type Sample struct {
	Score   float64
	Genuine bool
}

// FitConfig holds the Newton's-method fitting parameters.
type FitConfig struct {
	MaxIters  int     // default 100
	Tolerance float64 // gradient-norm stopping threshold, default 1e-8
}

// DefaultFitConfig returns the pipeline's default logistic-fit parameters.
func DefaultFitConfig() FitConfig {
	return FitConfig{MaxIters: 100, Tolerance: 1e-8}
}

// Fit estimates A and B in p = sigmoid(A*score + B) by maximum-likelihood
// Newton's method (Platt scaling), falling back to damped line search
// when a raw Newton step would diverge.
func Fit(samples []Sample, cfg FitConfig) (model.Calibrator, error) {
	if len(samples) == 0 {
		return model.Calibrator{}, fmt.Errorf("calibrate.Fit: no samples")
	}

	a, b := 1.0, 0.0
	maxIters := cfg.MaxIters
	if maxIters <= 0 {
		maxIters = 100
	}
	tol := cfg.Tolerance
	if tol <= 0 {
		tol = 1e-8
	}

	for iter := 0; iter < maxIters; iter++ {
		grad, hess := gradientHessian(samples, a, b)
		gradNorm := math.Hypot(grad[0], grad[1])
		if gradNorm < tol {
			break
		}

		da, db, ok := solve2x2(hess, grad)
		if !ok {
			// Singular Hessian: fall back to a small gradient-ascent step.
			da, db = grad[0]*1e-3, grad[1]*1e-3
			a, b = a+da, b+db
			continue
		}

		step := 1.0
		ll0 := logLikelihood(samples, a, b)
		for i := 0; i < 20; i++ {
			na, nb := a-step*da, b-step*db
			if logLikelihood(samples, na, nb) >= ll0 {
				a, b = na, nb
				break
			}
			step /= 2
		}
	}

	if math.IsNaN(a) || math.IsNaN(b) || math.IsInf(a, 0) || math.IsInf(b, 0) {
		return model.Calibrator{}, fmt.Errorf("calibrate.Fit: diverged to non-finite parameters")
	}

	return model.Calibrator{A: a, B: b}, nil
}

func logLikelihood(samples []Sample, a, b float64) float64 {
	var ll float64
	for _, s := range samples {
		p := clampProb(logistic(a*s.Score + b))
		if s.Genuine {
			ll += math.Log(p)
		} else {
			ll += math.Log(1 - p)
		}
	}
	return ll
}

func gradientHessian(samples []Sample, a, b float64) (grad [2]float64, hess [2][2]float64) {
	for _, s := range samples {
		p := logistic(a*s.Score + b)
		y := 0.0
		if s.Genuine {
			y = 1.0
		}
		err := y - p
		grad[0] += err * s.Score
		grad[1] += err

		w := p * (1 - p)
		hess[0][0] += -w * s.Score * s.Score
		hess[0][1] += -w * s.Score
		hess[1][0] += -w * s.Score
		hess[1][1] += -w
	}
	return grad, hess
}

// solve2x2 solves H*x = g for a 2x2 system, returning ok=false if H is
// (near-)singular.
func solve2x2(h [2][2]float64, g [2]float64) (x0, x1 float64, ok bool) {
	det := h[0][0]*h[1][1] - h[0][1]*h[1][0]
	if math.Abs(det) < 1e-12 {
		return 0, 0, false
	}
	x0 = (g[0]*h[1][1] - g[1]*h[0][1]) / det
	x1 = (h[0][0]*g[1] - h[1][0]*g[0]) / det
	return x0, x1, true
}

func logistic(x float64) float64 {
	if x >= 0 {
		z := math.Exp(-x)
		return 1 / (1 + z)
	}
	z := math.Exp(x)
	return z / (1 + z)
}

func clampProb(p float64) float64 {
	const eps = 1e-12
	if p < eps {
		return eps
	}
	if p > 1-eps {
		return 1 - eps
	}
	return p
}

// ThresholdConfig selects the decision criterion used to pick the
// operating threshold (SPEC_FULL.md §6).
type ThresholdConfig struct {
	Criterion string // "eer" (default) or "target_far"
	TargetFAR float64
}

// DefaultThresholdConfig returns the pipeline's default threshold
// criterion: equal error rate.
func DefaultThresholdConfig() ThresholdConfig {
	return ThresholdConfig{Criterion: "eer"}
}

// ChooseThreshold scans candidate cutoffs over the calibrated probability
// of samples and returns the one satisfying cfg.Criterion: "eer" picks the
// cutoff minimizing |FAR-FRR|; "target_far" picks, among cutoffs with
// FAR <= cfg.TargetFAR, the one with the lowest FRR. On a tie the first
// candidate scanned wins (sample order, then 0 and 1).
func ChooseThreshold(samples []Sample, cal model.Calibrator, cfg ThresholdConfig) (model.OperatingThreshold, error) {
	if len(samples) == 0 {
		return model.OperatingThreshold{}, fmt.Errorf("calibrate.ChooseThreshold: no samples")
	}

	probs := make([]float64, len(samples))
	for i, s := range samples {
		probs[i] = cal.Probability(s.Score)
	}

	candidates := append([]float64(nil), probs...)
	candidates = append(candidates, 0, 1)

	criterion := cfg.Criterion
	if criterion == "" {
		criterion = "eer"
	}

	best := model.OperatingThreshold{Tau: 0.5, FAR: 1, FRR: 1}
	bestScore := math.Inf(1)

	for _, tau := range candidates {
		far, frr := farFRR(samples, probs, tau)
		var score float64
		switch criterion {
		case "target_far":
			if far > cfg.TargetFAR {
				continue
			}
			score = frr
		default: // "eer"
			score = math.Abs(far - frr)
		}
		if score < bestScore {
			bestScore = score
			best = model.OperatingThreshold{Tau: tau, FAR: far, FRR: frr}
		}
	}

	return best, nil
}

func farFRR(samples []Sample, probs []float64, tau float64) (far, frr float64) {
	var impostors, genuine, falseAccepts, falseRejects int
	for i, s := range samples {
		if s.Genuine {
			genuine++
			if probs[i] < tau {
				falseRejects++
			}
		} else {
			impostors++
			if probs[i] >= tau {
				falseAccepts++
			}
		}
	}
	if impostors > 0 {
		far = float64(falseAccepts) / float64(impostors)
	}
	if genuine > 0 {
		frr = float64(falseRejects) / float64(genuine)
	}
	return far, frr
}
