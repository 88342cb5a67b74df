// Package attribution implements the per-verification importance map
// described in spec.md §4.I step 8: a pluggable gradient-attribution
// strategy over cos(encode(window), prototype), with integrated gradients
// as the shipped default (SPEC_FULL.md §9 "Attribution as a strategy").
package attribution

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"neuroauth/internal/model"
)

var errNonFiniteNorm = errors.New("attribution: non-finite embedding norm in forward pass")

// Strategy computes a (C, W) importance map for one window against one
// prototype embedding. The persisted AttributionArtifact records which
// strategy produced it (SPEC_FULL.md §9).
type Strategy interface {
	Name() string
	Attribute(weights model.EncoderWeights, arch model.Arch, w *model.Window, proto model.Embedding) ([][]float64, error)
}

// IntegratedGradients is the default strategy (spec.md §4.I step 8):
// interpolate between a zero baseline and the input over Steps steps,
// accumulate the gradient of cos(encode(·), proto) at each interpolated
// point, average, and scale by (input - baseline).
type IntegratedGradients struct {
	Steps int // default 50
}

func (ig IntegratedGradients) Name() string { return "integrated_gradients" }

func (ig IntegratedGradients) Attribute(weights model.EncoderWeights, arch model.Arch, w *model.Window, proto model.Embedding) ([][]float64, error) {
	const op = "attribution.IntegratedGradients.Attribute"
	if w.Channels() != arch.Channels || w.Width() != arch.WindowSamples {
		return nil, model.NewError(op, model.ErrKindInputFormat, fmt.Errorf("window shape (%d,%d), want (%d,%d)", w.Channels(), w.Width(), arch.Channels, arch.WindowSamples))
	}
	steps := ig.Steps
	if steps <= 0 {
		steps = 50
	}

	c, width := w.Channels(), w.Width()
	avgGrad := make([][]float64, c)
	for i := range avgGrad {
		avgGrad[i] = make([]float64, width)
	}

	for step := 1; step <= steps; step++ {
		alpha := float64(step) / float64(steps)
		interpolated := make([][]float64, c)
		for ch := range interpolated {
			row := make([]float64, width)
			for t := range row {
				row[t] = alpha * w.Samples[ch][t]
			}
			interpolated[ch] = row
		}

		_, grad, err := gradCosine(weights, arch, interpolated, proto)
		if err != nil {
			return nil, fmt.Errorf("%s: step %d: %w", op, step, err)
		}
		for ch := range avgGrad {
			for t := range avgGrad[ch] {
				avgGrad[ch][t] += grad[ch][t]
			}
		}
	}

	importance := make([][]float64, c)
	for ch := range importance {
		row := make([]float64, width)
		for t := range row {
			row[t] = (avgGrad[ch][t] / float64(steps)) * w.Samples[ch][t]
		}
		importance[ch] = row
	}
	return importance, nil
}

// Saliency is the plain single-pass gradient strategy: |d(cos)/d(input)|
// at the input itself, with no baseline interpolation. Offered as a
// cheaper alternative to IntegratedGradients (SPEC_FULL.md §9).
type Saliency struct{}

func (Saliency) Name() string { return "saliency" }

func (Saliency) Attribute(weights model.EncoderWeights, arch model.Arch, w *model.Window, proto model.Embedding) ([][]float64, error) {
	const op = "attribution.Saliency.Attribute"
	if w.Channels() != arch.Channels || w.Width() != arch.WindowSamples {
		return nil, model.NewError(op, model.ErrKindInputFormat, fmt.Errorf("window shape (%d,%d), want (%d,%d)", w.Channels(), w.Width(), arch.Channels, arch.WindowSamples))
	}
	_, grad, err := gradCosine(weights, arch, w.Samples, proto)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	for ch := range grad {
		for t := range grad[ch] {
			if grad[ch][t] < 0 {
				grad[ch][t] = -grad[ch][t]
			}
		}
	}
	return grad, nil
}

// GradientTimesInput scales the raw (unaveraged, non-interpolated)
// gradient by the input value at the same coordinate. Like Saliency it
// takes a single gradient pass (SPEC_FULL.md §9).
type GradientTimesInput struct{}

func (GradientTimesInput) Name() string { return "gradient_x_input" }

func (GradientTimesInput) Attribute(weights model.EncoderWeights, arch model.Arch, w *model.Window, proto model.Embedding) ([][]float64, error) {
	const op = "attribution.GradientTimesInput.Attribute"
	if w.Channels() != arch.Channels || w.Width() != arch.WindowSamples {
		return nil, model.NewError(op, model.ErrKindInputFormat, fmt.Errorf("window shape (%d,%d), want (%d,%d)", w.Channels(), w.Width(), arch.Channels, arch.WindowSamples))
	}
	_, grad, err := gradCosine(weights, arch, w.Samples, proto)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out := make([][]float64, len(grad))
	for ch := range grad {
		row := make([]float64, len(grad[ch]))
		for t := range row {
			row[t] = grad[ch][t] * w.Samples[ch][t]
		}
		out[ch] = row
	}
	return out, nil
}

// Default returns the pipeline's default attribution strategy: integrated
// gradients over 50 interpolation steps (spec.md §6 ig_steps).
func Default() Strategy {
	return IntegratedGradients{Steps: 50}
}

// NewArtifactID derives a content-addressed artifact identifier from the
// verification context, matching the teacher pack's preference for
// content-derived identifiers over sequence numbers (SPEC_FULL.md §9):
// domain-separated blake2b-256 over the user id, the probe's window hash,
// the raw score, and the creation timestamp.
func NewArtifactID(userID, windowHash string, rawScore float64, createdAt time.Time) string {
	h, _ := blake2b.New256([]byte("neuroauth-attribution-v1"))
	fmt.Fprintf(h, "%s|%s|%.10f|%d", userID, windowHash, rawScore, createdAt.UnixNano())
	return fmt.Sprintf("%x", h.Sum(nil))
}

// WindowHash derives the content hash of a probe's aggregated embedding,
// stored on the AttributionArtifact and used as part of NewArtifactID's
// input so two verifications of the same probe content (even at different
// times) remain distinguishable by timestamp while still being
// content-addressed against tampering.
func WindowHash(embedding model.Embedding) string {
	h, _ := blake2b.New256([]byte("neuroauth-window-v1"))
	for _, v := range embedding {
		fmt.Fprintf(h, "%.12f,", v)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
