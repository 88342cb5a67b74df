// Package anomaly implements Component H: a small dense autoencoder
// trained on genuine embeddings only, used as a spoof gate on
// reconstruction error.
package anomaly

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"neuroauth/internal/model"
)

// Engine scores embeddings against a fitted AnomalyModel. A nil model
// (no anomaly detector loaded yet) is treated as "gate open": Score
// returns 0 reconstruction error rather than failing, since the identity
// score and threshold checks already gate verification on their own.
type Engine struct{}

// Score runs embedding through the autoencoder in m and returns its mean
// squared reconstruction error. A nil m returns 0, nil.
func (Engine) Score(embedding model.Embedding, m *model.AnomalyModel) (float64, error) {
	if m == nil {
		return 0, nil
	}
	if len(embedding) != m.EncoderW.Rows() {
		return 0, fmt.Errorf("anomaly.Score: embedding dim %d, want %d", len(embedding), m.EncoderW.Rows())
	}

	bottleneck := encode(embedding, m)
	reconstructed := decode(bottleneck, m)

	return mse(embedding, reconstructed), nil
}

// IsSpoof reports whether embedding's reconstruction error exceeds m's
// fitted spoof threshold. A nil m never flags spoofing.
func (e Engine) IsSpoof(embedding model.Embedding, m *model.AnomalyModel) (bool, float64, error) {
	score, err := e.Score(embedding, m)
	if err != nil {
		return false, 0, err
	}
	if m == nil {
		return false, score, nil
	}
	return score > m.SpoofThreshold, score, nil
}

func encode(x model.Embedding, m *model.AnomalyModel) []float64 {
	out := make([]float64, m.EncoderW.Cols())
	copy(out, m.EncoderB)
	for i, xi := range x {
		row := m.EncoderW.Data[i]
		for j, w := range row {
			out[j] += xi * w
		}
	}
	for i := range out {
		out[i] = math.Tanh(out[i])
	}
	return out
}

func decode(h []float64, m *model.AnomalyModel) []float64 {
	out := make([]float64, m.DecoderW.Cols())
	copy(out, m.DecoderB)
	for i, hi := range h {
		row := m.DecoderW.Data[i]
		for j, w := range row {
			out[j] += hi * w
		}
	}
	return out
}

func mse(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum / float64(len(a))
}

// FitConfig holds the autoencoder training parameters (SPEC_FULL.md §4.H).
type FitConfig struct {
	BottleneckDim        int     // default d_emb/4
	Epochs               int     // default 200
	LearningRate         float64 // default 0.01
	ThresholdPercentile  float64 // default 99
}

// DefaultFitConfig returns the pipeline's default anomaly-detector fitting
// parameters for an embedding of dimension dEmb.
func DefaultFitConfig(dEmb int) FitConfig {
	bottleneck := dEmb / 4
	if bottleneck < 1 {
		bottleneck = 1
	}
	return FitConfig{BottleneckDim: bottleneck, Epochs: 200, LearningRate: 0.01, ThresholdPercentile: 99}
}

// Fit trains a dense autoencoder on genuine embeddings via plain gradient
// descent on mean squared reconstruction error, then sets SpoofThreshold
// to the cfg.ThresholdPercentile-th percentile of reconstruction error
// observed over the training population. rng must be supplied explicitly
// by the caller so a fit run is reproducible.
func Fit(embeddings []model.Embedding, cfg FitConfig, rng *rand.Rand) (model.AnomalyModel, error) {
	if len(embeddings) == 0 {
		return model.AnomalyModel{}, fmt.Errorf("anomaly.Fit: no embeddings")
	}
	dEmb := len(embeddings[0])
	bottleneck := cfg.BottleneckDim
	if bottleneck <= 0 {
		bottleneck = dEmb / 4
		if bottleneck < 1 {
			bottleneck = 1
		}
	}
	epochs := cfg.Epochs
	if epochs <= 0 {
		epochs = 200
	}
	lr := cfg.LearningRate
	if lr <= 0 {
		lr = 0.01
	}

	m := model.AnomalyModel{
		EncoderW: initTensor(dEmb, bottleneck, rng),
		EncoderB: make([]float64, bottleneck),
		DecoderW: initTensor(bottleneck, dEmb, rng),
		DecoderB: make([]float64, dEmb),
	}

	for epoch := 0; epoch < epochs; epoch++ {
		for _, e := range embeddings {
			trainStep(&m, e, lr)
		}
	}

	errors := make([]float64, len(embeddings))
	engine := Engine{}
	for i, e := range embeddings {
		score, err := engine.Score(e, &m)
		if err != nil {
			return model.AnomalyModel{}, err
		}
		errors[i] = score
	}
	percentile := cfg.ThresholdPercentile
	if percentile <= 0 {
		percentile = 99
	}
	m.SpoofThreshold = percentileOf(errors, percentile)

	return m, nil
}

func trainStep(m *model.AnomalyModel, x model.Embedding, lr float64) {
	h := encode(x, m)
	hRaw := make([]float64, len(h))
	copy(hRaw, h)
	yhat := decode(h, m)

	dimOut := len(yhat)
	gradOut := make([]float64, dimOut)
	for i := range gradOut {
		gradOut[i] = 2.0 / float64(dimOut) * (yhat[i] - x[i])
	}

	gradH := make([]float64, len(h))
	for i := range h {
		var sum float64
		for j, g := range gradOut {
			sum += g * m.DecoderW.Data[i][j]
		}
		gradH[i] = sum * (1 - h[i]*h[i]) // tanh derivative
	}

	for i := range m.DecoderW.Data {
		for j := range m.DecoderW.Data[i] {
			m.DecoderW.Data[i][j] -= lr * hRaw[i] * gradOut[j]
		}
	}
	for j := range m.DecoderB {
		m.DecoderB[j] -= lr * gradOut[j]
	}
	for i := range m.EncoderW.Data {
		for j := range m.EncoderW.Data[i] {
			m.EncoderW.Data[i][j] -= lr * x[i] * gradH[j]
		}
	}
	for j := range m.EncoderB {
		m.EncoderB[j] -= lr * gradH[j]
	}
}

func initTensor(rows, cols int, rng *rand.Rand) model.Tensor {
	t := model.NewTensor(rows, cols)
	scale := math.Sqrt(2.0 / float64(rows+cols))
	for i := range t.Data {
		for j := range t.Data[i] {
			t.Data[i][j] = rng.NormFloat64() * scale
		}
	}
	return t
}

func percentileOf(xs []float64, pct float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := pct / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
