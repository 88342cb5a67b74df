package attribution

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuroauth/internal/model"
)

func tinyArch() model.Arch {
	return model.Arch{Channels: 2, WindowSamples: 4, HiddenSize: 3, Layers: 1, EmbeddingDim: 2}
}

func tinyWeights(rng *rand.Rand, arch model.Arch) model.EncoderWeights {
	randTensor := func(rows, cols int) model.Tensor {
		t := model.NewTensor(rows, cols)
		for i := range t.Data {
			for j := range t.Data[i] {
				t.Data[i][j] = rng.NormFloat64() * 0.5
			}
		}
		return t
	}
	randVec := func(n int) []float64 {
		v := make([]float64, n)
		for i := range v {
			v[i] = rng.NormFloat64() * 0.5
		}
		return v
	}
	newCell := func(inDim, h int) model.GRUCell {
		return model.GRUCell{
			WUpdate: randTensor(inDim+h, h), BUpdate: randVec(h),
			WReset: randTensor(inDim+h, h), BReset: randVec(h),
			WNew: randTensor(inDim+h, h), BNew: randVec(h),
		}
	}
	h := arch.HiddenSize
	layersFwd := make([]model.GRUCell, arch.Layers)
	layersBwd := make([]model.GRUCell, arch.Layers)
	for l := 0; l < arch.Layers; l++ {
		inDim := h
		if l == 0 {
			inDim = h // input projection already maps to h
		}
		layersFwd[l] = newCell(inDim, h)
		layersBwd[l] = newCell(inDim, h)
	}
	return model.EncoderWeights{
		InputProj:   randTensor(arch.Channels, h),
		InputBias:   randVec(h),
		GRUForward:  layersFwd,
		GRUBackward: layersBwd,
		AttnQuery:   randVec(2 * h),
		OutputProj:  randTensor(2*h, arch.EmbeddingDim),
		OutputBias:  randVec(arch.EmbeddingDim),
	}
}

func randomWindow(rng *rand.Rand, arch model.Arch) [][]float64 {
	x := make([][]float64, arch.Channels)
	for c := range x {
		row := make([]float64, arch.WindowSamples)
		for t := range row {
			row[t] = rng.NormFloat64()
		}
		x[c] = row
	}
	return x
}

// TestGradCosine_MatchesFiniteDifference checks the hand-derived backprop
// in gradients.go against a numerical gradient, since a sign error in the
// GRU backward pass would otherwise silently produce plausible-looking but
// wrong attribution maps.
func TestGradCosine_MatchesFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	arch := tinyArch()
	weights := tinyWeights(rng, arch)
	proto := model.Embedding{0.6, 0.8}
	x := randomWindow(rng, arch)

	cos, grad, err := gradCosine(weights, arch, x, proto)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(cos))

	const eps = 1e-5
	for c := 0; c < arch.Channels; c++ {
		for tIdx := 0; tIdx < arch.WindowSamples; tIdx++ {
			perturbed := copyWindow(x)
			perturbed[c][tIdx] += eps
			plus, _, err := gradCosine(weights, arch, perturbed, proto)
			require.NoError(t, err)

			perturbed[c][tIdx] -= 2 * eps
			minus, _, err := gradCosine(weights, arch, perturbed, proto)
			require.NoError(t, err)

			numerical := (plus - minus) / (2 * eps)
			assert.InDelta(t, numerical, grad[c][tIdx], 2e-3, "channel %d sample %d", c, tIdx)
		}
	}
}

func copyWindow(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

func TestIntegratedGradients_PositiveL1Norm(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	arch := tinyArch()
	weights := tinyWeights(rng, arch)
	proto := model.Embedding{0.6, 0.8}
	win := &model.Window{Samples: randomWindow(rng, arch)}

	ig := IntegratedGradients{Steps: 10}
	importance, err := ig.Attribute(weights, arch, win, proto)
	require.NoError(t, err)

	var l1 float64
	for _, row := range importance {
		for _, v := range row {
			l1 += math.Abs(v)
		}
	}
	assert.Greater(t, l1, 0.0)
}

func TestIntegratedGradients_RejectsShapeMismatch(t *testing.T) {
	arch := tinyArch()
	weights := tinyWeights(rand.New(rand.NewSource(1)), arch)
	win := &model.Window{Samples: [][]float64{{1, 2, 3}}}
	_, err := (IntegratedGradients{Steps: 5}).Attribute(weights, arch, win, model.Embedding{1, 0})
	require.Error(t, err)
	assert.Equal(t, model.ErrKindInputFormat, model.KindOf(err))
}

func TestArtifactIDDeterministic(t *testing.T) {
	id1 := NewArtifactID("alice", "hash1", 0.9, fixedTime())
	id2 := NewArtifactID("alice", "hash1", 0.9, fixedTime())
	assert.Equal(t, id1, id2)

	id3 := NewArtifactID("bob", "hash1", 0.9, fixedTime())
	assert.NotEqual(t, id1, id3)
}

func fixedTime() time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}
