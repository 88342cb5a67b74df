package encoder

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuroauth/internal/model"
)

func randomTensor(rows, cols int, rng *rand.Rand) model.Tensor {
	t := model.NewTensor(rows, cols)
	for i := range t.Data {
		for j := range t.Data[i] {
			t.Data[i][j] = rng.NormFloat64() * 0.1
		}
	}
	return t
}

func randomVec(n int, rng *rand.Rand) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = rng.NormFloat64() * 0.1
	}
	return v
}

func randomCell(inputDim, h int, rng *rand.Rand) model.GRUCell {
	return model.GRUCell{
		WUpdate: randomTensor(inputDim+h, h, rng), BUpdate: randomVec(h, rng),
		WReset: randomTensor(inputDim+h, h, rng), BReset: randomVec(h, rng),
		WNew: randomTensor(inputDim+h, h, rng), BNew: randomVec(h, rng),
	}
}

func testBundle(arch model.Arch, seed int64) model.EncoderWeights {
	rng := rand.New(rand.NewSource(seed))
	fwd := make([]model.GRUCell, arch.Layers)
	bwd := make([]model.GRUCell, arch.Layers)
	for l := 0; l < arch.Layers; l++ {
		// Every layer, including the first, reads HiddenSize-wide steps:
		// the input projection already maps Channels to HiddenSize.
		inputDim := arch.HiddenSize
		fwd[l] = randomCell(inputDim, arch.HiddenSize, rng)
		bwd[l] = randomCell(inputDim, arch.HiddenSize, rng)
	}
	return model.EncoderWeights{
		InputProj:  randomTensor(arch.Channels, arch.HiddenSize, rng),
		InputBias:  randomVec(arch.HiddenSize, rng),
		GRUForward: fwd, GRUBackward: bwd,
		AttnQuery:  randomVec(2*arch.HiddenSize, rng),
		OutputProj: randomTensor(2*arch.HiddenSize, arch.EmbeddingDim, rng),
		OutputBias: randomVec(arch.EmbeddingDim, rng),
	}
}

func testArch() model.Arch {
	return model.Arch{Channels: 4, WindowSamples: 16, HiddenSize: 6, Layers: 1, EmbeddingDim: 8}
}

func testWindow(arch model.Arch, seed int64) *model.Window {
	rng := rand.New(rand.NewSource(seed))
	samples := make([][]float64, arch.Channels)
	for c := range samples {
		row := make([]float64, arch.WindowSamples)
		for i := range row {
			row[i] = rng.NormFloat64()
		}
		samples[c] = row
	}
	return &model.Window{Samples: samples}
}

func TestEncode_UnitNorm(t *testing.T) {
	arch := testArch()
	enc, err := New(testBundle(arch, 1), arch)
	require.NoError(t, err)

	emb, err := enc.Encode(testWindow(arch, 2))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, emb.Norm(), 1e-4)
	for _, v := range emb {
		require.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}
}

func TestEncode_Deterministic(t *testing.T) {
	arch := testArch()
	weights := testBundle(arch, 1)
	enc, err := New(weights, arch)
	require.NoError(t, err)

	w := testWindow(arch, 3)
	a, err := enc.Encode(w)
	require.NoError(t, err)
	b, err := enc.Encode(w)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEncode_WrongShape(t *testing.T) {
	arch := testArch()
	enc, err := New(testBundle(arch, 1), arch)
	require.NoError(t, err)

	bad := &model.Window{Samples: [][]float64{{1, 2, 3}}}
	_, err = enc.Encode(bad)
	require.Error(t, err)
	assert.Equal(t, model.ErrKindInputFormat, model.KindOf(err))
}

func TestNew_DimensionMismatch(t *testing.T) {
	arch := testArch()
	weights := testBundle(arch, 1)
	weights.AttnQuery = weights.AttnQuery[:1]
	_, err := New(weights, arch)
	require.Error(t, err)
}
