package anomaly

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuroauth/internal/model"
)

func genuineEmbeddings(rng *rand.Rand, n, dim int) []model.Embedding {
	out := make([]model.Embedding, n)
	base := make([]float64, dim)
	for i := range base {
		base[i] = rng.NormFloat64()
	}
	for i := range out {
		v := make([]float64, dim)
		for j := range v {
			v[j] = base[j] + rng.NormFloat64()*0.05
		}
		out[i] = model.Embedding(v).Normalize()
	}
	return out
}

func TestEngine_NilModelIsOpenGate(t *testing.T) {
	e := Engine{}
	score, err := e.Score(model.Embedding{1, 0, 0}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)

	spoof, _, err := e.IsSpoof(model.Embedding{1, 0, 0}, nil)
	require.NoError(t, err)
	assert.False(t, spoof)
}

func TestFit_GenuineScoresBelowThreshold(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	embeddings := genuineEmbeddings(rng, 100, 16)
	m, err := Fit(embeddings, DefaultFitConfig(16), rng)
	require.NoError(t, err)

	engine := Engine{}
	belowCount := 0
	for _, e := range embeddings {
		spoof, _, err := engine.IsSpoof(e, &m)
		require.NoError(t, err)
		if !spoof {
			belowCount++
		}
	}
	assert.GreaterOrEqual(t, belowCount, 90)
}

func TestFit_OutlierFlaggedAsSpoof(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	embeddings := genuineEmbeddings(rng, 100, 16)
	m, err := Fit(embeddings, DefaultFitConfig(16), rng)
	require.NoError(t, err)

	outlier := make([]float64, 16)
	for i := range outlier {
		outlier[i] = rng.NormFloat64() * 10
	}
	engine := Engine{}
	spoof, score, err := engine.IsSpoof(model.Embedding(outlier).Normalize(), &m)
	require.NoError(t, err)
	assert.True(t, spoof)
	assert.Greater(t, score, m.SpoofThreshold*0.5)
}

func TestFit_NoEmbeddings(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	_, err := Fit(nil, DefaultFitConfig(16), rng)
	require.Error(t, err)
}

func TestPercentileOf(t *testing.T) {
	xs := []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 5, percentileOf(xs, 100), 1e-9)
	assert.InDelta(t, 1, percentileOf(xs, 0), 1e-9)
}
