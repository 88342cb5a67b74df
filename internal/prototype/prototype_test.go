package prototype

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuroauth/internal/model"
)

func clusteredEmbeddings(rng *rand.Rand) []model.Embedding {
	var out []model.Embedding
	centers := [][]float64{{1, 0, 0}, {0, 1, 0}}
	for _, c := range centers {
		for i := 0; i < 20; i++ {
			v := model.Embedding{
				c[0] + rng.NormFloat64()*0.01,
				c[1] + rng.NormFloat64()*0.01,
				c[2] + rng.NormFloat64()*0.01,
			}
			out = append(out, v.Normalize())
		}
	}
	return out
}

func TestBuild_UnitNormPrototypes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	embeddings := clusteredEmbeddings(rng)
	set, err := Build("user-1", embeddings, DefaultConfig(), rng)
	require.NoError(t, err)
	assert.Equal(t, 2, len(set.Prototypes))
	for _, p := range set.Prototypes {
		assert.InDelta(t, 1.0, p.Norm(), 1e-6)
	}
}

func TestBuild_SeparatesClusters(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	embeddings := clusteredEmbeddings(rng)
	set, err := Build("user-1", embeddings, DefaultConfig(), rng)
	require.NoError(t, err)
	sim := model.Cosine(set.Prototypes[0], set.Prototypes[1])
	assert.Less(t, sim, 0.5)
}

func TestBuild_KExceedsEmbeddings(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	embeddings := []model.Embedding{{1, 0}, {0, 1}}
	set, err := Build("user-1", embeddings, Config{K: 5, MaxIters: 10, Tolerance: 1e-4}, rng)
	require.NoError(t, err)
	assert.Equal(t, 2, len(set.Prototypes))
}

func TestBuild_NoEmbeddings(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	_, err := Build("user-1", nil, DefaultConfig(), rng)
	require.Error(t, err)
}
