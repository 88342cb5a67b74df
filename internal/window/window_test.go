package window

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuroauth/internal/channels"
	"neuroauth/internal/model"
)

func processedTrial(n int) *model.ProcessedTrial {
	samples := make([][]float64, channels.Count)
	for c := range samples {
		xs := make([]float64, n)
		for i := range xs {
			xs[i] = float64(i)
		}
		samples[c] = xs
	}
	return &model.ProcessedTrial{Samples: samples, FsOut: 128}
}

func TestWindows_Count(t *testing.T) {
	trial := processedTrial(256 + 128*3) // width 256, stride 128 -> 4 windows
	ws, err := Windows(trial, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 4, len(ws))
	for _, w := range ws {
		assert.Equal(t, channels.Count, w.Channels())
		assert.Equal(t, 256, w.Width())
	}
}

func TestWindows_TooShort(t *testing.T) {
	trial := processedTrial(100)
	_, err := Windows(trial, DefaultConfig())
	require.Error(t, err)
	assert.Equal(t, model.ErrKindProbeTooShort, model.KindOf(err))
}

func TestAugmentedWindows_Deterministic(t *testing.T) {
	trial := processedTrial(256 + 128*3)
	rng1 := rand.New(rand.NewSource(42))
	rng2 := rand.New(rand.NewSource(42))
	a, err := AugmentedWindows(trial, DefaultConfig(), DefaultAugmentationConfig(), rng1)
	require.NoError(t, err)
	b, err := AugmentedWindows(trial, DefaultConfig(), DefaultAugmentationConfig(), rng2)
	require.NoError(t, err)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].Samples, b[i].Samples)
	}
}

func TestAugmentedWindows_PreservesShape(t *testing.T) {
	trial := processedTrial(256 + 128*3)
	rng := rand.New(rand.NewSource(1))
	ws, err := AugmentedWindows(trial, DefaultConfig(), DefaultAugmentationConfig(), rng)
	require.NoError(t, err)
	for _, w := range ws {
		assert.Equal(t, channels.Count, w.Channels())
		assert.Equal(t, 256, w.Width())
		for _, ch := range w.Samples {
			for _, v := range ch {
				require.False(t, math.IsNaN(v) || math.IsInf(v, 0))
			}
		}
	}
}

func TestMixup_Shape(t *testing.T) {
	trial := processedTrial(256)
	ws, err := Windows(trial, DefaultConfig())
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(7))
	mixed := Mixup(ws[0], ws[0], 0.4, rng)
	assert.Equal(t, ws[0].Channels(), mixed.Channels())
	assert.Equal(t, ws[0].Width(), mixed.Width())
}

func TestRotate_Circular(t *testing.T) {
	xs := []float64{1, 2, 3, 4, 5}
	out := rotate(xs, 2)
	assert.Equal(t, []float64{4, 5, 1, 2, 3}, out)
}
