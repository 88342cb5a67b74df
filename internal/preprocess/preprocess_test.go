package preprocess

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuroauth/internal/channels"
	"neuroauth/internal/model"
)

func syntheticTrial(fs float64, seconds float64) *model.Trial {
	n := int(fs * seconds)
	samples := make([][]float64, channels.Count)
	for c := range samples {
		xs := make([]float64, n)
		for i := range xs {
			t := float64(i) / fs
			xs[i] = math.Sin(2*math.Pi*10*t) + 0.1*math.Sin(2*math.Pi*60*t)
		}
		samples[c] = xs
	}
	return &model.Trial{Samples: samples, FsIn: fs}
}

func TestProcess_ShapeAndRate(t *testing.T) {
	trial := syntheticTrial(256, 4)
	cfg := DefaultConfig()
	out, err := Process(trial, cfg)
	require.NoError(t, err)
	assert.Equal(t, channels.Count, out.Channels())
	assert.Equal(t, cfg.FsOut, out.FsOut)
	assert.InDelta(t, 4*cfg.FsOut, float64(out.Length()), 2)
}

func TestProcess_Standardized(t *testing.T) {
	trial := syntheticTrial(256, 4)
	out, err := Process(trial, DefaultConfig())
	require.NoError(t, err)
	for _, ch := range out.Samples {
		var sum float64
		for _, v := range ch {
			sum += v
		}
		mean := sum / float64(len(ch))
		assert.InDelta(t, 0, mean, 0.2)
	}
}

func TestProcess_EmptyTrial(t *testing.T) {
	trial := &model.Trial{Samples: make([][]float64, channels.Count), FsIn: 256}
	_, err := Process(trial, DefaultConfig())
	require.Error(t, err)
	assert.Equal(t, model.ErrKindEmptyTrial, model.KindOf(err))
}

func TestHeuristicRemover_ClipsOutliers(t *testing.T) {
	samples := [][]float64{{0, 0, 0, 0, 0, 100}}
	HeuristicRemover{ThresholdStd: 3}.Remove(samples, 256)
	assert.Less(t, samples[0][5], 100.0)
}

func TestResampleLinear_Downsample(t *testing.T) {
	xs := make([]float64, 256)
	for i := range xs {
		xs[i] = float64(i)
	}
	out := resampleLinear(xs, 256, 128)
	assert.InDelta(t, 128, len(out), 2)
}

func TestForwardBackward_ZeroPhase(t *testing.T) {
	lp := newBiquadLowPass(40, 256)
	xs := make([]float64, 512)
	for i := range xs {
		xs[i] = math.Sin(2 * math.Pi * 5 * float64(i) / 256)
	}
	out := forwardBackward(lp, xs)
	for _, v := range out {
		require.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}
}
