package calibrate

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syntheticSamples(rng *rand.Rand, n int) []Sample {
	samples := make([]Sample, 0, 2*n)
	for i := 0; i < n; i++ {
		samples = append(samples, Sample{Score: 0.8 + rng.NormFloat64()*0.05, Genuine: true})
		samples = append(samples, Sample{Score: 0.2 + rng.NormFloat64()*0.05, Genuine: false})
	}
	return samples
}

func TestFit_SeparatesGenuineFromImpostor(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	samples := syntheticSamples(rng, 200)
	cal, err := Fit(samples, DefaultFitConfig())
	require.NoError(t, err)

	pGenuine := cal.Probability(0.8)
	pImpostor := cal.Probability(0.2)
	assert.Greater(t, pGenuine, pImpostor)
	assert.Greater(t, pGenuine, 0.5)
	assert.Less(t, pImpostor, 0.5)
}

func TestFit_NoSamples(t *testing.T) {
	_, err := Fit(nil, DefaultFitConfig())
	require.Error(t, err)
}

func TestChooseThreshold_EER(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	samples := syntheticSamples(rng, 200)
	cal, err := Fit(samples, DefaultFitConfig())
	require.NoError(t, err)

	threshold, err := ChooseThreshold(samples, cal, DefaultThresholdConfig())
	require.NoError(t, err)
	assert.InDelta(t, threshold.FAR, threshold.FRR, 0.2)
}

func TestChooseThreshold_TargetFAR(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	samples := syntheticSamples(rng, 200)
	cal, err := Fit(samples, DefaultFitConfig())
	require.NoError(t, err)

	threshold, err := ChooseThreshold(samples, cal, ThresholdConfig{Criterion: "target_far", TargetFAR: 0.05})
	require.NoError(t, err)
	assert.LessOrEqual(t, threshold.FAR, 0.05+1e-9)
}
