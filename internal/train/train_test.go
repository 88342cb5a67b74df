package train

import (
	"io"
	"log/slog"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuroauth/internal/model"
)

func smallArch() model.Arch {
	return model.Arch{Channels: 2, WindowSamples: 6, HiddenSize: 4, Layers: 1, EmbeddingDim: 3}
}

// clusteredExamples builds two users whose windows are drawn from distinct
// constant-offset distributions, an easy separation a correctly-wired
// training loop should exploit.
func clusteredExamples(arch model.Arch, rng *rand.Rand, perUser int) []Example {
	offsets := map[string]float64{"alice": 2.0, "bob": -2.0}
	var out []Example
	for user, offset := range offsets {
		for i := 0; i < perUser; i++ {
			samples := make([][]float64, arch.Channels)
			for c := range samples {
				row := make([]float64, arch.WindowSamples)
				for t := range row {
					row[t] = offset + rng.NormFloat64()*0.1
				}
				samples[c] = row
			}
			out = append(out, Example{UserID: user, Window: model.Window{Samples: samples}})
		}
	}
	return out
}

func TestRun_ProducesFiniteWeights(t *testing.T) {
	arch := smallArch()
	rng := rand.New(rand.NewSource(42))
	trainEx := clusteredExamples(arch, rng, 12)
	valEx := clusteredExamples(arch, rng, 4)
	initW := NewRandomWeights(arch, rng)

	cfg := DefaultConfig()
	cfg.WarmupEpochs = 1
	cfg.MetricEpochs = 3
	cfg.BatchSize = 4
	cfg.Seed = 42

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	result, err := Run(log, arch, initW, []string{"alice", "bob"}, trainEx, valEx, cfg)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(result.BestLoss))
	assert.False(t, math.IsInf(result.BestLoss, 0))

	walkTensor(result.Weights.InputProj, func(v float64) {
		assert.False(t, math.IsNaN(v))
		assert.False(t, math.IsInf(v, 0))
	})
}

func constantWindow(arch model.Arch, value float64) model.Window {
	samples := make([][]float64, arch.Channels)
	for c := range samples {
		row := make([]float64, arch.WindowSamples)
		for t := range row {
			row[t] = value
		}
		samples[c] = row
	}
	return model.Window{Samples: samples}
}

func TestRun_MetricLearningSeparatesUsers(t *testing.T) {
	arch := smallArch()
	rng := rand.New(rand.NewSource(7))
	trainEx := clusteredExamples(arch, rng, 16)
	valEx := clusteredExamples(arch, rng, 6)
	initW := NewRandomWeights(arch, rng)

	cfg := DefaultConfig()
	cfg.WarmupEpochs = 1
	cfg.MetricEpochs = 15
	cfg.BatchSize = 8
	cfg.Seed = 7

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	result, err := Run(log, arch, initW, []string{"alice", "bob"}, trainEx, valEx, cfg)
	require.NoError(t, err)

	aliceA := forward(result.Weights, constantWindow(arch, 2.0).Samples).normalized
	aliceB := forward(result.Weights, constantWindow(arch, 1.9).Samples).normalized
	bob := forward(result.Weights, constantWindow(arch, -2.0).Samples).normalized

	sameUserSim := model.Cosine(aliceA, aliceB)
	crossUserSim := model.Cosine(aliceA, bob)
	assert.Greater(t, sameUserSim, crossUserSim)
}
