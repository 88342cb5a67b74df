package verify

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuroauth/internal/anomaly"
	"neuroauth/internal/encoder"
	"neuroauth/internal/model"
	"neuroauth/internal/store"
	"neuroauth/internal/train"
	"neuroauth/internal/window"
)

func testArch() model.Arch {
	return model.Arch{Channels: 1, WindowSamples: 4, HiddenSize: 2, Layers: 1, EmbeddingDim: 2}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "neuroauth.db"), 1, 1000)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// newTestBundle builds an Engine whose single enrolled user's only
// prototype is the exact embedding of genuineWindow, so a probe trial that
// windows to exactly genuineWindow produces a raw score of 1.0
// deterministically, regardless of the random encoder weights.
func newTestBundle(t *testing.T) (*model.ModelBundle, model.Window, *encoder.Encoder) {
	t.Helper()
	arch := testArch()
	rng := rand.New(rand.NewSource(1))
	weights := train.NewRandomWeights(arch, rng)
	enc, err := encoder.New(weights, arch)
	require.NoError(t, err)

	genuineWindow := model.Window{Samples: [][]float64{{0.1, 0.2, 0.3, 0.4}}}
	genuineEmb, err := enc.Encode(&genuineWindow)
	require.NoError(t, err)

	anomalyModel, err := anomaly.Fit([]model.Embedding{genuineEmb}, anomaly.DefaultFitConfig(arch.EmbeddingDim), rng)
	require.NoError(t, err)

	bundle := &model.ModelBundle{
		Arch:    arch,
		Encoder: weights,
		Prototypes: map[string]model.PrototypeSet{
			"alice": {UserID: "alice", Prototypes: []model.Embedding{genuineEmb}},
		},
		Calibrator: model.Calibrator{A: 4, B: 0},
		Anomaly:    anomalyModel,
		Threshold:  model.OperatingThreshold{Tau: 0.5},
	}
	return bundle, genuineWindow, enc
}

func TestVerify_UnknownUser(t *testing.T) {
	bundle, _, _ := newTestBundle(t)
	st := openTestStore(t)
	wcfg := window.Config{WidthSamples: 4, StrideSamples: 4}
	e := New(bundle, wcfg, nil, st, testLogger(), nil)

	probe := &model.ProcessedTrial{Samples: [][]float64{{0.1, 0.2, 0.3, 0.4}}, FsOut: 128}
	result, err := e.Verify(context.Background(), "ghost", probe, time.Second)

	require.Error(t, err)
	assert.Equal(t, model.ErrKindUnknownUser, model.KindOf(err))
	assert.Equal(t, Reject, result.Decision)
	assert.Empty(t, result.ArtifactID)
}

func TestVerify_ProbeTooShort(t *testing.T) {
	bundle, _, _ := newTestBundle(t)
	st := openTestStore(t)
	wcfg := window.Config{WidthSamples: 4, StrideSamples: 4}
	e := New(bundle, wcfg, nil, st, testLogger(), nil)

	probe := &model.ProcessedTrial{Samples: [][]float64{{0.1, 0.2, 0.3}}, FsOut: 128}
	result, err := e.Verify(context.Background(), "alice", probe, time.Second)

	require.Error(t, err)
	assert.Equal(t, model.ErrKindProbeTooShort, model.KindOf(err))
	assert.Equal(t, Reject, result.Decision)
}

func TestVerify_GenuineAcceptOnExactMatch(t *testing.T) {
	bundle, genuineWindow, _ := newTestBundle(t)
	st := openTestStore(t)
	wcfg := window.Config{WidthSamples: 4, StrideSamples: 4}
	e := New(bundle, wcfg, nil, st, testLogger(), nil)

	probe := &model.ProcessedTrial{Samples: genuineWindow.Samples, FsOut: 128}
	result, err := e.Verify(context.Background(), "alice", probe, time.Second)

	require.NoError(t, err)
	assert.Equal(t, Accept, result.Decision)
	assert.InDelta(t, 1.0, result.RawScore, 1e-9)
	assert.False(t, result.IsSpoof)
	assert.NotEmpty(t, result.ArtifactID)

	bytes, err := e.FetchAttribution(result.ArtifactID)
	require.NoError(t, err)
	assert.NotEmpty(t, bytes)
}

func TestVerify_SpoofGateForcesReject(t *testing.T) {
	bundle, genuineWindow, _ := newTestBundle(t)
	bundle.Anomaly.SpoofThreshold = -1 // forces every reconstruction error to exceed threshold
	st := openTestStore(t)
	wcfg := window.Config{WidthSamples: 4, StrideSamples: 4}
	e := New(bundle, wcfg, nil, st, testLogger(), nil)

	probe := &model.ProcessedTrial{Samples: genuineWindow.Samples, FsOut: 128}
	result, err := e.Verify(context.Background(), "alice", probe, time.Second)

	require.NoError(t, err)
	assert.Equal(t, Reject, result.Decision)
	assert.True(t, result.IsSpoof)
}

func TestVerify_RejectsWrongChannelCount(t *testing.T) {
	bundle, _, _ := newTestBundle(t)
	st := openTestStore(t)
	wcfg := window.Config{WidthSamples: 4, StrideSamples: 4}
	e := New(bundle, wcfg, nil, st, testLogger(), nil)

	probe := &model.ProcessedTrial{Samples: [][]float64{{0.1, 0.2, 0.3, 0.4}, {0.1, 0.2, 0.3, 0.4}}, FsOut: 128}
	result, err := e.Verify(context.Background(), "alice", probe, time.Second)

	require.Error(t, err)
	assert.Equal(t, model.ErrKindInputFormat, model.KindOf(err))
	assert.Equal(t, Reject, result.Decision)
}

func TestVerify_DeadlineExceeded(t *testing.T) {
	bundle, genuineWindow, _ := newTestBundle(t)
	st := openTestStore(t)
	wcfg := window.Config{WidthSamples: 4, StrideSamples: 4}
	e := New(bundle, wcfg, nil, st, testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	probe := &model.ProcessedTrial{Samples: genuineWindow.Samples, FsOut: 128}
	result, err := e.Verify(ctx, "alice", probe, 0)

	require.Error(t, err)
	assert.Equal(t, Reject, result.Decision)
}
