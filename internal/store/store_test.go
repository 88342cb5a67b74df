package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuroauth/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "neuroauth.db")
	s, err := Open(path, 4, 1000)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPrototypeRoundTrip(t *testing.T) {
	s := openTestStore(t)
	set := model.PrototypeSet{UserID: "alice", Prototypes: []model.Embedding{{1, 0, 0}, {0, 1, 0}}}
	require.NoError(t, s.PutPrototypeSet(set))

	got, ok, err := s.GetPrototypeSet("alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, set.Prototypes, got.Prototypes)

	_, ok, err = s.GetPrototypeSet("ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPrototypeOverwriteIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutPrototypeSet(model.PrototypeSet{UserID: "alice", Prototypes: []model.Embedding{{1, 0}}}))
	require.NoError(t, s.PutPrototypeSet(model.PrototypeSet{UserID: "alice", Prototypes: []model.Embedding{{0, 1}, {1, 0}}}))

	got, ok, err := s.GetPrototypeSet("alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got.Prototypes, 2)
}

func TestLoadAllPrototypes(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutPrototypeSet(model.PrototypeSet{UserID: "alice", Prototypes: []model.Embedding{{1, 0}}}))
	require.NoError(t, s.PutPrototypeSet(model.PrototypeSet{UserID: "bob", Prototypes: []model.Embedding{{0, 1}}}))

	all, err := s.LoadAllPrototypes()
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Contains(t, all, "alice")
	assert.Contains(t, all, "bob")
}

func TestCalibratorRoundTrip(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.GetCalibrator()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutCalibrator(model.Calibrator{A: 4.2, B: -1.1}))
	got, ok, err := s.GetCalibrator()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 4.2, got.A)
	assert.Equal(t, -1.1, got.B)
}

func TestAnomalyModelRoundTrip(t *testing.T) {
	s := openTestStore(t)
	m := model.AnomalyModel{
		EncoderW:       model.Tensor{Data: [][]float64{{1, 2}, {3, 4}}},
		EncoderB:       []float64{0.1, 0.2},
		DecoderW:       model.Tensor{Data: [][]float64{{5, 6}, {7, 8}}},
		DecoderB:       []float64{0.3, 0.4},
		SpoofThreshold: 0.5,
	}
	require.NoError(t, s.PutAnomalyModel(m))

	got, ok, err := s.GetAnomalyModel()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, m.EncoderW.Data, got.EncoderW.Data)
	assert.Equal(t, m.SpoofThreshold, got.SpoofThreshold)
}

func TestOperatingThresholdRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutOperatingThreshold(model.OperatingThreshold{Tau: 0.7, FAR: 0.01, FRR: 0.01}, "eer"))

	got, ok, err := s.GetOperatingThreshold()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.7, got.Tau)
}

func TestAttributionArtifactRoundTrip(t *testing.T) {
	s := openTestStore(t)
	art := model.AttributionArtifact{
		ID:         "art-1",
		UserID:     "alice",
		WindowHash: "deadbeef",
		Importance: [][]float64{{0.1, 0.2}, {0.3, 0.4}},
		CreatedAt:  time.Now().Truncate(time.Second),
	}
	require.NoError(t, s.PutAttributionArtifact(art, "integrated_gradients"))

	got, ok, err := s.GetAttributionArtifact("art-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, art.Importance, got.Importance)

	_, ok, err = s.GetAttributionArtifact("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAttributionArtifactWriteIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	art := model.AttributionArtifact{ID: "art-1", UserID: "alice", Importance: [][]float64{{1}}, CreatedAt: time.Now()}
	require.NoError(t, s.PutAttributionArtifact(art, "integrated_gradients"))
	require.NoError(t, s.PutAttributionArtifact(art, "integrated_gradients"))

	got, ok, err := s.GetAttributionArtifact("art-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, art.Importance, got.Importance)
}

func TestPruneAttributionArtifacts(t *testing.T) {
	s := openTestStore(t)
	old := model.AttributionArtifact{ID: "old", UserID: "alice", Importance: [][]float64{{1}}, CreatedAt: time.Now().Add(-48 * time.Hour)}
	fresh := model.AttributionArtifact{ID: "fresh", UserID: "alice", Importance: [][]float64{{1}}, CreatedAt: time.Now()}
	require.NoError(t, s.PutAttributionArtifact(old, "integrated_gradients"))
	require.NoError(t, s.PutAttributionArtifact(fresh, "integrated_gradients"))

	n, err := s.PruneAttributionArtifacts(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok, err := s.GetAttributionArtifact("old")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.GetAttributionArtifact("fresh")
	require.NoError(t, err)
	assert.True(t, ok)
}
