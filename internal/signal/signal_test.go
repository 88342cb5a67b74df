package signal

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuroauth/internal/channels"
	"neuroauth/internal/model"
)

func validEnvelope(samplesPerChannel int) Envelope {
	env := Envelope{SampleRateHz: 256, Channels: make([]ChannelData, channels.Count)}
	for i, name := range channels.Manifest {
		samples := make([]float64, samplesPerChannel)
		for t := range samples {
			samples[t] = float64(t) * 0.001
		}
		env.Channels[i] = ChannelData{Name: name, Samples: samples}
	}
	return env
}

func encode(t *testing.T, env Envelope) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func TestLoad_Valid(t *testing.T) {
	env := validEnvelope(512)
	trial, err := Load(encode(t, env))
	require.NoError(t, err)
	assert.Equal(t, channels.Count, trial.Channels())
	assert.Equal(t, 512, trial.Length())
	assert.Equal(t, 256.0, trial.FsIn)
	assert.True(t, trial.Finite())
}

func TestLoad_MissingChannel(t *testing.T) {
	env := validEnvelope(512)
	env.Channels = env.Channels[1:]
	_, err := Load(encode(t, env))
	require.Error(t, err)
	assert.Equal(t, model.ErrKindInputFormat, model.KindOf(err))
}

func TestLoad_DuplicateChannel(t *testing.T) {
	env := validEnvelope(512)
	env.Channels = append(env.Channels, env.Channels[0])
	_, err := Load(encode(t, env))
	require.Error(t, err)
	assert.Equal(t, model.ErrKindInputFormat, model.KindOf(err))
}

func TestLoad_RaggedChannel(t *testing.T) {
	env := validEnvelope(512)
	env.Channels[3].Samples = env.Channels[3].Samples[:10]
	_, err := Load(encode(t, env))
	require.Error(t, err)
	assert.Equal(t, model.ErrKindInputFormat, model.KindOf(err))
}

func TestLoad_EmptyTrial(t *testing.T) {
	env := validEnvelope(0)
	_, err := Load(encode(t, env))
	require.Error(t, err)
	assert.Equal(t, model.ErrKindEmptyTrial, model.KindOf(err))
}

func TestLoad_NonFinite(t *testing.T) {
	env := validEnvelope(512)
	env.Channels[0].Samples[0] = math.NaN()
	_, err := Load(encode(t, env))
	require.Error(t, err)
	assert.Equal(t, model.ErrKindNumeric, model.KindOf(err))
}

func TestLoad_BadSampleRate(t *testing.T) {
	env := validEnvelope(512)
	env.SampleRateHz = 0
	_, err := Load(encode(t, env))
	require.Error(t, err)
	assert.Equal(t, model.ErrKindInputFormat, model.KindOf(err))
}

func TestLoad_MalformedJSON(t *testing.T) {
	_, err := Load(bytes.NewReader([]byte("{not json")))
	require.Error(t, err)
	assert.Equal(t, model.ErrKindInputFormat, model.KindOf(err))
}

func TestValidate_TooShort(t *testing.T) {
	trial := &model.Trial{FsIn: 256, Samples: make([][]float64, channels.Count)}
	for i := range trial.Samples {
		trial.Samples[i] = make([]float64, 10)
	}
	err := Validate(trial)
	require.Error(t, err)
	assert.Equal(t, model.ErrKindEmptyTrial, model.KindOf(err))
}
