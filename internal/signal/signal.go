// Package signal implements Component A of the verification pipeline: it
// parses a raw recording envelope, validates and reorders its channels
// against the canonical manifest, and returns the result as one Trial. An
// envelope carries a single, already segmented trial; Load does no
// segmentation of its own.
package signal

import (
	"encoding/json"
	"fmt"
	"io"

	"neuroauth/internal/channels"
	"neuroauth/internal/model"
)

// Envelope is the on-wire recording format: a JSON document naming each
// channel alongside its sample series and the acquisition sample rate.
type Envelope struct {
	SampleRateHz float64        `json:"sample_rate_hz"`
	Channels     []ChannelData  `json:"channels"`
}

// ChannelData is one named channel's sample series within an Envelope.
type ChannelData struct {
	Name    string    `json:"name"`
	Samples []float64 `json:"samples"`
}

// Load reads one Envelope from r, validates its shape against the envelope
// JSON Schema and the canonical channel manifest, and returns a Trial with
// samples permuted into canonical channel order. Any malformed envelope,
// missing channel, or ragged sample series is reported as
// ErrKindInputFormat; an envelope with no samples at all is reported as
// ErrKindEmptyTrial; a trial whose decoded values are non-finite is
// reported as ErrKindNumeric.
func Load(r io.Reader) (*model.Trial, error) {
	const op = "signal.Load"

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, model.NewError(op, model.ErrKindInputFormat, fmt.Errorf("read envelope: %w", err))
	}

	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, model.NewError(op, model.ErrKindInputFormat, fmt.Errorf("decode envelope: %w", err))
	}
	schema, err := compiledEnvelopeSchema()
	if err != nil {
		return nil, model.NewError(op, model.ErrKindInputFormat, fmt.Errorf("compile envelope schema: %w", err))
	}
	if err := schema.Validate(instance); err != nil {
		return nil, model.NewError(op, model.ErrKindInputFormat, fmt.Errorf("envelope failed schema validation: %w", err))
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, model.NewError(op, model.ErrKindInputFormat, fmt.Errorf("decode envelope: %w", err))
	}

	if env.SampleRateHz <= 0 {
		return nil, model.NewError(op, model.ErrKindInputFormat, fmt.Errorf("sample_rate_hz must be positive, got %v", env.SampleRateHz))
	}

	names := make([]string, len(env.Channels))
	byName := make(map[string]ChannelData, len(env.Channels))
	for i, ch := range env.Channels {
		names[i] = ch.Name
		if _, dup := byName[ch.Name]; dup {
			return nil, model.NewError(op, model.ErrKindInputFormat, fmt.Errorf("duplicate channel %q", ch.Name))
		}
		byName[ch.Name] = ch
	}

	if err := channels.Validate(names); err != nil {
		return nil, model.NewError(op, model.ErrKindInputFormat, err)
	}

	samples := make([][]float64, channels.Count)
	sampleLen := -1
	for i, canonicalName := range channels.Manifest {
		ch := byName[canonicalName]
		if sampleLen == -1 {
			sampleLen = len(ch.Samples)
		} else if len(ch.Samples) != sampleLen {
			return nil, model.NewError(op, model.ErrKindInputFormat,
				fmt.Errorf("channel %q has %d samples, want %d", canonicalName, len(ch.Samples), sampleLen))
		}
		samples[i] = ch.Samples
	}

	if sampleLen <= 0 {
		return nil, model.NewError(op, model.ErrKindEmptyTrial, fmt.Errorf("trial has no samples"))
	}

	trial := &model.Trial{Samples: samples, FsIn: env.SampleRateHz}
	if !trial.Finite() {
		return nil, model.NewError(op, model.ErrKindNumeric, fmt.Errorf("trial contains non-finite samples"))
	}
	return trial, nil
}

// MinTrialSeconds is the minimum trial duration accepted for enrollment or
// verification; shorter trials cannot survive preprocessing and windowing,
// and Validate rejects them as ErrKindEmptyTrial. A trial that reaches
// windowing too short to fill one window is reported as
// ErrKindProbeTooShort by internal/window.
const MinTrialSeconds = 1.0

// Validate reports whether a decoded trial meets the minimum duration and
// finiteness requirements shared by every caller, independent of role.
func Validate(t *model.Trial) error {
	const op = "signal.Validate"
	if t.Length() == 0 {
		return model.NewError(op, model.ErrKindEmptyTrial, fmt.Errorf("trial has zero samples"))
	}
	seconds := float64(t.Length()) / t.FsIn
	if seconds < MinTrialSeconds {
		return model.NewError(op, model.ErrKindEmptyTrial,
			fmt.Errorf("trial duration %.3fs below minimum %.3fs", seconds, MinTrialSeconds))
	}
	if !t.Finite() {
		return model.NewError(op, model.ErrKindNumeric, fmt.Errorf("trial contains non-finite samples"))
	}
	return nil
}
