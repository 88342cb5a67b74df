package config

import (
	"fmt"
	"strings"
)

// ValidationError represents one field-level configuration problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every problem found by Validate, so a bad
// config file is reported in full rather than one field at a time.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks c for internal consistency. It does not check the
// loaded model bundle's Arch against Pipeline — that check happens at
// bundle-load time, once both are in hand (see loadBundle in
// cmd/neuroauthd/bootstrap.go).
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{"version", fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version)})
	}

	errs = append(errs, validatePipeline(&c.Pipeline)...)
	errs = append(errs, validateDecision(&c.Decision)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateHotReload(&c.HotReload)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validatePipeline(p *Pipeline) ValidationErrors {
	var errs ValidationErrors
	if p.SampleRateOutHz <= 0 {
		errs = append(errs, ValidationError{"pipeline.sample_rate_out_hz", "must be positive"})
	}
	if p.WindowSeconds <= 0 {
		errs = append(errs, ValidationError{"pipeline.window_seconds", "must be positive"})
	}
	if p.StepSeconds <= 0 || p.StepSeconds > p.WindowSeconds {
		errs = append(errs, ValidationError{"pipeline.step_seconds", "must be positive and not exceed window_seconds"})
	}
	if p.NChannels <= 0 {
		errs = append(errs, ValidationError{"pipeline.n_channels", "must be positive"})
	}
	if p.EmbeddingDim <= 0 {
		errs = append(errs, ValidationError{"pipeline.embedding_dim", "must be positive"})
	}
	if p.HiddenSize <= 0 {
		errs = append(errs, ValidationError{"pipeline.hidden_size", "must be positive"})
	}
	if p.EncoderLayers <= 0 {
		errs = append(errs, ValidationError{"pipeline.encoder_layers", "must be positive"})
	}
	if p.PrototypesPerUser <= 0 {
		errs = append(errs, ValidationError{"pipeline.prototypes_per_user", "must be at least 1"})
	}
	return errs
}

func validateDecision(d *Decision) ValidationErrors {
	var errs ValidationErrors
	if d.CalibratorForm != "logistic" {
		errs = append(errs, ValidationError{"decision.calibrator_form", fmt.Sprintf("unsupported form %q", d.CalibratorForm)})
	}
	if d.SpoofThresholdPercentile <= 0 || d.SpoofThresholdPercentile > 100 {
		errs = append(errs, ValidationError{"decision.spoof_threshold_percentile", "must be in (0, 100]"})
	}
	switch d.Criterion {
	case "eer":
	case "target_far":
		if d.TargetFAR <= 0 || d.TargetFAR >= 1 {
			errs = append(errs, ValidationError{"decision.target_far", "must be in (0, 1) when criterion is target_far"})
		}
	default:
		errs = append(errs, ValidationError{"decision.decision_criterion", fmt.Sprintf("unsupported criterion %q", d.Criterion)})
	}
	if d.IGSteps <= 0 {
		errs = append(errs, ValidationError{"decision.ig_steps", "must be positive"})
	}
	if d.VerifyTimeoutMs <= 0 {
		errs = append(errs, ValidationError{"decision.verify_timeout_ms", "must be positive"})
	}
	return errs
}

func validateStorage(s *Storage) ValidationErrors {
	var errs ValidationErrors
	if s.ModelBundlePath == "" {
		errs = append(errs, ValidationError{"storage.model_bundle_path", "must not be empty"})
	}
	if s.DBPath == "" {
		errs = append(errs, ValidationError{"storage.db_path", "must not be empty"})
	}
	if s.MaxConnections <= 0 {
		errs = append(errs, ValidationError{"storage.max_connections", "must be positive"})
	}
	return errs
}

func validateHotReload(h *HotReload) ValidationErrors {
	var errs ValidationErrors
	allowed := map[string]bool{"decision": true, "logging": true, "metrics": true}
	for _, s := range h.Safe {
		if !allowed[s] {
			errs = append(errs, ValidationError{"hot_reload.safe", fmt.Sprintf("section %q cannot be hot-reloaded", s)})
		}
	}
	return errs
}
