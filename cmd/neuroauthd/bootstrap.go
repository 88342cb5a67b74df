// Command neuroauthd runs the enrollment and verification pipeline as a
// local service: enroll and verify are invoked as subcommands against a
// persisted model bundle, and serve exposes only the ambient health and
// metrics endpoints (the verification decision itself has no HTTP façade,
// by design: see SPEC_FULL.md §1).
package main

import (
	"fmt"
	"strings"

	"neuroauth/internal/config"
	"neuroauth/internal/encoder"
	"neuroauth/internal/logging"
	"neuroauth/internal/model"
	"neuroauth/internal/preprocess"
	"neuroauth/internal/store"
	"neuroauth/internal/window"
)

// Version information, set via -ldflags at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	Commit    = "unknown"
)

// pipelineGeometry derives the windowing and encoder architecture the
// running config implies, from Pipeline's second/Hz parameters.
func pipelineGeometry(cfg *config.Config) (window.Config, preprocess.Config, model.Arch) {
	fs := cfg.Pipeline.SampleRateOutHz
	wcfg := window.Config{
		WidthSamples:  int(cfg.Pipeline.WindowSeconds * fs),
		StrideSamples: int(cfg.Pipeline.StepSeconds * fs),
	}
	pcfg := preprocess.DefaultConfig()
	pcfg.FsOut = fs

	arch := model.Arch{
		Channels:      cfg.Pipeline.NChannels,
		WindowSamples: wcfg.WidthSamples,
		HiddenSize:    cfg.Pipeline.HiddenSize,
		Layers:        cfg.Pipeline.EncoderLayers,
		EmbeddingDim:  cfg.Pipeline.EmbeddingDim,
	}
	return wcfg, pcfg, arch
}

// loadBundle opens the store and assembles the complete ModelBundle the
// verification engine serves: encoder weights from the on-disk bundle
// file, prototypes/calibrator/anomaly/threshold from the SQLite store.
// Returns a clear ErrKindModelNotLoaded if the running config's geometry
// no longer matches the trained weights' manifest, per HotReload's
// fail-closed contract (see internal/config.Config.HotReload doc comment).
func loadBundle(cfg *config.Config) (*model.ModelBundle, *store.Store, error) {
	_, _, wantArch := pipelineGeometry(cfg)

	weights, manifest, err := model.LoadEncoderBundle(cfg.Storage.ModelBundlePath)
	if err != nil {
		return nil, nil, fmt.Errorf("load encoder bundle: %w", err)
	}
	if manifest.Arch != wantArch {
		return nil, nil, model.NewError("main.loadBundle", model.ErrKindModelNotLoaded,
			fmt.Errorf("trained arch %+v does not match configured pipeline geometry %+v", manifest.Arch, wantArch))
	}

	st, err := store.Open(cfg.Storage.DBPath, cfg.Storage.MaxConnections, cfg.Storage.BusyTimeoutMs)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	prototypes, err := st.LoadAllPrototypes()
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("load prototypes: %w", err)
	}
	calibrator, _, err := st.GetCalibrator()
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("load calibrator: %w", err)
	}
	anomalyModel, _, err := st.GetAnomalyModel()
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("load anomaly model: %w", err)
	}
	threshold, _, err := st.GetOperatingThreshold()
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("load operating threshold: %w", err)
	}

	bundle := &model.ModelBundle{
		Version:    manifest.Version,
		TrainedAt:  manifest.TrainedAt,
		Arch:       manifest.Arch,
		Encoder:    weights,
		Prototypes: prototypes,
		Calibrator: calibrator,
		Anomaly:    anomalyModel,
		Threshold:  threshold,
	}
	return bundle, st, nil
}

// newEncoder constructs the encoder for a loaded bundle, failing closed
// (rather than panicking downstream) if the weights' shapes disagree with
// the declared Arch.
func newEncoder(bundle *model.ModelBundle) (*encoder.Encoder, error) {
	return encoder.New(bundle.Encoder, bundle.Arch)
}

// loggingConfig builds a logging.Config from the running config's Logging
// section, so the file/rotation/level knobs an operator sets in config.toml
// actually drive the process logger instead of being decoded and ignored.
func loggingConfig(cfg *config.Config, component string) *logging.Config {
	lc := logging.DefaultConfig()
	lc.Component = component

	if lvl, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
		lc.Level = lvl
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json":
		lc.Format = logging.FormatJSON
	case "text":
		lc.Format = logging.FormatText
	}
	if cfg.Logging.Output != "" {
		lc.Output = cfg.Logging.Output
	}
	if cfg.Logging.FilePath != "" {
		lc.FilePath = cfg.Logging.FilePath
	}
	if cfg.Logging.MaxSizeMB > 0 {
		lc.MaxSize = int64(cfg.Logging.MaxSizeMB)
	}
	if cfg.Logging.MaxAgeDays > 0 {
		lc.MaxAge = cfg.Logging.MaxAgeDays
	}
	if cfg.Logging.MaxBackups > 0 {
		lc.MaxBackups = cfg.Logging.MaxBackups
	}
	return lc
}
