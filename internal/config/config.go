// Package config handles configuration loading, validation, and hot
// reload for neuroauth.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Version is the current config schema version.
const Version = 1

// Config is the full neuroauth service configuration (SPEC_FULL.md §6).
// Only the fields under HotReload.Safe may change at runtime; everything
// else requires a restart because it shapes the loaded model bundle.
type Config struct {
	Version int `toml:"version"`

	Pipeline  Pipeline  `toml:"pipeline"`
	Decision  Decision  `toml:"decision"`
	Storage   Storage   `toml:"storage"`
	Logging   Logging   `toml:"logging"`
	Metrics   Metrics   `toml:"metrics"`
	HotReload HotReload `toml:"hot_reload"`
}

// Pipeline holds the architecture/geometry parameters that must match the
// loaded model bundle's Arch (spec.md §6). Changing any of these without
// retraining invalidates the bundle.
type Pipeline struct {
	SampleRateOutHz   float64 `toml:"sample_rate_out_hz"`
	WindowSeconds     float64 `toml:"window_seconds"`
	StepSeconds       float64 `toml:"step_seconds"`
	NChannels         int     `toml:"n_channels"`
	EmbeddingDim      int     `toml:"embedding_dim"`
	HiddenSize        int     `toml:"hidden_size"`
	EncoderLayers     int     `toml:"encoder_layers"`
	PrototypesPerUser int     `toml:"prototypes_per_user"`
}

// Decision holds the safe-to-change knobs governing the verification
// decision (SPEC_FULL.md §6).
type Decision struct {
	CalibratorForm           string  `toml:"calibrator_form"` // "logistic" (only supported form)
	SpoofThresholdPercentile float64 `toml:"spoof_threshold_percentile"`
	Criterion                string  `toml:"decision_criterion"` // "eer" or "target_far"
	TargetFAR                float64 `toml:"target_far"`
	IGSteps                  int     `toml:"ig_steps"`
	VerifyTimeoutMs          int     `toml:"verify_timeout_ms"`
}

// Storage holds paths for the model bundle and the SQLite-backed prototype
// and artifact store.
type Storage struct {
	ModelBundlePath string `toml:"model_bundle_path"`
	DBPath          string `toml:"db_path"`
	MaxConnections  int    `toml:"max_connections"`
	BusyTimeoutMs   int    `toml:"busy_timeout_ms"`
}

// Logging mirrors internal/logging.Config's TOML surface.
type Logging struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	Output     string `toml:"output"`
	FilePath   string `toml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Metrics controls the metrics HTTP endpoint.
type Metrics struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// HotReload lists which top-level sections are safe to apply without a
// restart. Pipeline geometry is never in this list: it is load-bearing
// for the model bundle's Arch and a mismatch must fail closed at startup,
// not silently drift under a running process.
type HotReload struct {
	Safe []string `toml:"safe"`
}

// DefaultConfig returns neuroauth's default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Pipeline: Pipeline{
			SampleRateOutHz:   128,
			WindowSeconds:     2,
			StepSeconds:       1,
			NChannels:         48,
			EmbeddingDim:      128,
			HiddenSize:        128,
			EncoderLayers:     2,
			PrototypesPerUser: 2,
		},
		Decision: Decision{
			CalibratorForm:           "logistic",
			SpoofThresholdPercentile: 99,
			Criterion:                "eer",
			IGSteps:                  50,
			VerifyTimeoutMs:          500,
		},
		Storage: Storage{
			ModelBundlePath: filepath.Join(PlatformDataDir(), "model_bundle.bin"),
			DBPath:          filepath.Join(PlatformDataDir(), "neuroauth.db"),
			MaxConnections:  4,
			BusyTimeoutMs:   5000,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "json",
			Output:     "file",
			FilePath:   filepath.Join(PlatformDataDir(), "neuroauth.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Metrics: Metrics{
			Enabled: true,
			Addr:    "127.0.0.1:9095",
		},
		HotReload: HotReload{
			Safe: []string{"decision", "logging", "metrics"},
		},
	}
}

// Clone returns a deep-enough copy of c for safe concurrent comparison
// (only HotReload.Safe is a slice field, and it is replaced wholesale on
// reload, never mutated in place).
func (c *Config) Clone() *Config {
	clone := *c
	clone.HotReload.Safe = append([]string(nil), c.HotReload.Safe...)
	return &clone
}

// PlatformDataDir returns the platform-specific data directory for
// neuroauth's model bundle, database, and logs.
func PlatformDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "neuroauth")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "neuroauth")
		}
		return filepath.Join(home, "AppData", "Roaming", "neuroauth")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "neuroauth")
		}
		return filepath.Join(home, ".local", "share", "neuroauth")
	}
}

// ConfigPath returns the default location of the TOML config file.
func ConfigPath() string {
	return filepath.Join(PlatformDataDir(), "config.toml")
}
