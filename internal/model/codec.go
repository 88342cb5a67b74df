package model

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"
)

// BundleManifest is the human-inspectable side file accompanying an
// encoder weights blob: the architecture hyperparameters a bundle was
// trained against, plus versioning metadata. Stored as YAML next to the
// opaque weights blob (SPEC_FULL.md §9) so an operator can check a
// deployed model's shape without decoding the blob itself.
type BundleManifest struct {
	Version     string    `yaml:"version"`
	TrainedAt   time.Time `yaml:"trained_at"`
	Arch        Arch      `yaml:"arch"`
	Fingerprint string    `yaml:"fingerprint"` // blake2b-256 of the weights blob, hex
}

// SaveEncoderBundle writes the encoder weights to weightsPath as a JSON
// blob and a companion manifest (weightsPath + ".manifest.yaml") carrying
// Arch and version metadata, per the persisted-artifact contract in
// spec.md §6.
func SaveEncoderBundle(weightsPath string, arch Arch, version string, trainedAt time.Time, weights EncoderWeights) error {
	blob, err := json.Marshal(weights)
	if err != nil {
		return fmt.Errorf("model.SaveEncoderBundle: marshal weights: %w", err)
	}
	if err := os.WriteFile(weightsPath, blob, 0o644); err != nil {
		return fmt.Errorf("model.SaveEncoderBundle: write weights: %w", err)
	}

	sum := blake2b.Sum256(blob)
	manifest := BundleManifest{
		Version:     version,
		TrainedAt:   trainedAt,
		Arch:        arch,
		Fingerprint: fmt.Sprintf("%x", sum),
	}
	manifestBlob, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("model.SaveEncoderBundle: marshal manifest: %w", err)
	}
	if err := os.WriteFile(manifestPath(weightsPath), manifestBlob, 0o644); err != nil {
		return fmt.Errorf("model.SaveEncoderBundle: write manifest: %w", err)
	}
	return nil
}

// LoadEncoderBundle reads the manifest alongside weightsPath, validates
// the weights blob's fingerprint against it, and decodes the weights.
// Arch validation against the running configuration's expectations is the
// caller's responsibility (internal/encoder.New does the shape check).
func LoadEncoderBundle(weightsPath string) (EncoderWeights, BundleManifest, error) {
	manifestBlob, err := os.ReadFile(manifestPath(weightsPath))
	if err != nil {
		return EncoderWeights{}, BundleManifest{}, NewError("model.LoadEncoderBundle", ErrKindModelNotLoaded,
			fmt.Errorf("read manifest: %w", err))
	}
	var manifest BundleManifest
	if err := yaml.Unmarshal(manifestBlob, &manifest); err != nil {
		return EncoderWeights{}, BundleManifest{}, NewError("model.LoadEncoderBundle", ErrKindModelNotLoaded,
			fmt.Errorf("decode manifest: %w", err))
	}

	blob, err := os.ReadFile(weightsPath)
	if err != nil {
		return EncoderWeights{}, BundleManifest{}, NewError("model.LoadEncoderBundle", ErrKindModelNotLoaded,
			fmt.Errorf("read weights: %w", err))
	}
	sum := blake2b.Sum256(blob)
	if fmt.Sprintf("%x", sum) != manifest.Fingerprint {
		return EncoderWeights{}, BundleManifest{}, NewError("model.LoadEncoderBundle", ErrKindModelNotLoaded,
			fmt.Errorf("weights blob fingerprint mismatch against manifest"))
	}

	var weights EncoderWeights
	if err := json.Unmarshal(blob, &weights); err != nil {
		return EncoderWeights{}, BundleManifest{}, NewError("model.LoadEncoderBundle", ErrKindModelNotLoaded,
			fmt.Errorf("decode weights: %w", err))
	}
	return weights, manifest, nil
}

func manifestPath(weightsPath string) string {
	return weightsPath + ".manifest.yaml"
}
