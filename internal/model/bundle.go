package model

import (
	"math"
	"time"
)

// Tensor is a dense row-major weight matrix. Rows is len(Data); Cols is
// len(Data[0]) for a well-formed tensor.
type Tensor struct {
	Data [][]float64
}

func NewTensor(rows, cols int) Tensor {
	d := make([][]float64, rows)
	for i := range d {
		d[i] = make([]float64, cols)
	}
	return Tensor{Data: d}
}

func (t Tensor) Rows() int { return len(t.Data) }

func (t Tensor) Cols() int {
	if len(t.Data) == 0 {
		return 0
	}
	return len(t.Data[0])
}

// EncoderWeights holds the learned parameters of the sequence encoder
// (Component D): an input projection, a stacked bidirectional GRU, an
// dot-product attention pooling query, and an output projection. Field names
// mirror the layer they parameterize rather than a generic "layer0..N"
// scheme, since the architecture is fixed by Arch.
type EncoderWeights struct {
	InputProj    Tensor // (C, h)
	InputBias    []float64
	GRUForward   []GRUCell // len L
	GRUBackward  []GRUCell // len L
	AttnQuery    []float64 // (2h,)
	OutputProj   Tensor    // (2h, d_emb)
	OutputBias   []float64
	ClassHead    Tensor // (d_emb, n_classes); optional, nil outside Phase 1 warmup
	ClassBias    []float64
}

// GRUCell holds the gate weights for one GRU layer in one direction.
// Update/Reset/New each take [x_t ; h_{t-1}] as input, per the standard
// gated-recurrent-unit formulation.
type GRUCell struct {
	WUpdate, WReset, WNew Tensor // (h+input, h)
	BUpdate, BReset, BNew []float64
}

// Arch is the fixed set of architecture hyperparameters a weight bundle
// was trained against. Load-time validation checks a bundle's Arch against
// the running config's expectations before it is ever used to score a
// verification request (spec.md §6).
type Arch struct {
	Channels      int // C
	WindowSamples int // W
	HiddenSize    int // h
	Layers        int // L
	EmbeddingDim  int // d_emb
}

// ModelBundle is the complete set of artifacts the verification engine
// needs loaded before it can answer a request: encoder weights, per-user
// prototypes, the calibrator, the anomaly detector, and the operating
// threshold. A bundle is atomically swapped in as a unit (SPEC_FULL.md §5)
// so a request never observes encoder weights from one training run paired
// with prototypes from another.
type ModelBundle struct {
	Version    string
	TrainedAt  time.Time
	Arch       Arch
	Encoder    EncoderWeights
	Prototypes map[string]PrototypeSet
	Calibrator Calibrator
	Anomaly    AnomalyModel
	Threshold  OperatingThreshold
}

// PrototypeSet is the K unit-norm prototype embeddings enrolled for one
// user (Component F output).
type PrototypeSet struct {
	UserID     string
	Prototypes []Embedding
}

// Calibrator is the 2-parameter logistic mapping a raw cosine score to a
// calibrated probability: p = 1 / (1 + exp(-(A*score + B))) (Component G).
type Calibrator struct {
	A, B float64
}

// Probability maps a raw cosine score to a calibrated acceptance
// probability.
func (c Calibrator) Probability(score float64) float64 {
	return logistic(c.A*score + c.B)
}

func logistic(x float64) float64 {
	// Numerically stable logistic; avoids overflow in exp(-x) for large |x|.
	if x >= 0 {
		z := math.Exp(-x)
		return 1 / (1 + z)
	}
	z := math.Exp(x)
	return z / (1 + z)
}

// AnomalyModel is a small autoencoder trained on genuine embeddings only,
// used as a spoof gate: embeddings with reconstruction error above
// SpoofThreshold are rejected regardless of identity score (Component H).
type AnomalyModel struct {
	EncoderW Tensor // (d_emb, d_bottleneck)
	EncoderB []float64
	DecoderW Tensor // (d_bottleneck, d_emb)
	DecoderB []float64
	// SpoofThreshold is the 99th-percentile reconstruction error observed
	// over the genuine training population at fit time.
	SpoofThreshold float64
}

// OperatingThreshold is the decision cutoff on the calibrated probability,
// fit to satisfy the configured decision criterion (equal-error-rate by
// default) at calibration time (Component G).
type OperatingThreshold struct {
	Tau float64
	// FAR/FRR at Tau on the calibration split, kept for observability.
	FAR float64
	FRR float64
}

// AttributionArtifact is the persisted importance map produced for a
// single verification decision, keyed by content hash so identical inputs
// never recompute or duplicate storage (SPEC_FULL.md §9).
type AttributionArtifact struct {
	ID         string
	UserID     string
	WindowHash string
	// Importance[c][t] is the integrated-gradients attribution of channel
	// c, sample t within the scored window.
	Importance [][]float64
	CreatedAt  time.Time
}
