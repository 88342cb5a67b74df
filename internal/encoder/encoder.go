// Package encoder implements Component D: a linear input projection, a
// stacked bidirectional GRU, dot-product temporal attention pooling, and an
// output projection producing a unit-norm embedding per window.
package encoder

import (
	"fmt"
	"math"

	"neuroauth/internal/model"
)

// Encoder scores one Window into one Embedding using a fixed weight
// bundle. Encoder holds no mutable state; Encode is safe for concurrent
// use by multiple goroutines sharing the same *Encoder.
type Encoder struct {
	weights model.EncoderWeights
	arch    model.Arch
}

// New validates weights against arch and returns an Encoder. Dimension
// mismatches between weights and arch are reported as an error rather
// than caught lazily on the first Encode call, so a bad model bundle
// fails at load time (spec.md §6).
func New(weights model.EncoderWeights, arch model.Arch) (*Encoder, error) {
	if err := validate(weights, arch); err != nil {
		return nil, fmt.Errorf("encoder.New: %w", err)
	}
	return &Encoder{weights: weights, arch: arch}, nil
}

// Weights returns the encoder's weight bundle. Used by internal/attribution
// to backpropagate through the same forward pass Encode performs, since
// gradient attribution needs intermediate activations Encode doesn't keep.
func (e *Encoder) Weights() model.EncoderWeights { return e.weights }

// Arch returns the architecture hyperparameters the encoder was validated
// against.
func (e *Encoder) Arch() model.Arch { return e.arch }

func validate(w model.EncoderWeights, arch model.Arch) error {
	if w.InputProj.Rows() != arch.Channels || w.InputProj.Cols() != arch.HiddenSize {
		return fmt.Errorf("input projection shape (%d,%d), want (%d,%d)",
			w.InputProj.Rows(), w.InputProj.Cols(), arch.Channels, arch.HiddenSize)
	}
	if len(w.GRUForward) != arch.Layers || len(w.GRUBackward) != arch.Layers {
		return fmt.Errorf("GRU layer count (%d,%d), want %d", len(w.GRUForward), len(w.GRUBackward), arch.Layers)
	}
	if w.OutputProj.Rows() != 2*arch.HiddenSize || w.OutputProj.Cols() != arch.EmbeddingDim {
		return fmt.Errorf("output projection shape (%d,%d), want (%d,%d)",
			w.OutputProj.Rows(), w.OutputProj.Cols(), 2*arch.HiddenSize, arch.EmbeddingDim)
	}
	if len(w.AttnQuery) != 2*arch.HiddenSize {
		return fmt.Errorf("attention query length %d, want %d", len(w.AttnQuery), 2*arch.HiddenSize)
	}
	h := arch.HiddenSize
	if len(w.InputBias) != h || len(w.OutputBias) != arch.EmbeddingDim {
		return fmt.Errorf("bias lengths (%d,%d), want (%d,%d)", len(w.InputBias), len(w.OutputBias), h, arch.EmbeddingDim)
	}
	for i, cell := range append(append([]model.GRUCell(nil), w.GRUForward...), w.GRUBackward...) {
		for _, g := range []model.Tensor{cell.WUpdate, cell.WReset, cell.WNew} {
			if g.Rows() != 2*h || g.Cols() != h {
				return fmt.Errorf("GRU cell %d gate shape (%d,%d), want (%d,%d)", i, g.Rows(), g.Cols(), 2*h, h)
			}
		}
		if len(cell.BUpdate) != h || len(cell.BReset) != h || len(cell.BNew) != h {
			return fmt.Errorf("GRU cell %d bias length, want %d", i, h)
		}
	}
	return nil
}

// Encode projects a Window into a unit-norm Embedding: input projection
// per time step, bidirectional GRU over the sequence, dot-product attention
// pooling of the concatenated forward/backward states, output projection,
// then L2 normalization (SPEC_FULL.md §4.D). A non-finite result anywhere
// in the forward pass is reported as ErrKindNumeric.
func (e *Encoder) Encode(w *model.Window) (model.Embedding, error) {
	const op = "encoder.Encode"
	if w.Channels() != e.arch.Channels || w.Width() != e.arch.WindowSamples {
		return nil, model.NewError(op, model.ErrKindInputFormat,
			fmt.Errorf("window shape (%d,%d), want (%d,%d)", w.Channels(), w.Width(), e.arch.Channels, e.arch.WindowSamples))
	}

	steps := transpose(w.Samples) // [T][C]
	projected := make([][]float64, len(steps))
	for t, x := range steps {
		projected[t] = affine(e.weights.InputProj, e.weights.InputBias, x)
	}

	fwdStates := runGRU(e.weights.GRUForward, projected, false)
	bwdStates := runGRU(e.weights.GRUBackward, projected, true)

	concat := make([][]float64, len(steps))
	for t := range concat {
		concat[t] = append(append([]float64(nil), fwdStates[t]...), bwdStates[t]...)
	}

	pooled := attentionPool(concat, e.weights.AttnQuery)

	raw := affine(e.weights.OutputProj, e.weights.OutputBias, pooled)
	emb := model.Embedding(raw)

	for _, v := range emb {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, model.NewError(op, model.ErrKindNumeric, fmt.Errorf("non-finite embedding value"))
		}
	}

	return emb.Normalize(), nil
}

func transpose(samples [][]float64) [][]float64 {
	c := len(samples)
	if c == 0 {
		return nil
	}
	w := len(samples[0])
	out := make([][]float64, w)
	for t := 0; t < w; t++ {
		row := make([]float64, c)
		for ch := 0; ch < c; ch++ {
			row[ch] = samples[ch][t]
		}
		out[t] = row
	}
	return out
}

func affine(weight model.Tensor, bias, x []float64) []float64 {
	out := make([]float64, weight.Cols())
	copy(out, bias)
	for i, xi := range x {
		row := weight.Data[i]
		for j, wij := range row {
			out[j] += xi * wij
		}
	}
	return out
}

// runGRU runs one layer stack of GRU cells over the sequence, optionally
// in reverse (the backward direction of the bidirectional encoder).
func runGRU(layers []model.GRUCell, input [][]float64, reverse bool) [][]float64 {
	seq := input
	if reverse {
		seq = reverseSeq(input)
	}
	for _, cell := range layers {
		seq = runGRULayer(cell, seq)
	}
	if reverse {
		seq = reverseSeq(seq)
	}
	return seq
}

func reverseSeq(xs [][]float64) [][]float64 {
	out := make([][]float64, len(xs))
	for i, x := range xs {
		out[len(xs)-1-i] = x
	}
	return out
}

func runGRULayer(cell model.GRUCell, seq [][]float64) [][]float64 {
	hSize := len(cell.BUpdate)
	h := make([]float64, hSize)
	out := make([][]float64, len(seq))
	for t, x := range seq {
		concat := append(append([]float64(nil), x...), h...)
		z := sigmoidVec(affine(cell.WUpdate, cell.BUpdate, concat))
		r := sigmoidVec(affine(cell.WReset, cell.BReset, concat))

		rh := make([]float64, hSize)
		for i := range rh {
			rh[i] = r[i] * h[i]
		}
		concatReset := append(append([]float64(nil), x...), rh...)
		n := tanhVec(affine(cell.WNew, cell.BNew, concatReset))

		newH := make([]float64, hSize)
		for i := range newH {
			newH[i] = (1-z[i])*n[i] + z[i]*h[i]
		}
		h = newH
		out[t] = append([]float64(nil), h...)
	}
	return out
}

func sigmoidVec(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = 1 / (1 + math.Exp(-x))
	}
	return out
}

func tanhVec(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = math.Tanh(x)
	}
	return out
}

// attentionPool computes dot-product attention over the time axis: a
// per-step scalar score is the dot product of the state with
// a learned query, softmax-normalized across time, used to weight-sum the
// states into one pooled vector (SPEC_FULL.md §4.D).
func attentionPool(states [][]float64, query []float64) []float64 {
	scores := make([]float64, len(states))
	for t, s := range states {
		var dot float64
		for i := range s {
			dot += s[i] * query[i]
		}
		scores[t] = dot
	}
	weights := softmax(scores)

	dim := 0
	if len(states) > 0 {
		dim = len(states[0])
	}
	pooled := make([]float64, dim)
	for t, s := range states {
		for i := range s {
			pooled[i] += weights[t] * s[i]
		}
	}
	return pooled
}

func softmax(xs []float64) []float64 {
	if len(xs) == 0 {
		return nil
	}
	max := xs[0]
	for _, v := range xs {
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(xs))
	var sum float64
	for i, v := range xs {
		e := math.Exp(v - max)
		out[i] = e
		sum += e
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
