// Package train implements Component E: the two-phase training
// orchestrator (classification warmup, then proxy-based metric learning)
// that produces the encoder weights internal/verify serves.
//
// Serving-path packages (internal/encoder, internal/attribution) never
// import this package and never compute weight gradients — only this
// package needs them, and keeping that bookkeeping out of the online path
// matches the CPU-budget concern in SPEC_FULL.md §5.
package train

import (
	"math"

	"neuroauth/internal/model"
)

// GRUCellGrad accumulates gradients for one GRU cell's six weight/bias
// tensors, mirroring model.GRUCell's shape.
type GRUCellGrad struct {
	WUpdate, WReset, WNew model.Tensor
	BUpdate, BReset, BNew []float64
}

// Gradients accumulates gradients for every learnable tensor in an
// EncoderWeights bundle, plus the optional classification head used only
// during Phase 1 warmup.
type Gradients struct {
	InputProj  model.Tensor
	InputBias  []float64
	GRUForward []GRUCellGrad
	GRUBackward []GRUCellGrad
	AttnQuery  []float64
	OutputProj model.Tensor
	OutputBias []float64
	ClassHead  model.Tensor
	ClassBias  []float64
}

// NewGradients allocates a zero-initialized Gradients matching arch's
// shapes. numClasses is 0 outside Phase 1 (no classification head).
func NewGradients(arch model.Arch, numClasses int) Gradients {
	h := arch.HiddenSize
	newCellGrad := func(inDim int) GRUCellGrad {
		return GRUCellGrad{
			WUpdate: model.NewTensor(inDim+h, h), BUpdate: make([]float64, h),
			WReset: model.NewTensor(inDim+h, h), BReset: make([]float64, h),
			WNew: model.NewTensor(inDim+h, h), BNew: make([]float64, h),
		}
	}
	fwd := make([]GRUCellGrad, arch.Layers)
	bwd := make([]GRUCellGrad, arch.Layers)
	for l := 0; l < arch.Layers; l++ {
		fwd[l] = newCellGrad(h)
		bwd[l] = newCellGrad(h)
	}
	g := Gradients{
		InputProj:  model.NewTensor(arch.Channels, h),
		InputBias:  make([]float64, h),
		GRUForward: fwd,
		GRUBackward: bwd,
		AttnQuery:  make([]float64, 2*h),
		OutputProj: model.NewTensor(2*h, arch.EmbeddingDim),
		OutputBias: make([]float64, arch.EmbeddingDim),
	}
	if numClasses > 0 {
		g.ClassHead = model.NewTensor(arch.EmbeddingDim, numClasses)
		g.ClassBias = make([]float64, numClasses)
	}
	return g
}

// Add accumulates src into dst in place.
func (dst Gradients) Add(src Gradients) {
	addTensor(dst.InputProj, src.InputProj)
	addVec(dst.InputBias, src.InputBias)
	for i := range dst.GRUForward {
		addCell(dst.GRUForward[i], src.GRUForward[i])
	}
	for i := range dst.GRUBackward {
		addCell(dst.GRUBackward[i], src.GRUBackward[i])
	}
	addVec(dst.AttnQuery, src.AttnQuery)
	addTensor(dst.OutputProj, src.OutputProj)
	addVec(dst.OutputBias, src.OutputBias)
	if dst.ClassHead.Rows() > 0 {
		addTensor(dst.ClassHead, src.ClassHead)
		addVec(dst.ClassBias, src.ClassBias)
	}
}

// Scale multiplies every accumulated gradient by factor in place (used to
// turn a summed batch gradient into a mean).
func (g Gradients) Scale(factor float64) {
	scaleTensor(g.InputProj, factor)
	scaleVec(g.InputBias, factor)
	for i := range g.GRUForward {
		scaleCell(g.GRUForward[i], factor)
	}
	for i := range g.GRUBackward {
		scaleCell(g.GRUBackward[i], factor)
	}
	scaleVec(g.AttnQuery, factor)
	scaleTensor(g.OutputProj, factor)
	scaleVec(g.OutputBias, factor)
	if g.ClassHead.Rows() > 0 {
		scaleTensor(g.ClassHead, factor)
		scaleVec(g.ClassBias, factor)
	}
}

// GlobalNorm returns the L2 norm across every accumulated gradient, used
// for the finite-gradient-norm sanity check that aborts a training run on
// a non-finite norm (SPEC_FULL.md §4.E).
func (g Gradients) GlobalNorm() float64 {
	var sumSq float64
	addSq := func(v float64) { sumSq += v * v }
	walkTensor(g.InputProj, addSq)
	walkVec(g.InputBias, addSq)
	for _, c := range g.GRUForward {
		walkCell(c, addSq)
	}
	for _, c := range g.GRUBackward {
		walkCell(c, addSq)
	}
	walkVec(g.AttnQuery, addSq)
	walkTensor(g.OutputProj, addSq)
	walkVec(g.OutputBias, addSq)
	if g.ClassHead.Rows() > 0 {
		walkTensor(g.ClassHead, addSq)
		walkVec(g.ClassBias, addSq)
	}
	return math.Sqrt(sumSq)
}

func addTensor(dst, src model.Tensor) {
	for i := range dst.Data {
		for j := range dst.Data[i] {
			dst.Data[i][j] += src.Data[i][j]
		}
	}
}

func addVec(dst, src []float64) {
	for i := range dst {
		dst[i] += src[i]
	}
}

func addCell(dst, src GRUCellGrad) {
	addTensor(dst.WUpdate, src.WUpdate)
	addTensor(dst.WReset, src.WReset)
	addTensor(dst.WNew, src.WNew)
	addVec(dst.BUpdate, src.BUpdate)
	addVec(dst.BReset, src.BReset)
	addVec(dst.BNew, src.BNew)
}

func scaleTensor(t model.Tensor, f float64) {
	for i := range t.Data {
		for j := range t.Data[i] {
			t.Data[i][j] *= f
		}
	}
}

func scaleVec(v []float64, f float64) {
	for i := range v {
		v[i] *= f
	}
}

func scaleCell(c GRUCellGrad, f float64) {
	scaleTensor(c.WUpdate, f)
	scaleTensor(c.WReset, f)
	scaleTensor(c.WNew, f)
	scaleVec(c.BUpdate, f)
	scaleVec(c.BReset, f)
	scaleVec(c.BNew, f)
}

func walkTensor(t model.Tensor, fn func(float64)) {
	for _, row := range t.Data {
		for _, v := range row {
			fn(v)
		}
	}
}

func walkVec(v []float64, fn func(float64)) {
	for _, x := range v {
		fn(x)
	}
}

func walkCell(c GRUCellGrad, fn func(float64)) {
	walkTensor(c.WUpdate, fn)
	walkTensor(c.WReset, fn)
	walkTensor(c.WNew, fn)
	walkVec(c.BUpdate, fn)
	walkVec(c.BReset, fn)
	walkVec(c.BNew, fn)
}
