package train

import (
	"math"

	"neuroauth/internal/model"
)

// AdamWConfig holds the optimizer hyperparameters (SPEC_FULL.md §4.E).
type AdamWConfig struct {
	LearningRate float64 // default 1e-3
	Beta1        float64 // default 0.9
	Beta2        float64 // default 0.999
	Epsilon      float64 // default 1e-8
	WeightDecay  float64 // default 0.01, decoupled per Loshchilov & Hutter
}

// DefaultAdamWConfig returns the pipeline's default optimizer settings.
func DefaultAdamWConfig() AdamWConfig {
	return AdamWConfig{LearningRate: 1e-3, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8, WeightDecay: 0.01}
}

// Optimizer is an AdamW optimizer holding first/second moment estimates
// shaped like the Gradients it updates. Weight decay is applied directly to
// the weights rather than folded into the gradient, decoupling it from the
// adaptive learning rate as AdamW prescribes.
type Optimizer struct {
	cfg  AdamWConfig
	m, v Gradients
	step int
}

// NewOptimizer allocates zero moment estimates matching arch/numClasses.
func NewOptimizer(cfg AdamWConfig, arch model.Arch, numClasses int) *Optimizer {
	return &Optimizer{
		cfg: cfg,
		m:   NewGradients(arch, numClasses),
		v:   NewGradients(arch, numClasses),
	}
}

// Step applies one AdamW update to weights given grad, scaling the
// learning rate by a cosine-annealed factor supplied by the caller
// (lrScale in [0,1]).
func (o *Optimizer) Step(weights *model.EncoderWeights, classHead *model.Tensor, classBias []float64, grad Gradients, lrScale float64) {
	o.step++
	lr := o.cfg.LearningRate * lrScale
	beta1, beta2, eps, wd := o.cfg.Beta1, o.cfg.Beta2, o.cfg.Epsilon, o.cfg.WeightDecay
	biasCorr1 := 1 - math.Pow(beta1, float64(o.step))
	biasCorr2 := 1 - math.Pow(beta2, float64(o.step))

	updateTensor(&weights.InputProj, o.m.InputProj, o.v.InputProj, grad.InputProj, beta1, beta2, eps, wd, lr, biasCorr1, biasCorr2)
	updateVec(weights.InputBias, o.m.InputBias, o.v.InputBias, grad.InputBias, beta1, beta2, eps, 0, lr, biasCorr1, biasCorr2)

	for i := range weights.GRUForward {
		updateCell(&weights.GRUForward[i], &o.m.GRUForward[i], &o.v.GRUForward[i], grad.GRUForward[i], beta1, beta2, eps, wd, lr, biasCorr1, biasCorr2)
	}
	for i := range weights.GRUBackward {
		updateCell(&weights.GRUBackward[i], &o.m.GRUBackward[i], &o.v.GRUBackward[i], grad.GRUBackward[i], beta1, beta2, eps, wd, lr, biasCorr1, biasCorr2)
	}

	updateVec(weights.AttnQuery, o.m.AttnQuery, o.v.AttnQuery, grad.AttnQuery, beta1, beta2, eps, wd, lr, biasCorr1, biasCorr2)
	updateTensor(&weights.OutputProj, o.m.OutputProj, o.v.OutputProj, grad.OutputProj, beta1, beta2, eps, wd, lr, biasCorr1, biasCorr2)
	updateVec(weights.OutputBias, o.m.OutputBias, o.v.OutputBias, grad.OutputBias, beta1, beta2, eps, 0, lr, biasCorr1, biasCorr2)

	if classHead != nil && classHead.Rows() > 0 {
		updateTensor(classHead, o.m.ClassHead, o.v.ClassHead, grad.ClassHead, beta1, beta2, eps, wd, lr, biasCorr1, biasCorr2)
		updateVec(classBias, o.m.ClassBias, o.v.ClassBias, grad.ClassBias, beta1, beta2, eps, 0, lr, biasCorr1, biasCorr2)
	}
}

func updateTensor(w *model.Tensor, m, v, g model.Tensor, beta1, beta2, eps, wd, lr float64, bc1, bc2 float64) {
	for i := range w.Data {
		for j := range w.Data[i] {
			gij := g.Data[i][j]
			m.Data[i][j] = beta1*m.Data[i][j] + (1-beta1)*gij
			v.Data[i][j] = beta2*v.Data[i][j] + (1-beta2)*gij*gij
			mHat := m.Data[i][j] / bc1
			vHat := v.Data[i][j] / bc2
			w.Data[i][j] -= lr * (mHat/(math.Sqrt(vHat)+eps) + wd*w.Data[i][j])
		}
	}
}

func updateVec(w, m, v, g []float64, beta1, beta2, eps, wd, lr float64, bc1, bc2 float64) {
	for i := range w {
		m[i] = beta1*m[i] + (1-beta1)*g[i]
		v[i] = beta2*v[i] + (1-beta2)*g[i]*g[i]
		mHat := m[i] / bc1
		vHat := v[i] / bc2
		w[i] -= lr * (mHat/(math.Sqrt(vHat)+eps) + wd*w[i])
	}
}

func updateCell(cell *model.GRUCell, m, v *GRUCellGrad, g GRUCellGrad, beta1, beta2, eps, wd, lr float64, bc1, bc2 float64) {
	updateTensor(&cell.WUpdate, m.WUpdate, v.WUpdate, g.WUpdate, beta1, beta2, eps, wd, lr, bc1, bc2)
	updateTensor(&cell.WReset, m.WReset, v.WReset, g.WReset, beta1, beta2, eps, wd, lr, bc1, bc2)
	updateTensor(&cell.WNew, m.WNew, v.WNew, g.WNew, beta1, beta2, eps, wd, lr, bc1, bc2)
	updateVec(cell.BUpdate, m.BUpdate, v.BUpdate, g.BUpdate, beta1, beta2, eps, 0, lr, bc1, bc2)
	updateVec(cell.BReset, m.BReset, v.BReset, g.BReset, beta1, beta2, eps, 0, lr, bc1, bc2)
	updateVec(cell.BNew, m.BNew, v.BNew, g.BNew, beta1, beta2, eps, 0, lr, bc1, bc2)
}

// CosineSchedule returns a [0,1] learning-rate scale for step out of
// totalSteps under cosine annealing with a short linear warmup.
func CosineSchedule(step, totalSteps, warmupSteps int) float64 {
	if totalSteps <= 0 {
		return 1
	}
	if warmupSteps > 0 && step < warmupSteps {
		return float64(step+1) / float64(warmupSteps)
	}
	denom := totalSteps - warmupSteps
	if denom < 1 {
		denom = 1
	}
	progress := float64(step-warmupSteps) / float64(denom)
	if progress > 1 {
		progress = 1
	}
	return 0.5 * (1 + math.Cos(math.Pi*progress))
}
