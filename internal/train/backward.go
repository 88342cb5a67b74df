package train

import (
	"math"

	"neuroauth/internal/model"
)

type gruStepCache struct {
	x, hPrev, z, r, n, rh []float64
}

type forwardCache struct {
	steps      [][]float64 // [T][C]
	projected  [][]float64 // [T][h]
	fwdCaches  [][]gruStepCache
	bwdCaches  [][]gruStepCache
	fwdOut     [][]float64
	bwdOut     [][]float64
	concat     [][]float64 // [T][2h]
	weights    []float64   // attention softmax weights, len T
	pooled     []float64   // [2h]
	raw        []float64   // [d_emb], pre-normalize
	normalized model.Embedding
	norm       float64
}

// forward runs the encoder over x, retaining every intermediate value
// backward needs. It mirrors internal/encoder.Encode's arithmetic exactly;
// see that package for the architecture description.
func forward(weights model.EncoderWeights, x [][]float64) *forwardCache {
	c := &forwardCache{steps: transpose(x)}

	c.projected = make([][]float64, len(c.steps))
	for t, xt := range c.steps {
		c.projected[t] = affine(weights.InputProj, weights.InputBias, xt)
	}

	c.fwdOut, c.fwdCaches = gruStackForward(weights.GRUForward, c.projected, false)
	c.bwdOut, c.bwdCaches = gruStackForward(weights.GRUBackward, c.projected, true)

	c.concat = make([][]float64, len(c.steps))
	for t := range c.concat {
		c.concat[t] = append(append([]float64(nil), c.fwdOut[t]...), c.bwdOut[t]...)
	}

	scores := make([]float64, len(c.concat))
	for t, s := range c.concat {
		scores[t] = dot(s, weights.AttnQuery)
	}
	c.weights = softmax(scores)

	dim := 0
	if len(c.concat) > 0 {
		dim = len(c.concat[0])
	}
	c.pooled = make([]float64, dim)
	for t, s := range c.concat {
		for i := range s {
			c.pooled[i] += c.weights[t] * s[i]
		}
	}

	c.raw = affine(weights.OutputProj, weights.OutputBias, c.pooled)
	c.norm = model.Embedding(c.raw).Norm()
	c.normalized = model.Embedding(c.raw).Normalize()
	return c
}

// backwardEmbedding backprops dLossDEmb (gradient of the loss with respect
// to the normalized embedding) all the way to every weight tensor,
// accumulating into grad. It does not compute the input gradient — only
// internal/attribution needs that, and it has its own lighter backward
// pass (gradients.go in that package) for exactly this reason.
func backwardEmbedding(weights model.EncoderWeights, cache *forwardCache, dLossDEmb []float64, grad Gradients) {
	emb := cache.normalized
	norm := cache.norm
	if norm == 0 {
		return
	}
	dotVal := dot(dLossDEmb, emb)
	dRaw := make([]float64, len(dLossDEmb))
	for i := range dRaw {
		dRaw[i] = (dLossDEmb[i] - dotVal*emb[i]) / norm
	}

	// raw = pooled * OutputProj + OutputBias
	accumulateAffineGrad(grad.OutputProj, grad.OutputBias, cache.pooled, dRaw)
	dPooled := affineBackward(weights.OutputProj, dRaw)

	dotWithPooledGrad := make([]float64, len(cache.concat))
	for t, s := range cache.concat {
		dotWithPooledGrad[t] = dot(dPooled, s)
	}
	var weightedSum float64
	for t, w := range cache.weights {
		weightedSum += w * dotWithPooledGrad[t]
	}

	dConcat := make([][]float64, len(cache.concat))
	for t, s := range cache.concat {
		dz := cache.weights[t] * (dotWithPooledGrad[t] - weightedSum)
		dConcat[t] = make([]float64, len(s))
		for i := range s {
			dConcat[t][i] = cache.weights[t]*dPooled[i] + dz*weights.AttnQuery[i]
			grad.AttnQuery[i] += dz * s[i]
		}
	}

	h := len(cache.fwdOut[0])
	dFwdOut := make([][]float64, len(dConcat))
	dBwdOut := make([][]float64, len(dConcat))
	for t, d := range dConcat {
		dFwdOut[t] = append([]float64(nil), d[:h]...)
		dBwdOut[t] = append([]float64(nil), d[h:]...)
	}

	dProjectedFwd := gruStackBackward(weights.GRUForward, cache.fwdCaches, dFwdOut, false, grad.GRUForward)
	dProjectedBwd := gruStackBackward(weights.GRUBackward, cache.bwdCaches, dBwdOut, true, grad.GRUBackward)

	dProjected := make([][]float64, len(cache.projected))
	for t := range dProjected {
		dProjected[t] = make([]float64, len(dProjectedFwd[t]))
		for i := range dProjected[t] {
			dProjected[t][i] = dProjectedFwd[t][i] + dProjectedBwd[t][i]
		}
	}

	for t, xt := range cache.steps {
		accumulateAffineGrad(grad.InputProj, grad.InputBias, xt, dProjected[t])
	}
}

func gruStackForward(layers []model.GRUCell, input [][]float64, reverse bool) ([][]float64, [][]gruStepCache) {
	seq := input
	if reverse {
		seq = reverseSeq(input)
	}
	allCaches := make([][]gruStepCache, len(layers))
	for li, cell := range layers {
		out, caches := gruLayerForward(cell, seq)
		allCaches[li] = caches
		seq = out
	}
	if reverse {
		seq = reverseSeq(seq)
	}
	return seq, allCaches
}

func gruStackBackward(layers []model.GRUCell, allCaches [][]gruStepCache, dOut [][]float64, reverse bool, grads []GRUCellGrad) [][]float64 {
	dSeq := dOut
	if reverse {
		dSeq = reverseSeq(dOut)
	}
	for li := len(layers) - 1; li >= 0; li-- {
		dSeq = gruLayerBackward(layers[li], allCaches[li], dSeq, grads[li])
	}
	if reverse {
		dSeq = reverseSeq(dSeq)
	}
	return dSeq
}

func gruLayerForward(cell model.GRUCell, seq [][]float64) ([][]float64, []gruStepCache) {
	hSize := len(cell.BUpdate)
	h := make([]float64, hSize)
	out := make([][]float64, len(seq))
	caches := make([]gruStepCache, len(seq))
	for t, x := range seq {
		hPrev := append([]float64(nil), h...)
		concat := append(append([]float64(nil), x...), hPrev...)
		z := sigmoidVec(affine(cell.WUpdate, cell.BUpdate, concat))
		r := sigmoidVec(affine(cell.WReset, cell.BReset, concat))

		rh := make([]float64, hSize)
		for i := range rh {
			rh[i] = r[i] * hPrev[i]
		}
		concatReset := append(append([]float64(nil), x...), rh...)
		n := tanhVec(affine(cell.WNew, cell.BNew, concatReset))

		newH := make([]float64, hSize)
		for i := range newH {
			newH[i] = (1-z[i])*n[i] + z[i]*hPrev[i]
		}
		h = newH
		out[t] = append([]float64(nil), h...)
		caches[t] = gruStepCache{x: append([]float64(nil), x...), hPrev: hPrev, z: z, r: r, n: n, rh: rh}
	}
	return out, caches
}

// gruLayerBackward runs backprop-through-time for one GRU layer, both
// accumulating this layer's weight gradients into grad and returning the
// gradient with respect to the layer's input sequence.
func gruLayerBackward(cell model.GRUCell, caches []gruStepCache, dOut [][]float64, grad GRUCellGrad) [][]float64 {
	hSize := len(cell.BUpdate)
	inDim := 0
	if len(caches) > 0 {
		inDim = len(caches[0].x)
	}
	dHNext := make([]float64, hSize)
	dx := make([][]float64, len(caches))

	for t := len(caches) - 1; t >= 0; t-- {
		c := caches[t]
		dh := make([]float64, hSize)
		for i := range dh {
			dh[i] = dOut[t][i] + dHNext[i]
		}

		dn := make([]float64, hSize)
		dz := make([]float64, hSize)
		for i := range dh {
			dn[i] = dh[i] * (1 - c.z[i])
			dz[i] = dh[i] * (c.hPrev[i] - c.n[i])
		}

		dPreN := make([]float64, hSize)
		for i := range dn {
			dPreN[i] = dn[i] * (1 - c.n[i]*c.n[i])
		}
		concatReset := append(append([]float64(nil), c.x...), c.rh...)
		accumulateAffineGrad(grad.WNew, grad.BNew, concatReset, dPreN)
		dConcatResetFull := affineBackward(cell.WNew, dPreN)
		dxFromN := dConcatResetFull[:inDim]
		dRH := dConcatResetFull[inDim:]

		dr := make([]float64, hSize)
		dhPrevFromN := make([]float64, hSize)
		for i := range dr {
			dr[i] = dRH[i] * c.hPrev[i]
			dhPrevFromN[i] = dRH[i] * c.r[i]
		}

		dPreR := make([]float64, hSize)
		for i := range dr {
			dPreR[i] = dr[i] * c.r[i] * (1 - c.r[i])
		}
		concatFull := append(append([]float64(nil), c.x...), c.hPrev...)
		accumulateAffineGrad(grad.WReset, grad.BReset, concatFull, dPreR)
		dConcatFromR := affineBackward(cell.WReset, dPreR)
		dxFromR := dConcatFromR[:inDim]
		dhPrevFromR := dConcatFromR[inDim:]

		dPreZ := make([]float64, hSize)
		for i := range dz {
			dPreZ[i] = dz[i] * c.z[i] * (1 - c.z[i])
		}
		accumulateAffineGrad(grad.WUpdate, grad.BUpdate, concatFull, dPreZ)
		dConcatFromZ := affineBackward(cell.WUpdate, dPreZ)
		dxFromZ := dConcatFromZ[:inDim]
		dhPrevFromZ := dConcatFromZ[inDim:]

		dxt := make([]float64, inDim)
		for i := range dxt {
			dxt[i] = dxFromN[i] + dxFromR[i] + dxFromZ[i]
		}
		dx[t] = dxt

		newDHNext := make([]float64, hSize)
		for i := range newDHNext {
			newDHNext[i] = dh[i]*c.z[i] + dhPrevFromN[i] + dhPrevFromR[i] + dhPrevFromZ[i]
		}
		dHNext = newDHNext
	}
	return dx
}

// accumulateAffineGrad adds the contribution of one affine application
// out = x*W + b to dW/dB given dOut, the gradient with respect to out.
func accumulateAffineGrad(dW model.Tensor, dB []float64, x, dOut []float64) {
	for i, xi := range x {
		row := dW.Data[i]
		for j := range row {
			row[j] += xi * dOut[j]
		}
	}
	for j := range dB {
		dB[j] += dOut[j]
	}
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

func affineBackward(w model.Tensor, dOut []float64) []float64 {
	dx := make([]float64, w.Rows())
	for i := range dx {
		row := w.Data[i]
		var sum float64
		for j, wij := range row {
			sum += wij * dOut[j]
		}
		dx[i] = sum
	}
	return dx
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

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
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

func reverseSeq(xs [][]float64) [][]float64 {
	out := make([][]float64, len(xs))
	for i, x := range xs {
		out[len(xs)-1-i] = x
	}
	return out
}
