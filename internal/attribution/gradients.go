package attribution

import (
	"math"

	"neuroauth/internal/model"
)

// This file mirrors internal/encoder.Encode's forward pass but retains the
// intermediate activations Encode discards, so gradCosine can backpropagate
// cos(encode(window), proto) back to the input window. internal/encoder
// keeps no such cache (it has no reason to — only attribution needs it),
// so duplicating the forward arithmetic here is cheaper than threading a
// cache-or-not flag through the hot encoding path every verification uses.

type gruStepCache struct {
	x, hPrev, z, r, n []float64
}

// gradCosine returns cos(encode(x), proto) and the gradient of that
// cosine with respect to every (channel, sample) of x.
func gradCosine(weights model.EncoderWeights, arch model.Arch, x [][]float64, proto model.Embedding) (float64, [][]float64, error) {
	steps := transpose(x) // [T][C]

	projected := make([][]float64, len(steps))
	for t, xt := range steps {
		projected[t] = affine(weights.InputProj, weights.InputBias, xt)
	}

	fwdOut, fwdCaches := gruStackForward(weights.GRUForward, projected, false)
	bwdOut, bwdCaches := gruStackForward(weights.GRUBackward, projected, true)

	concat := make([][]float64, len(steps))
	for t := range concat {
		concat[t] = append(append([]float64(nil), fwdOut[t]...), bwdOut[t]...)
	}

	scores := make([]float64, len(concat))
	for t, s := range concat {
		scores[t] = dot(s, weights.AttnQuery)
	}
	wts := softmax(scores)

	dim := 0
	if len(concat) > 0 {
		dim = len(concat[0])
	}
	pooled := make([]float64, dim)
	for t, s := range concat {
		for i := range s {
			pooled[i] += wts[t] * s[i]
		}
	}

	raw := affine(weights.OutputProj, weights.OutputBias, pooled)
	rawEmb := model.Embedding(raw)
	norm := rawEmb.Norm()
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return 0, nil, model.NewError("attribution.gradCosine", model.ErrKindNumeric, errNonFiniteNorm)
	}
	emb := rawEmb.Normalize()
	cos := model.Cosine(emb, proto)

	// d(cos)/d(raw_i) = (proto_i - cos*emb_i) / ||raw||
	dRaw := make([]float64, len(raw))
	for i := range dRaw {
		dRaw[i] = (proto[i] - cos*emb[i]) / norm
	}

	dPooled := affineBackward(weights.OutputProj, dRaw)

	// Softmax-weighted-sum backward: pooled = sum_t w_t * s_t.
	dotWithPooledGrad := make([]float64, len(concat))
	for t, s := range concat {
		dotWithPooledGrad[t] = dot(dPooled, s)
	}
	var weightedSum float64
	for t, w := range wts {
		weightedSum += w * dotWithPooledGrad[t]
	}

	dConcat := make([][]float64, len(concat))
	for t, s := range concat {
		dz := wts[t] * (dotWithPooledGrad[t] - weightedSum) // dL/d(scores_t)
		dConcat[t] = make([]float64, len(s))
		for i := range s {
			dConcat[t][i] = wts[t]*dPooled[i] + dz*weights.AttnQuery[i]
		}
	}

	h := arch.HiddenSize
	dFwdOut := make([][]float64, len(dConcat))
	dBwdOut := make([][]float64, len(dConcat))
	for t, d := range dConcat {
		dFwdOut[t] = append([]float64(nil), d[:h]...)
		dBwdOut[t] = append([]float64(nil), d[h:]...)
	}

	dProjectedFwd := gruStackBackward(weights.GRUForward, fwdCaches, dFwdOut, false)
	dProjectedBwd := gruStackBackward(weights.GRUBackward, bwdCaches, dBwdOut, true)

	dProjected := make([][]float64, len(projected))
	for t := range dProjected {
		dProjected[t] = make([]float64, len(dProjectedFwd[t]))
		for i := range dProjected[t] {
			dProjected[t][i] = dProjectedFwd[t][i] + dProjectedBwd[t][i]
		}
	}

	dSteps := make([][]float64, len(dProjected))
	for t, d := range dProjected {
		dSteps[t] = affineBackward(weights.InputProj, d)
	}

	dx := transposeBack(dSteps, arch.Channels)
	return cos, dx, nil
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

func gruStackBackward(layers []model.GRUCell, allCaches [][]gruStepCache, dOut [][]float64, reverse bool) [][]float64 {
	dSeq := dOut
	if reverse {
		dSeq = reverseSeq(dOut)
	}
	for li := len(layers) - 1; li >= 0; li-- {
		dSeq = gruLayerBackward(layers[li], allCaches[li], dSeq)
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
		caches[t] = gruStepCache{
			x:     append([]float64(nil), x...),
			hPrev: hPrev,
			z:     z,
			r:     r,
			n:     n,
		}
	}
	return out, caches
}

// gruLayerBackward runs standard backprop-through-time for one GRU layer,
// returning the gradient with respect to the layer's input sequence. It
// does not accumulate weight gradients: attribution only needs the input
// gradient, never trains the encoder.
func gruLayerBackward(cell model.GRUCell, caches []gruStepCache, dOut [][]float64) [][]float64 {
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
		dConcatFromR := affineBackward(cell.WReset, dPreR)
		dxFromR := dConcatFromR[:inDim]
		dhPrevFromR := dConcatFromR[inDim:]

		dPreZ := make([]float64, hSize)
		for i := range dz {
			dPreZ[i] = dz[i] * c.z[i] * (1 - c.z[i])
		}
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

// affineBackward returns d(loss)/d(x) given d(loss)/d(out) for the affine
// layer out = x*W + b.
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

// transposeBack is transpose's inverse: [T][C] -> [C][T].
func transposeBack(steps [][]float64, channels int) [][]float64 {
	t := len(steps)
	out := make([][]float64, channels)
	for c := 0; c < channels; c++ {
		row := make([]float64, t)
		for ti, s := range steps {
			row[ti] = s[c]
		}
		out[c] = row
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
