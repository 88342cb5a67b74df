package preprocess

import "math"

// biquad is a second-order IIR section in Direct Form I. Coefficients are
// normalized so a0 == 1.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// apply runs the filter forward over xs, returning a new slice. state is
// reset to zero at the start of every call.
func (f biquad) apply(xs []float64) []float64 {
	out := make([]float64, len(xs))
	var x1, x2, y1, y2 float64
	for i, x := range xs {
		y := f.b0*x + f.b1*x1 + f.b2*x2 - f.a1*y1 - f.a2*y2
		out[i] = y
		x2, x1 = x1, x
		y2, y1 = y1, y
	}
	return out
}

// forwardBackward runs f forward then backward over xs (zero-phase
// filtering), avoiding the phase distortion a single forward pass would
// introduce into the windowed embeddings downstream.
func forwardBackward(f biquad, xs []float64) []float64 {
	fwd := f.apply(xs)
	reverse(fwd)
	back := f.apply(fwd)
	reverse(back)
	return back
}

func reverse(xs []float64) {
	for i, j := 0, len(xs)-1; i < j; i, j = i+1, j-1 {
		xs[i], xs[j] = xs[j], xs[i]
	}
}

// newBiquadLowPass builds an RBJ-cookbook second-order Butterworth
// low-pass section with corner frequency cutoffHz at sample rate fs.
func newBiquadLowPass(cutoffHz, fs float64) biquad {
	w0 := 2 * math.Pi * cutoffHz / fs
	alpha := math.Sin(w0) / math.Sqrt2
	cosW0 := math.Cos(w0)

	b0 := (1 - cosW0) / 2
	b1 := 1 - cosW0
	b2 := (1 - cosW0) / 2
	a0 := 1 + alpha
	a1 := -2 * cosW0
	a2 := 1 - alpha

	return normalize(b0, b1, b2, a0, a1, a2)
}

// newBiquadHighPass builds an RBJ-cookbook second-order Butterworth
// high-pass section with corner frequency cutoffHz at sample rate fs.
func newBiquadHighPass(cutoffHz, fs float64) biquad {
	w0 := 2 * math.Pi * cutoffHz / fs
	alpha := math.Sin(w0) / math.Sqrt2
	cosW0 := math.Cos(w0)

	b0 := (1 + cosW0) / 2
	b1 := -(1 + cosW0)
	b2 := (1 + cosW0) / 2
	a0 := 1 + alpha
	a1 := -2 * cosW0
	a2 := 1 - alpha

	return normalize(b0, b1, b2, a0, a1, a2)
}

// newBiquadNotch builds an RBJ-cookbook second-order notch section
// centered at centerHz with quality factor q at sample rate fs.
func newBiquadNotch(centerHz, q, fs float64) biquad {
	w0 := 2 * math.Pi * centerHz / fs
	alpha := math.Sin(w0) / (2 * q)
	cosW0 := math.Cos(w0)

	b0 := 1.0
	b1 := -2 * cosW0
	b2 := 1.0
	a0 := 1 + alpha
	a1 := -2 * cosW0
	a2 := 1 - alpha

	return normalize(b0, b1, b2, a0, a1, a2)
}

func normalize(b0, b1, b2, a0, a1, a2 float64) biquad {
	return biquad{
		b0: b0 / a0,
		b1: b1 / a0,
		b2: b2 / a0,
		a1: a1 / a0,
		a2: a2 / a0,
	}
}
