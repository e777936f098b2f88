package jogarm

// lowPassFilter is a first-order IIR filter applied per joint:
//
//	y[k] = (x[k] + x[k-1] - (1-c) y[k-1]) / (1+c)
//
// A constant input passes through unchanged in steady state. Larger c smooths more.
type lowPassFilter struct {
	coeff   float64
	prevIn  []float64
	prevOut []float64
}

func newLowPassFilter(coeff float64, n int) *lowPassFilter {
	return &lowPassFilter{
		coeff:   coeff,
		prevIn:  make([]float64, n),
		prevOut: make([]float64, n),
	}
}

func (f *lowPassFilter) enabled() bool {
	return f.coeff > 0
}

// Next filters x in place and returns it. A disabled filter returns x unchanged.
func (f *lowPassFilter) Next(x []float64) []float64 {
	if !f.enabled() {
		return x
	}
	for i, v := range x {
		y := (v + f.prevIn[i] - (1-f.coeff)*f.prevOut[i]) / (1 + f.coeff)
		f.prevIn[i] = v
		f.prevOut[i] = y
		x[i] = y
	}
	return x
}

// Reset returns the filter to rest.
func (f *lowPassFilter) Reset() {
	for i := range f.prevIn {
		f.prevIn[i] = 0
		f.prevOut[i] = 0
	}
}
