package feature

import "math"

// dctII computes the type-II discrete cosine transform of x, unnormalised
// (matching the classic DCT-II definition used for cepstral coefficients).
// No example repo in the retrieval pack carries a DCT library, and
// gonum's own fourier package offers only FFT/Hartley transforms, so this
// is computed directly rather than reaching for a dependency that isn't
// there.
func dctII(x []float64) []float64 {
	n := len(x)
	out := make([]float64, n)
	for k := 0; k < n; k++ {
		var sum float64
		for i, v := range x {
			sum += v * math.Cos(math.Pi/float64(n)*(float64(i)+0.5)*float64(k))
		}
		out[k] = sum
	}
	return out
}
