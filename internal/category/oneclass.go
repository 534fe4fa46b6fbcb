// Package category implements the category learner and scorer: per-
// polarity timbre/chroma GMMs sampled from example recordings, a
// sym-KL-divergence feature vector, and a one-class Mahalanobis
// classifier over that feature space.
package category

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/lenalebt/libmusic-sub000/internal/musicerr"
)

// OneClassGaussian is a single full-covariance Gaussian fit to one
// polarity's φ-vectors, with the first two coordinates of its mean
// forced to zero: those coordinates are sym-KL deltas that are centred
// on zero by construction (φ's first two dimensions compare the
// recording against both prototypes), so pinning them avoids the model
// absorbing sampling noise in a direction that should always cancel.
type OneClassGaussian struct {
	Mean []float64
	cov  *mat.SymDense

	chol      *mat.Cholesky
	singular  bool
	pseudoInv *mat.Dense
	logDet    float64
}

// FitOneClass fits a one-class Gaussian to the φ-vectors of one
// polarity's examples, zeroing the first two mean coordinates.
func FitOneClass(vectors [][]float64) (*OneClassGaussian, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("category: no vectors to fit a one-class model: %w", musicerr.ErrEmptyInput)
	}
	d := len(vectors[0])
	for _, v := range vectors {
		if len(v) != d {
			return nil, fmt.Errorf("category: ragged feature vectors: %w", musicerr.ErrBadParameters)
		}
	}

	mean := make([]float64, d)
	for _, v := range vectors {
		for i, x := range v {
			mean[i] += x
		}
	}
	for i := range mean {
		mean[i] /= float64(len(vectors))
	}
	if d >= 2 {
		mean[0] = 0
		mean[1] = 0
	}

	cov := mat.NewSymDense(d, nil)
	diff := make([]float64, d)
	for _, v := range vectors {
		for i := range diff {
			diff[i] = v[i] - mean[i]
		}
		for a := 0; a < d; a++ {
			for b := a; b < d; b++ {
				cov.SetSym(a, b, cov.At(a, b)+diff[a]*diff[b])
			}
		}
	}
	for a := 0; a < d; a++ {
		for b := a; b < d; b++ {
			cov.SetSym(a, b, cov.At(a, b)/float64(len(vectors)))
		}
	}

	g := &OneClassGaussian{Mean: mean}
	g.factorize(cov, d)
	return g, nil
}

func (g *OneClassGaussian) factorize(cov *mat.SymDense, d int) {
	g.cov = cov
	var chol mat.Cholesky
	if chol.Factorize(cov) {
		g.chol = &chol
		g.singular = false
		g.logDet = chol.LogDet()
		return
	}

	g.singular = true
	var eig mat.EigenSym
	if !eig.Factorize(cov, true) {
		g.pseudoInv = mat.NewDense(d, d, nil)
		for i := 0; i < d; i++ {
			g.pseudoInv.Set(i, i, 1)
		}
		return
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	threshold := float64(d) * 2.220446049250313e-16
	pinv := mat.NewDense(d, d, nil)
	logDet := 0.0
	for k := 0; k < d; k++ {
		lambda := values[k]
		if lambda <= threshold {
			continue
		}
		logDet += math.Log(lambda)
		for i := 0; i < d; i++ {
			vi := vectors.At(i, k)
			if vi == 0 {
				continue
			}
			for j := 0; j < d; j++ {
				pinv.Set(i, j, pinv.At(i, j)+vi*vectors.At(j, k)/lambda)
			}
		}
	}
	g.pseudoInv = pinv
	g.logDet = logDet
}

// Mahalanobis returns the Mahalanobis distance from x to the Gaussian's
// mean, via the Cholesky factor or the pseudoinverse fallback.
func (g *OneClassGaussian) Mahalanobis(x []float64) float64 {
	d := len(g.Mean)
	diff := make([]float64, d)
	for i := range diff {
		diff[i] = x[i] - g.Mean[i]
	}
	dv := mat.NewVecDense(d, diff)

	if !g.singular {
		var sol mat.VecDense
		if err := g.chol.SolveVecTo(&sol, dv); err == nil {
			return math.Sqrt(math.Max(mat.Dot(dv, &sol), 0))
		}
	}
	var sol mat.VecDense
	sol.MulVec(g.pseudoInv, dv)
	return math.Sqrt(math.Max(mat.Dot(dv, &sol), 0))
}

// wireOneClass is the JSON object shape spec.md §6 describes for a
// one-class Gaussian: a mean vector plus its covariance packed as the
// row-major lower triangle, the same packing the GMM wire format uses
// for full-covariance components.
type wireOneClass struct {
	Mean       []float64 `json:"mean"`
	Covariance []float64 `json:"covariance"`
}

// Marshal serializes the one-class Gaussian to the JSON object format
// spec.md §6 describes.
func (g *OneClassGaussian) Marshal() ([]byte, error) {
	d := len(g.Mean)
	packed := make([]float64, 0, d*(d+1)/2)
	for i := 0; i < d; i++ {
		for j := 0; j <= i; j++ {
			packed = append(packed, g.cov.At(i, j))
		}
	}
	return json.Marshal(wireOneClass{Mean: g.Mean, Covariance: packed})
}

// UnmarshalOneClass parses the JSON object format Marshal produces.
func UnmarshalOneClass(data []byte) (*OneClassGaussian, error) {
	var wire wireOneClass
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("category: decode one-class model: %w: %v", musicerr.ErrMalformedModel, err)
	}
	d := len(wire.Mean)
	if d == 0 {
		return nil, fmt.Errorf("category: one-class model has empty mean: %w", musicerr.ErrMalformedModel)
	}
	if len(wire.Covariance) != d*(d+1)/2 {
		return nil, fmt.Errorf("category: one-class covariance length %d, want %d: %w",
			len(wire.Covariance), d*(d+1)/2, musicerr.ErrMalformedModel)
	}
	cov := mat.NewSymDense(d, nil)
	idx := 0
	for i := 0; i < d; i++ {
		for j := 0; j <= i; j++ {
			cov.SetSym(i, j, wire.Covariance[idx])
			idx++
		}
	}
	g := &OneClassGaussian{Mean: wire.Mean}
	g.factorize(cov, d)
	return g, nil
}
