package gmm

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestNewDiagonalRejectsMismatchedDimensions(t *testing.T) {
	if _, err := NewDiagonal(1, []float64{0, 0}, []float64{1}); err == nil {
		t.Fatal("expected a dimension-mismatch error")
	}
}

func TestNewFullRejectsMismatchedDimensions(t *testing.T) {
	cov := mat.NewSymDense(3, nil)
	if _, err := NewFull(1, []float64{0, 0}, cov); err == nil {
		t.Fatal("expected a dimension-mismatch error")
	}
}

func TestLogPDFPeaksAtMean(t *testing.T) {
	g, err := NewDiagonal(1, []float64{1, 2}, []float64{0.5, 0.5})
	if err != nil {
		t.Fatalf("NewDiagonal: %v", err)
	}
	atMean := g.LogPDF([]float64{1, 2})
	offMean := g.LogPDF([]float64{3, 2})
	if atMean <= offMean {
		t.Fatalf("density at the mean (%f) should exceed density away from it (%f)", atMean, offMean)
	}
}

func TestFullAndDiagonalAgreeOnDiagonalCovariance(t *testing.T) {
	cov := mat.NewSymDense(2, nil)
	cov.SetSym(0, 0, 2)
	cov.SetSym(1, 1, 3)

	full, err := NewFull(1, []float64{0, 0}, cov)
	if err != nil {
		t.Fatalf("NewFull: %v", err)
	}
	diag, err := NewDiagonal(1, []float64{0, 0}, []float64{2, 3})
	if err != nil {
		t.Fatalf("NewDiagonal: %v", err)
	}

	x := []float64{0.5, -1.2}
	lf, ld := full.LogPDF(x), diag.LogPDF(x)
	if math.Abs(lf-ld) > 1e-9 {
		t.Fatalf("full LogPDF = %v, diagonal LogPDF = %v, want equal for a diagonal covariance", lf, ld)
	}
}

func TestFactorizeFullFallsBackOnSingularCovariance(t *testing.T) {
	cov := mat.NewSymDense(2, nil)
	cov.SetSym(0, 0, 1)
	cov.SetSym(0, 1, 1)
	cov.SetSym(1, 1, 1) // rank-deficient: determinant 0

	g, err := NewFull(1, []float64{0, 0}, cov)
	if err != nil {
		t.Fatalf("NewFull: %v", err)
	}
	if !g.Singular() {
		t.Fatal("expected a singular covariance to be detected")
	}
	if math.IsInf(g.LogPDF([]float64{0, 0}), 0) || math.IsNaN(g.LogPDF([]float64{0, 0})) {
		t.Fatal("LogPDF should remain finite for a singular covariance via the pseudoinverse fallback")
	}
}

func TestSampleMeanConvergesForDiagonal(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	g, err := NewDiagonal(1, []float64{5, -5}, []float64{1, 1})
	if err != nil {
		t.Fatalf("NewDiagonal: %v", err)
	}
	var sum [2]float64
	const n = 20000
	for i := 0; i < n; i++ {
		s := g.Sample(rng)
		sum[0] += s[0]
		sum[1] += s[1]
	}
	meanX, meanY := sum[0]/n, sum[1]/n
	if math.Abs(meanX-5) > 0.1 || math.Abs(meanY+5) > 0.1 {
		t.Fatalf("sample mean = (%f, %f), want close to (5, -5)", meanX, meanY)
	}
}

func TestCloneIsIndependentCopy(t *testing.T) {
	g, err := NewDiagonal(1, []float64{0}, []float64{1})
	if err != nil {
		t.Fatalf("NewDiagonal: %v", err)
	}
	clone := g.Clone()
	clone.Mean[0] = 99
	if g.Mean[0] == 99 {
		t.Fatal("mutating the clone's mean affected the original")
	}
}
