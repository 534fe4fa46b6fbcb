package gmm

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func twoBlobData(rng *rand.Rand, n int) [][]float64 {
	data := make([][]float64, 0, 2*n)
	for i := 0; i < n; i++ {
		data = append(data, []float64{rng.NormFloat64()*0.3 - 4, rng.NormFloat64() * 0.3})
	}
	for i := 0; i < n; i++ {
		data = append(data, []float64{rng.NormFloat64()*0.3 + 4, rng.NormFloat64() * 0.3})
	}
	return data
}

func TestTrainRejectsEmptyData(t *testing.T) {
	if _, err := Train(nil, 1, Diagonal, TrainOptions{}); err == nil {
		t.Fatal("expected an error for empty training data")
	}
}

func TestTrainRejectsTooManyComponents(t *testing.T) {
	data := [][]float64{{0, 0}, {1, 1}}
	if _, err := Train(data, 3, Diagonal, TrainOptions{}); err == nil {
		t.Fatal("expected an error when k exceeds the number of points")
	}
}

func TestTrainWeightsSumToOne(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	data := twoBlobData(rng, 50)
	m, err := Train(data, 2, Diagonal, TrainOptions{Rng: rng, InitVariance: 1})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	var sum float64
	for _, g := range m.Gaussians {
		sum += g.Weight
	}
	if math.Abs(sum-1) > WeightTolerance {
		t.Fatalf("weights sum to %v, want ~1", sum)
	}
}

func TestTrainSeparatesTwoBlobs(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	data := twoBlobData(rng, 80)
	m, err := Train(data, 2, Diagonal, TrainOptions{Rng: rng, InitVariance: 1, MaxIterations: 10})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	means := []float64{m.Gaussians[0].Mean[0], m.Gaussians[1].Mean[0]}
	low, high := means[0], means[1]
	if low > high {
		low, high = high, low
	}
	if low > -2 || high < 2 {
		t.Fatalf("component means %v did not separate the two blobs near -4/+4", means)
	}
}

func TestTrainLogLikelihoodIsFinite(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	data := twoBlobData(rng, 30)
	m, err := Train(data, 2, Full, TrainOptions{Rng: rng, InitVariance: 1})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if math.IsInf(m.TrainLogLikelihood, 0) || math.IsNaN(m.TrainLogLikelihood) {
		t.Fatalf("TrainLogLikelihood = %v, want finite", m.TrainLogLikelihood)
	}
	if m.AIC == 0 || m.BIC == 0 {
		t.Fatal("expected AIC/BIC to be populated after training")
	}
}

func TestMarshalUnmarshalRoundTripDiagonal(t *testing.T) {
	g1, _ := NewDiagonal(0.4, []float64{1, 2}, []float64{0.5, 1.5})
	g2, _ := NewDiagonal(0.6, []float64{-1, -2}, []float64{1, 1})
	m, err := New([]*Gaussian{g1, g2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	round, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(round.Gaussians) != 2 {
		t.Fatalf("got %d components after round-trip, want 2", len(round.Gaussians))
	}
	for i, g := range round.Gaussians {
		want := m.Gaussians[i]
		if math.Abs(g.Weight-want.Weight) > 1e-12 {
			t.Fatalf("component %d weight = %v, want %v", i, g.Weight, want.Weight)
		}
		for d := range g.Mean {
			if math.Abs(g.Mean[d]-want.Mean[d]) > 1e-12 {
				t.Fatalf("component %d mean[%d] = %v, want %v", i, d, g.Mean[d], want.Mean[d])
			}
		}
	}
}

func TestMarshalUnmarshalRoundTripFull(t *testing.T) {
	cov := mat.NewSymDense(2, nil)
	cov.SetSym(0, 0, 2)
	cov.SetSym(0, 1, 0.3)
	cov.SetSym(1, 1, 1.5)
	g, err := NewFull(1, []float64{0.1, -0.2}, cov)
	if err != nil {
		t.Fatalf("NewFull: %v", err)
	}
	m, err := New([]*Gaussian{g})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	round, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	got := round.Gaussians[0].CovarianceFull()
	want := g.CovarianceFull()
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if math.Abs(got.At(i, j)-want.At(i, j)) > 1e-12 {
				t.Fatalf("covariance[%d][%d] = %v, want %v", i, j, got.At(i, j), want.At(i, j))
			}
		}
	}
}

func TestUnmarshalRejectsMalformedCovarianceLength(t *testing.T) {
	bad := []byte(`[{"weight":1,"mean":[0,0],"covariance":[1]}]`)
	if _, err := Unmarshal(bad); err == nil {
		t.Fatal("expected a malformed-model error for a covariance array of invalid length")
	}
}

func TestCompareToSelfIsNearZero(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	g1, _ := NewDiagonal(0.5, []float64{0, 0}, []float64{1, 1})
	g2, _ := NewDiagonal(0.5, []float64{3, 3}, []float64{1, 1})
	m, err := New([]*Gaussian{g1, g2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	kl := m.CompareTo(m, 5000, rng)
	if math.Abs(kl) > 0.1 {
		t.Fatalf("KL(m, m) = %v, want close to 0", kl)
	}
}

func TestCompareToDistinctModelsIsPositive(t *testing.T) {
	rng := rand.New(rand.NewSource(10))
	a, _ := New([]*Gaussian{mustDiag(0, 0.3)})
	b, _ := New([]*Gaussian{mustDiag(10, 0.3)})
	kl := SymmetricKL(a, b, 2000, rng)
	if kl <= 0 {
		t.Fatalf("SymmetricKL for well-separated models = %v, want positive", kl)
	}
}

func mustDiag(mean, variance float64) *Gaussian {
	g, err := NewDiagonal(1, []float64{mean}, []float64{variance})
	if err != nil {
		panic(err)
	}
	return g
}

func TestConcatKeepsDiagonalWhenBothDiagonal(t *testing.T) {
	a, _ := New([]*Gaussian{mustDiag(0, 1)})
	b, _ := New([]*Gaussian{mustDiag(5, 1)})
	c, err := Concat(a, b)
	if err != nil {
		t.Fatalf("Concat: %v", err)
	}
	if c.Variant() != Diagonal {
		t.Fatalf("Concat of two diagonal GMMs = %v, want Diagonal", c.Variant())
	}
	if len(c.Gaussians) != 2 {
		t.Fatalf("got %d components, want 2", len(c.Gaussians))
	}
}

func TestConcatPromotesToFullWhenMixed(t *testing.T) {
	diag, _ := New([]*Gaussian{mustDiag(0, 1)})
	cov := mat.NewSymDense(1, []float64{2})
	fullG, _ := NewFull(1, []float64{1}, cov)
	full, _ := New([]*Gaussian{fullG})

	c, err := Concat(diag, full)
	if err != nil {
		t.Fatalf("Concat: %v", err)
	}
	if c.Variant() != Full {
		t.Fatalf("Concat of a diagonal and a full GMM = %v, want Full", c.Variant())
	}
}

func TestConcatRejectsDimensionMismatch(t *testing.T) {
	a, _ := New([]*Gaussian{mustDiag(0, 1)})
	b, _ := New([]*Gaussian{mustVec2()})
	if _, err := Concat(a, b); err == nil {
		t.Fatal("expected a dimension-mismatch error")
	}
}

func mustVec2() *Gaussian {
	g, err := NewDiagonal(1, []float64{0, 0}, []float64{1, 1})
	if err != nil {
		panic(err)
	}
	return g
}
