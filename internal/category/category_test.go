package category

import (
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/lenalebt/libmusic-sub000/internal/gmm"
)

func blobGMM(t *testing.T, center float64, dim int) *gmm.GMM {
	t.Helper()
	mean := make([]float64, dim)
	variances := make([]float64, dim)
	for i := range mean {
		mean[i] = center
		variances[i] = 0.2
	}
	g, err := gmm.NewDiagonal(1.0, mean, variances)
	if err != nil {
		t.Fatalf("NewDiagonal: %v", err)
	}
	m, err := gmm.New([]*gmm.Gaussian{g})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func fullBlobGMM(t *testing.T, center float64, dim int) *gmm.GMM {
	t.Helper()
	mean := make([]float64, dim)
	for i := range mean {
		mean[i] = center
	}
	cov := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		cov.SetSym(i, i, 0.2)
	}
	g, err := gmm.NewFull(1.0, mean, cov)
	if err != nil {
		t.Fatalf("NewFull: %v", err)
	}
	m, err := gmm.New([]*gmm.Gaussian{g})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func sampleRecordings(t *testing.T, n int, timbreCenter, chromaCenter, tempo, dr float64, rng *rand.Rand) []Recording {
	t.Helper()
	out := make([]Recording, n)
	for i := range out {
		out[i] = Recording{
			ID:               int64(i),
			Timbre:           blobGMM(t, timbreCenter+rng.NormFloat64()*0.05, 12),
			Chroma:           fullBlobGMM(t, chromaCenter+rng.NormFloat64()*0.05, 12),
			Tempo:            tempo,
			DynamicRangeMean: dr,
		}
	}
	return out
}

func TestLearnerTrainSeparatesDistinctClusters(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	positives := sampleRecordings(t, 6, 5, 5, 120, 0.6, rng)
	negatives := sampleRecordings(t, 6, -5, -5, 90, 0.3, rng)

	learner := NewLearner(LearnerOptions{
		TimbreSamplesPerGMM: 200,
		TimbreModelSize:     3,
		ChromaSamplesPerGMM: 200,
		ChromaModelSize:     2,
		KLSamples:           100,
		Rng:                 rng,
	})
	model, err := learner.Train(positives, negatives)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if model.PositiveTimbre == nil || model.NegativeTimbre == nil {
		t.Fatal("expected non-nil category timbre models")
	}
	if model.PositiveOneClass == nil || model.NegativeOneClass == nil {
		t.Fatal("expected non-nil one-class classifiers")
	}

	scorer := NewScorer(ScorerOptions{KLSamples: 100, Rng: rng})
	posScore, err := scorer.Score(model, positives[0])
	if err != nil {
		t.Fatalf("Score(positive): %v", err)
	}
	negScore, err := scorer.Score(model, negatives[0])
	if err != nil {
		t.Fatalf("Score(negative): %v", err)
	}
	if posScore <= negScore {
		t.Errorf("expected a positive example to score higher than a negative one, got pos=%v neg=%v", posScore, negScore)
	}
}

func TestLearnerTrainRejectsEmptyExamples(t *testing.T) {
	learner := NewLearner(LearnerOptions{})
	if _, err := learner.Train(nil, []Recording{{}}); err == nil {
		t.Fatal("expected an error when positives is empty")
	}
	if _, err := learner.Train([]Recording{{}}, nil); err == nil {
		t.Fatal("expected an error when negatives is empty")
	}
}

func TestFitOneClassPinsFirstTwoMeanCoordinates(t *testing.T) {
	vectors := [][]float64{
		{1, 2, 10, 0.5},
		{-1, -2, 12, 0.4},
		{3, 1, 11, 0.6},
	}
	g, err := FitOneClass(vectors)
	if err != nil {
		t.Fatalf("FitOneClass: %v", err)
	}
	if g.Mean[0] != 0 || g.Mean[1] != 0 {
		t.Errorf("expected first two mean coordinates pinned to zero, got %v", g.Mean[:2])
	}
}

func TestOneClassMarshalRoundTrips(t *testing.T) {
	vectors := [][]float64{
		{1, 2, 10, 0.5},
		{-1, -2, 12, 0.4},
		{3, 1, 11, 0.6},
		{2, 0, 9, 0.55},
	}
	g, err := FitOneClass(vectors)
	if err != nil {
		t.Fatalf("FitOneClass: %v", err)
	}
	data, err := g.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	loaded, err := UnmarshalOneClass(data)
	if err != nil {
		t.Fatalf("UnmarshalOneClass: %v", err)
	}
	for i := range g.Mean {
		if diff := loaded.Mean[i] - g.Mean[i]; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("mean[%d]: got %v, want %v", i, loaded.Mean[i], g.Mean[i])
		}
	}
	x := []float64{0.5, 0.5, 10, 0.5}
	got := loaded.Mahalanobis(x)
	want := g.Mahalanobis(x)
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Mahalanobis after round-trip: got %v, want %v", got, want)
	}
}

func TestDescribeAndLoadModelRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	positives := sampleRecordings(t, 4, 5, 5, 120, 0.6, rng)
	negatives := sampleRecordings(t, 4, -5, -5, 90, 0.3, rng)

	learner := NewLearner(LearnerOptions{
		TimbreSamplesPerGMM: 100,
		TimbreModelSize:     2,
		ChromaSamplesPerGMM: 100,
		ChromaModelSize:     2,
		KLSamples:           50,
		Rng:                 rng,
	})
	model, err := learner.Train(positives, negatives)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}

	desc, err := Describe(42, model)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if desc.CategoryID != 42 {
		t.Errorf("CategoryID: got %d, want 42", desc.CategoryID)
	}
	if desc.PositiveTimbreGMM == "" || desc.PositiveOneClassGMM == "" {
		t.Fatal("expected non-empty serialized fields")
	}

	loaded, err := LoadModel(desc)
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if loaded.PositiveTimbre == nil || loaded.NegativeChroma == nil || loaded.PositiveOneClass == nil {
		t.Fatal("expected round-tripped model to have all components populated")
	}
}

func TestUnmarshalOneClassRejectsShortCovariance(t *testing.T) {
	if _, err := UnmarshalOneClass([]byte(`{"mean":[1,2],"covariance":[1]}`)); err == nil {
		t.Fatal("expected a MalformedModel error for a short covariance array")
	}
}
