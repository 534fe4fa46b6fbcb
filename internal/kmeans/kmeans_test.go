package kmeans

import (
	"math/rand"
	"testing"
)

func TestRunSeparatesTwoClusters(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	data := make([][]float64, 0, 40)
	for i := 0; i < 20; i++ {
		data = append(data, []float64{rng.NormFloat64()*0.1 - 5, rng.NormFloat64() * 0.1})
	}
	for i := 0; i < 20; i++ {
		data = append(data, []float64{rng.NormFloat64()*0.1 + 5, rng.NormFloat64() * 0.1})
	}

	res, err := Run(data, 2, Options{Rng: rng})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Centroids) != 2 {
		t.Fatalf("got %d centroids, want 2", len(res.Centroids))
	}

	left := res.Assignment[0]
	for i := 0; i < 20; i++ {
		if res.Assignment[i] != left {
			t.Fatalf("point %d not grouped with its cluster", i)
		}
	}
	right := res.Assignment[20]
	if right == left {
		t.Fatalf("expected the two blobs to land in different clusters")
	}
	for i := 20; i < 40; i++ {
		if res.Assignment[i] != right {
			t.Fatalf("point %d not grouped with its cluster", i)
		}
	}
}

func TestRunRejectsEmptyInput(t *testing.T) {
	if _, err := Run(nil, 2, Options{}); err == nil {
		t.Fatal("expected an error for empty input")
	}
}

func TestRunRejectsTooManyClusters(t *testing.T) {
	data := [][]float64{{0, 0}, {1, 1}}
	if _, err := Run(data, 3, Options{}); err == nil {
		t.Fatal("expected an error when k exceeds the number of points")
	}
}

func TestPlusPlusSeedsReturnsKDistinctRows(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	data := [][]float64{{0, 0}, {1, 0}, {0, 1}, {5, 5}, {5, 6}}
	seeds := PlusPlusSeeds(data, 3, rng)
	if len(seeds) != 3 {
		t.Fatalf("got %d seeds, want 3", len(seeds))
	}
	for _, s := range seeds {
		if len(s) != 2 {
			t.Fatalf("seed dimension = %d, want 2", len(s))
		}
	}
}
