// Package kmeans implements Lloyd's algorithm with optional k-means++
// seeding, used as the GMM engine's bootstrap initializer.
package kmeans

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/lenalebt/libmusic-sub000/internal/musicerr"
)

// Options configures Run.
type Options struct {
	// MaxIterations caps Lloyd iterations (default 500).
	MaxIterations int
	// MinReassignFraction stops iteration once fewer than this fraction
	// of points changed cluster in the last round (default 0.002).
	MinReassignFraction float64
	// PlusPlus requests k-means++ seeding instead of uniform random
	// distinct points.
	PlusPlus bool
	Rng      *rand.Rand
}

func (o Options) withDefaults() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 500
	}
	if o.MinReassignFraction <= 0 {
		o.MinReassignFraction = 0.002
	}
	return o
}

// Result holds the fitted partition.
type Result struct {
	Centroids  [][]float64
	Assignment []int
	Iterations int
}

// Run partitions data into k clusters via Lloyd's algorithm.
func Run(data [][]float64, k int, opts Options) (*Result, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("kmeans: empty input: %w", musicerr.ErrEmptyInput)
	}
	if k <= 0 || k > len(data) {
		return nil, fmt.Errorf("kmeans: invalid k=%d for %d points: %w", k, len(data), musicerr.ErrBadParameters)
	}
	o := opts.withDefaults()

	var centroids [][]float64
	if o.PlusPlus {
		centroids = PlusPlusSeeds(data, k, o.Rng)
	} else {
		centroids = uniformSeeds(data, k, o.Rng)
	}

	n := len(data)
	assignment := make([]int, n)
	for i := range assignment {
		assignment[i] = -1
	}

	iter := 0
	for ; iter < o.MaxIterations; iter++ {
		changed := 0
		for i, x := range data {
			best, bestDist := 0, math.Inf(1)
			for c, centroid := range centroids {
				d := sqDist(x, centroid)
				if d < bestDist {
					best, bestDist = c, d
				}
			}
			if assignment[i] != best {
				changed++
				assignment[i] = best
			}
		}

		recomputeCentroids(data, assignment, centroids)

		if float64(changed)/float64(n) < o.MinReassignFraction {
			iter++
			break
		}
	}

	return &Result{Centroids: centroids, Assignment: assignment, Iterations: iter}, nil
}

func recomputeCentroids(data [][]float64, assignment []int, centroids [][]float64) {
	dim := len(data[0])
	sums := make([][]float64, len(centroids))
	counts := make([]int, len(centroids))
	for c := range sums {
		sums[c] = make([]float64, dim)
	}
	for i, x := range data {
		c := assignment[i]
		floats.Add(sums[c], x)
		counts[c]++
	}
	for c := range centroids {
		if counts[c] == 0 {
			continue // keep the previous centroid for an empty cluster
		}
		for d := 0; d < dim; d++ {
			centroids[c][d] = sums[c][d] / float64(counts[c])
		}
	}
}

func sqDist(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

func uniformSeeds(data [][]float64, k int, rng *rand.Rand) [][]float64 {
	n := len(data)
	perm := randPerm(n, rng)
	out := make([][]float64, k)
	for i := 0; i < k; i++ {
		out[i] = append([]float64(nil), data[perm[i]]...)
	}
	return out
}

// PlusPlusSeeds picks k seed points via the k-means++ distribution:
// the first seed is uniform, each subsequent seed is drawn with
// probability proportional to its squared distance to the nearest
// already-chosen seed.
func PlusPlusSeeds(data [][]float64, k int, rng *rand.Rand) [][]float64 {
	n := len(data)
	seeds := make([][]float64, 0, k)
	first := intn(n, rng)
	seeds = append(seeds, append([]float64(nil), data[first]...))

	dist := make([]float64, n)
	for len(seeds) < k {
		var total float64
		for i, x := range data {
			best := math.Inf(1)
			for _, s := range seeds {
				if d := sqDist(x, s); d < best {
					best = d
				}
			}
			dist[i] = best
			total += best
		}
		if total == 0 {
			// All remaining points coincide with chosen seeds; pad
			// uniformly to still return k seeds.
			seeds = append(seeds, append([]float64(nil), data[intn(n, rng)]...))
			continue
		}
		target := float64n(total, rng)
		var cum float64
		chosen := n - 1
		for i, d := range dist {
			cum += d
			if cum >= target {
				chosen = i
				break
			}
		}
		seeds = append(seeds, append([]float64(nil), data[chosen]...))
	}
	return seeds
}

func randPerm(n int, rng *rand.Rand) []int {
	if rng != nil {
		return rng.Perm(n)
	}
	return rand.Perm(n)
}

func intn(n int, rng *rand.Rand) int {
	if rng != nil {
		return rng.Intn(n)
	}
	return rand.Intn(n)
}

func float64n(max float64, rng *rand.Rand) float64 {
	if rng != nil {
		return rng.Float64() * max
	}
	return rand.Float64() * max
}
