package analysis

import (
	"math"
	"math/rand"
	"sort"

	"github.com/lenalebt/libmusic-sub000/internal/gmm"
)

const (
	// FeatureVersion marks the on-disk schema of AudioFeatures; bump it
	// whenever the struct's shape changes so HasFeatures can force a
	// re-extraction of stale entries.
	FeatureVersion = 2

	// DefaultTopK is the default number of similar tracks to store per track.
	DefaultTopK = 20

	// MinSimilarityThreshold is the minimum similarity threshold for edge storage.
	MinSimilarityThreshold = 0.3

	// klSamples is n in the sampled symmetric-KL distance between two
	// recordings' timbre/chroma GMMs (internal/gmm.SymmetricKL), matching
	// the category package's default (category.Defaults.KLSamples).
	klSamples = 500
)

// FeatureWeights defines the importance of each feature group making up
// overall track similarity.
type FeatureWeights struct {
	Timbre       float32 // sym-KL distance between timbre GMMs
	Chroma       float32 // sym-KL distance between chroma GMMs
	Tempo        float32 // rhythm feel
	DynamicRange float32 // loudness/dynamics profile
}

// DefaultWeights returns the default feature weights.
func DefaultWeights() FeatureWeights {
	return FeatureWeights{
		Timbre:       0.4,
		Chroma:       0.3,
		Tempo:        0.2,
		DynamicRange: 0.1,
	}
}

// SimilarityEngine computes and queries track similarity from committed
// AudioFeatures (spec.md §4.8's φ-vector distance, applied pairwise
// between two recordings rather than against a trained category).
type SimilarityEngine struct {
	store   *FeatureStore
	weights FeatureWeights
	topK    int
	rng     *rand.Rand
}

// NewSimilarityEngine creates a new similarity engine.
func NewSimilarityEngine(store *FeatureStore) *SimilarityEngine {
	return &SimilarityEngine{
		store:   store,
		weights: DefaultWeights(),
		topK:    DefaultTopK,
		rng:     rand.New(rand.NewSource(1)),
	}
}

// SetWeights updates the feature weights.
func (e *SimilarityEngine) SetWeights(w FeatureWeights) {
	e.weights = w
}

// ComputeSimilarity computes similarity between two feature sets.
// Returns a value between 0 (different) and 1 (identical).
func (e *SimilarityEngine) ComputeSimilarity(a, b *AudioFeatures) float32 {
	if a == nil || b == nil {
		return 0
	}

	var totalDistance, totalWeight float32

	if timbreDist, ok := e.timbreDistance(a, b); ok {
		totalDistance += timbreDist * e.weights.Timbre
		totalWeight += e.weights.Timbre
	}
	if chromaDist, ok := e.chromaDistance(a, b); ok {
		totalDistance += chromaDist * e.weights.Chroma
		totalWeight += e.weights.Chroma
	}

	tempoDist := e.tempoDistance(float32(a.TempoBPM), float32(b.TempoBPM))
	totalDistance += tempoDist * e.weights.Tempo
	totalWeight += e.weights.Tempo

	drDist := abs32(float32(a.DynamicRangeMean) - float32(b.DynamicRangeMean))
	totalDistance += drDist * e.weights.DynamicRange
	totalWeight += e.weights.DynamicRange

	if totalWeight == 0 {
		return 0
	}
	avgDistance := totalDistance / totalWeight
	similarity := 1 - avgDistance

	if similarity < 0 {
		return 0
	}
	if similarity > 1 {
		return 1
	}
	return similarity
}

// timbreDistance returns a [0,1]-clamped distance derived from the
// sampled symmetric KL divergence between two recordings' timbre GMMs.
// The second return value is false when either model failed to decode,
// in which case the caller must drop this term from the weighted sum.
func (e *SimilarityEngine) timbreDistance(a, b *AudioFeatures) (float32, bool) {
	ga, erra := gmm.Unmarshal([]byte(a.TimbreGMM))
	gb, errb := gmm.Unmarshal([]byte(b.TimbreGMM))
	if erra != nil || errb != nil {
		return 0, false
	}
	return klToDistance(gmm.SymmetricKL(ga, gb, klSamples, e.rng)), true
}

// chromaDistance mirrors timbreDistance for the chroma GMMs.
func (e *SimilarityEngine) chromaDistance(a, b *AudioFeatures) (float32, bool) {
	ga, erra := gmm.Unmarshal([]byte(a.ChromaGMM))
	gb, errb := gmm.Unmarshal([]byte(b.ChromaGMM))
	if erra != nil || errb != nil {
		return 0, false
	}
	return klToDistance(gmm.SymmetricKL(ga, gb, klSamples, e.rng)), true
}

// klToDistance squashes a non-negative symmetric KL divergence into
// [0,1) via 1 - exp(-kl), so identical models (kl=0) map to distance 0
// and increasingly divergent models asymptote toward 1.
func klToDistance(kl float64) float32 {
	d := 1 - math.Exp(-kl)
	if d < 0 {
		d = 0
	}
	if d > 1 {
		d = 1
	}
	return float32(d)
}

// tempoDistance computes normalized tempo distance, treating double/half
// tempo relationships as similar.
func (e *SimilarityEngine) tempoDistance(a, b float32) float32 {
	if a == 0 || b == 0 {
		return 1
	}
	ratio := a / b
	if ratio > 1 {
		ratio = b / a
	}

	if ratio > 0.45 && ratio < 0.55 {
		ratio = ratio * 2
	}

	dist := float32(1.0) - ratio
	if dist < 0 {
		dist = 0
	}
	if dist > 1 {
		dist = 1
	}
	return dist
}

// FindSimilar finds the most similar tracks to a given track.
func (e *SimilarityEngine) FindSimilar(trackPath string, count int, exclude []string) []SimilarityEdge {
	edges := e.store.GetSimilarTracks(trackPath, count*2)

	excludeSet := make(map[string]bool)
	for _, p := range exclude {
		excludeSet[p] = true
	}

	var result []SimilarityEdge
	for _, edge := range edges {
		if !excludeSet[edge.TargetPath] {
			result = append(result, edge)
			if len(result) >= count {
				break
			}
		}
	}

	return result
}

// BuildGraph builds the similarity graph for all analyzed tracks.
func (e *SimilarityEngine) BuildGraph() {
	allFeatures := e.store.GetAllFeatures()

	paths := make([]string, 0, len(allFeatures))
	for path := range allFeatures {
		paths = append(paths, path)
	}

	for i, pathA := range paths {
		featuresA := allFeatures[pathA].Features
		var edges []SimilarityEdge

		for j, pathB := range paths {
			if i == j {
				continue
			}

			featuresB := allFeatures[pathB].Features
			similarity := e.ComputeSimilarity(featuresA, featuresB)

			if similarity >= MinSimilarityThreshold {
				edges = append(edges, SimilarityEdge{
					TargetPath: pathB,
					Weight:     similarity,
				})
			}
		}

		sort.Slice(edges, func(a, b int) bool {
			return edges[a].Weight > edges[b].Weight
		})

		if len(edges) > e.topK {
			edges = edges[:e.topK]
		}

		e.store.StoreSimilarityEdges(pathA, edges)
	}
}

// ExplainSimilarity returns a breakdown of why two tracks are similar.
func (e *SimilarityEngine) ExplainSimilarity(trackA, trackB string) map[string]float32 {
	fa, okA := e.store.GetFeatures(trackA)
	fb, okB := e.store.GetFeatures(trackB)

	if !okA || !okB {
		return nil
	}

	a := fa.Features
	b := fb.Features

	breakdown := map[string]float32{
		"overall": e.ComputeSimilarity(a, b),
		"tempo":   1 - e.tempoDistance(float32(a.TempoBPM), float32(b.TempoBPM)),
	}
	if d, ok := e.timbreDistance(a, b); ok {
		breakdown["timbre"] = 1 - d
	}
	if d, ok := e.chromaDistance(a, b); ok {
		breakdown["chroma"] = 1 - d
	}
	return breakdown
}

func abs32(x float32) float32 {
	if x < 0 {
		return -x
	}
	return x
}
