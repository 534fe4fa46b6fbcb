package feature

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/lenalebt/libmusic-sub000/internal/cqt"
	"github.com/lenalebt/libmusic-sub000/internal/gmm"
	"github.com/lenalebt/libmusic-sub000/internal/musicerr"
	"github.com/lenalebt/libmusic-sub000/internal/progress"
)

// TimbreEstimatorOptions configures per-slice timbre vector extraction.
type TimbreEstimatorOptions struct {
	// SliceLength is the time-slice window Δ (default 10ms).
	SliceLength float64
	// Dimension is the number of DCT coefficients kept after skipping DC
	// (default 12).
	Dimension int
	// EnergyFloor is the minimum sum of per-slice magnitudes required to
	// keep a slice; quieter slices are dropped.
	EnergyFloor float64
	// LogFloor clamps log(0) contributions (default -100, matching the
	// clamp the original estimator used to avoid -Inf propagating into
	// the DCT).
	LogFloor float64
}

func (o TimbreEstimatorOptions) withDefaults() TimbreEstimatorOptions {
	if o.SliceLength <= 0 {
		o.SliceLength = 0.010
	}
	if o.Dimension <= 0 {
		o.Dimension = 12
	}
	if o.EnergyFloor <= 0 {
		o.EnergyFloor = 1e-8
	}
	if o.LogFloor == 0 {
		o.LogFloor = -100
	}
	return o
}

// TimbreEstimator computes per-slice timbre vectors (constant-Q cepstra)
// from a CQT result.
type TimbreEstimator struct {
	Result *cqt.Result
	Opts   TimbreEstimatorOptions
}

// NewTimbreEstimator wraps a CQT result for timbre extraction.
func NewTimbreEstimator(r *cqt.Result, opts TimbreEstimatorOptions) *TimbreEstimator {
	return &TimbreEstimator{Result: r, Opts: opts.withDefaults()}
}

// AtTime returns the timbre vector for the slice ending at t, and false
// if the slice's total energy fell below the energy floor (in which case
// the caller must discard the result rather than feed it to training).
func (e *TimbreEstimator) AtTime(t float64) ([]float64, bool) {
	r := e.Result
	raw := make([]float64, r.OctaveCount*r.BinsPerOctave)
	var energy float64
	idx := 0
	for o := 0; o < r.OctaveCount; o++ {
		for b := 0; b < r.BinsPerOctave; b++ {
			m := r.NoteValueMean(t, o, b, e.Opts.SliceLength)
			energy += m
			v := math.Log(math.Max(m, 1e-300))
			if v < e.Opts.LogFloor {
				v = e.Opts.LogFloor
			}
			raw[idx] = v
			idx++
		}
	}
	if energy < e.Opts.EnergyFloor {
		return nil, false
	}

	freq := dctII(raw)
	d := e.Opts.Dimension
	if d > len(freq)-1 {
		d = len(freq) - 1
	}
	return append([]float64(nil), freq[1:1+d]...), true
}

// AllSlices walks the recording at the configured slice resolution and
// returns every surviving (non-discarded) timbre vector.
func (e *TimbreEstimator) AllSlices() [][]float64 {
	r := e.Result
	n := int(r.OriginalDuration / e.Opts.SliceLength)
	out := make([][]float64, 0, n)
	for i := 1; i < n; i++ {
		t := float64(i) * e.Opts.SliceLength
		if v, ok := e.AtTime(t); ok {
			out = append(out, v)
		}
	}
	return out
}

// TimbreModelOptions configures GMM training over aggregated timbre
// vectors. Variant defaults to gmm.Diagonal.
type TimbreModelOptions struct {
	ModelSize    int
	Variant      gmm.Variant
	InitVariance float64
	MinVariance  float64
	Rng          *rand.Rand
	Sink         progress.Sink
}

func (o TimbreModelOptions) withDefaults() TimbreModelOptions {
	if o.ModelSize <= 0 {
		o.ModelSize = 10
	}
	// Variant's zero value is gmm.Diagonal (spec.md §4.4's default); an
	// explicit gmm.Full from the caller is left untouched.
	if o.InitVariance <= 0 {
		o.InitVariance = 1
	}
	if o.MinVariance <= 0 {
		o.MinVariance = 1e-6
	}
	return o
}

// TrainTimbreModel fits a GMM (diagonal by default) over a recording's
// aggregated timbre vectors.
func TrainTimbreModel(vectors [][]float64, opts TimbreModelOptions) (*gmm.GMM, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("feature: no surviving timbre slices: %w", musicerr.ErrEmptyInput)
	}
	o := opts.withDefaults()
	variant := o.Variant
	return gmm.Train(vectors, o.ModelSize, variant, gmm.TrainOptions{
		InitVariance: o.InitVariance,
		MinVariance:  o.MinVariance,
		Rng:          o.Rng,
		Sink:         o.Sink,
		OpID:         "feature.timbre.train",
	})
}
