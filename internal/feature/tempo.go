package feature

import (
	"fmt"
	"sort"

	"github.com/lenalebt/libmusic-sub000/internal/cqt"
	"github.com/lenalebt/libmusic-sub000/internal/musicerr"
)

// Tempo is a BPM estimate with its variance across detected peaks.
type Tempo struct {
	MeanBPM   float64
	MedianBPM float64
	Variance  float64
}

// TempoEstimatorOptions configures onset-envelope autocorrelation tempo
// estimation.
type TempoEstimatorOptions struct {
	// SliceResolution is the onset-envelope sampling period (default 5ms).
	SliceResolution float64
	// MaxLag caps the autocorrelation search in seconds (default 30s).
	MaxLag float64
}

func (o TempoEstimatorOptions) withDefaults() TempoEstimatorOptions {
	if o.SliceResolution <= 0 {
		o.SliceResolution = 0.005
	}
	if o.MaxLag <= 0 {
		o.MaxLag = 30
	}
	return o
}

// EstimateTempo builds a 5ms-resolution onset envelope from r's CQT
// magnitudes, autocorrelates its first difference up to MaxLag, and
// reports BPM from the spacing between strict local maxima.
func EstimateTempo(r *cqt.Result, opts TempoEstimatorOptions) (Tempo, error) {
	o := opts.withDefaults()

	n := int(r.OriginalDuration / o.SliceResolution)
	if n < 2 {
		return Tempo{}, fmt.Errorf("feature: recording too short for tempo estimation: %w", musicerr.ErrEmptyInput)
	}

	sumVec := make([]float64, n)
	for i := 0; i < n; i++ {
		t := float64(i) * o.SliceResolution
		var sum float64
		for oct := 0; oct < r.OctaveCount; oct++ {
			for bin := 0; bin < r.BinsPerOctave; bin++ {
				sum += cmplxAbs(r.NoteValueAt(t, oct, bin))
			}
		}
		sumVec[i] = sum
	}

	deriv := make([]float64, n-1)
	for i := range deriv {
		deriv[i] = sumVec[i+1] - sumVec[i]
	}

	maxShift := int(o.MaxLag / o.SliceResolution)
	if maxShift > len(deriv) {
		maxShift = len(deriv)
	}
	autoCorr := make([]float64, maxShift)
	for shift := 0; shift < maxShift; shift++ {
		var corr float64
		for i := 0; i+shift < len(deriv); i++ {
			corr += deriv[i] * deriv[i+shift]
		}
		autoCorr[shift] = corr
	}

	var peaks []int
	for i := 1; i < len(autoCorr)-1; i++ {
		if autoCorr[i] > autoCorr[i-1] && autoCorr[i] > autoCorr[i+1] {
			peaks = append(peaks, i)
		}
	}
	if len(peaks) < 2 {
		return Tempo{}, fmt.Errorf("feature: not enough autocorrelation peaks to estimate tempo: %w", musicerr.ErrEmptyInput)
	}

	diffs := make([]int, 0, len(peaks)-1)
	for i := 1; i < len(peaks); i++ {
		diffs = append(diffs, peaks[i]-peaks[i-1])
	}

	var avgDiff float64
	for _, d := range diffs {
		avgDiff += float64(d)
	}
	avgDiff /= float64(len(diffs))

	sorted := append([]int(nil), diffs...)
	sort.Ints(sorted)
	medianDiff := float64(sorted[len(sorted)/2])

	bpmFromDiff := func(d float64) float64 {
		return 30.0 / (d * o.SliceResolution)
	}

	meanBPM := bpmFromDiff(avgDiff)
	medianBPM := bpmFromDiff(medianDiff)

	var variance float64
	for _, d := range diffs {
		v := bpmFromDiff(float64(d)) - meanBPM
		variance += v * v
	}
	variance /= float64(len(diffs))

	return Tempo{MeanBPM: meanBPM, MedianBPM: medianBPM, Variance: variance}, nil
}
