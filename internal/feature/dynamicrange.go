package feature

import (
	"fmt"
	"math"

	"github.com/lenalebt/libmusic-sub000/internal/cqt"
	"github.com/lenalebt/libmusic-sub000/internal/musicerr"
)

// DynamicRange reports 1-mean and 1-rms of the peak-normalised
// per-time-slice sum vector, so larger values indicate wider dynamic
// range.
type DynamicRange struct {
	Mean        float64
	RMS         float64
	MeanVariance float64
	RMSVariance  float64
}

// fadeOutExclusion is how much of the tail to drop from tracks longer
// than fadeOutThreshold, so fade-outs don't bias the statistics toward
// "wide dynamic range".
const (
	fadeOutThreshold  = 120.0
	fadeOutExclusion  = 20.0
	dynamicRangeSlice = 0.010
)

// EstimateDynamicRange computes dynamic-range statistics from r's
// per-time-slice magnitude sums (§4.9), excluding the final 20s of
// tracks longer than 120s to avoid biasing on fade-outs.
func EstimateDynamicRange(r *cqt.Result) (DynamicRange, error) {
	slices := PerTimeSliceStatistics(r, dynamicRangeSlice)
	if len(slices) == 0 {
		return DynamicRange{}, fmt.Errorf("feature: no time slices to compute dynamic range: %w", musicerr.ErrEmptyInput)
	}

	if r.OriginalDuration > fadeOutThreshold {
		cutoff := r.OriginalDuration - fadeOutExclusion
		kept := slices[:0]
		for _, s := range slices {
			if s.Time <= cutoff {
				kept = append(kept, s)
			}
		}
		slices = kept
	}
	if len(slices) == 0 {
		return DynamicRange{}, fmt.Errorf("feature: no time slices survive fade-out exclusion: %w", musicerr.ErrEmptyInput)
	}

	peak := 0.0
	for _, s := range slices {
		if s.Sum > peak {
			peak = s.Sum
		}
	}
	if peak == 0 {
		return DynamicRange{Mean: 1, RMS: 1}, nil
	}

	normalized := make([]float64, len(slices))
	for i, s := range slices {
		normalized[i] = s.Sum / peak
	}

	var mean, meanSq float64
	for _, v := range normalized {
		mean += v
		meanSq += v * v
	}
	mean /= float64(len(normalized))
	meanSq /= float64(len(normalized))
	rms := math.Sqrt(meanSq)

	var meanVar, rmsVar float64
	for _, v := range normalized {
		dMean := v - mean
		meanVar += dMean * dMean
		dRMS := v*v - meanSq
		rmsVar += dRMS * dRMS
	}
	meanVar /= float64(len(normalized))
	rmsVar /= float64(len(normalized))

	return DynamicRange{
		Mean:         1 - mean,
		RMS:          1 - rms,
		MeanVariance: meanVar,
		RMSVariance:  rmsVar,
	}, nil
}
