// Package feature implements the per-recording feature extractors built
// on top of a cqt.Result: timbre vectors, chroma vectors with mode
// detection, dynamic-range statistics, and tempo estimation.
package feature

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/lenalebt/libmusic-sub000/internal/cqt"
)

// BinStatistics summarises one (octave, bin) row of a CQTResult across
// time: mean, min, max, and variance of its magnitude.
type BinStatistics struct {
	Octave, Bin         int
	Mean, Min, Max, Var float64
}

// PerBinStatistics reduces every (octave, bin) row of r to its magnitude
// statistics across the full time axis.
func PerBinStatistics(r *cqt.Result) []BinStatistics {
	out := make([]BinStatistics, 0, r.OctaveCount*r.BinsPerOctave)
	for o := 0; o < r.OctaveCount; o++ {
		for b := 0; b < r.BinsPerOctave; b++ {
			row := r.Octaves[o][b]
			if len(row) == 0 {
				out = append(out, BinStatistics{Octave: o, Bin: b})
				continue
			}
			mags := make([]float64, len(row))
			lo, hi := math.Inf(1), math.Inf(-1)
			for i, v := range row {
				m := cmplxAbs(v)
				mags[i] = m
				if m < lo {
					lo = m
				}
				if m > hi {
					hi = m
				}
			}
			out = append(out, BinStatistics{
				Octave: o, Bin: b,
				Mean: stat.Mean(mags, nil),
				Min:  lo, Max: hi,
				Var: stat.Variance(mags, nil),
			})
		}
	}
	return out
}

// TimeSliceStatistics summarises one time slice across every (octave,
// bin) row: sum, mean, min, max, and variance of its magnitude.
type TimeSliceStatistics struct {
	Time                     float64
	Sum, Mean, Min, Max, Var float64
}

// PerTimeSliceStatistics buckets r's magnitudes into slices of the given
// resolution (seconds), one bucket per multiple of resolution up to the
// recording's original duration.
func PerTimeSliceStatistics(r *cqt.Result, resolution float64) []TimeSliceStatistics {
	n := int(r.OriginalDuration / resolution)
	out := make([]TimeSliceStatistics, 0, n)
	for i := 1; i < n; i++ {
		t := float64(i) * resolution
		mags := make([]float64, 0, r.OctaveCount*r.BinsPerOctave)
		for o := 0; o < r.OctaveCount; o++ {
			for b := 0; b < r.BinsPerOctave; b++ {
				mags = append(mags, cmplxAbs(r.NoteValueAt(t, o, b)))
			}
		}
		if len(mags) == 0 {
			continue
		}
		var sum float64
		lo, hi := mags[0], mags[0]
		for _, m := range mags {
			sum += m
			if m < lo {
				lo = m
			}
			if m > hi {
				hi = m
			}
		}
		out = append(out, TimeSliceStatistics{
			Time: t,
			Sum:  sum,
			Mean: stat.Mean(mags, nil),
			Min:  lo,
			Max:  hi,
			Var:  stat.Variance(mags, nil),
		})
	}
	return out
}

func cmplxAbs(v complex128) float64 {
	return math.Hypot(real(v), imag(v))
}
