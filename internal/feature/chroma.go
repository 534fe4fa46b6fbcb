package feature

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/lenalebt/libmusic-sub000/internal/cqt"
	"github.com/lenalebt/libmusic-sub000/internal/gmm"
	"github.com/lenalebt/libmusic-sub000/internal/musicerr"
	"github.com/lenalebt/libmusic-sub000/internal/progress"
)

// ModeKind is the scale family a detected key belongs to.
type ModeKind int

const (
	Major ModeKind = iota
	NaturalMinor
	HarmonicMinor
)

func (k ModeKind) String() string {
	switch k {
	case NaturalMinor:
		return "natural minor"
	case HarmonicMinor:
		return "harmonic minor"
	default:
		return "major"
	}
}

// Mode is a detected key: a tonic pitch class (0-based index into the
// chroma vector, counted from the kernel's lowest bin) and a scale family.
type Mode struct {
	Tonic int
	Kind  ModeKind
}

// noteNames labels chroma index 0 as "F" and counts up in semitones from
// there. The table is fixed and does not follow the kernel's actual
// frequencies (with fMax = 4000 Hz, bin 0 lies near C), so a name is the
// true pitch class only when the kernel's lowest bin falls on F.
var noteNames = [12]string{"F", "F#", "G", "G#", "A", "A#", "B", "C", "C#", "D", "D#", "E"}

// Name returns the tonic's note name and a trailing "m" for minor modes.
func (m Mode) Name() string {
	suffix := ""
	if m.Kind != Major {
		suffix = "m"
	}
	return noteNames[m.Tonic%12] + suffix
}

// ChromaEstimatorOptions configures per-slice chroma extraction.
type ChromaEstimatorOptions struct {
	// SliceLength is the time-slice window Δ (default 10ms).
	SliceLength float64
	// TransposeInvariant rotates every chroma vector so the detected
	// tonic sits at index 0.
	TransposeInvariant bool
}

func (o ChromaEstimatorOptions) withDefaults() ChromaEstimatorOptions {
	if o.SliceLength <= 0 {
		o.SliceLength = 0.010
	}
	return o
}

// ChromaEstimator computes smoothed per-slice chroma vectors and detects
// the recording's mode from accumulated chord-likelihood tallies.
type ChromaEstimator struct {
	Result *cqt.Result
	Opts   ChromaEstimatorOptions
}

func NewChromaEstimator(r *cqt.Result, opts ChromaEstimatorOptions) *ChromaEstimator {
	return &ChromaEstimator{Result: r, Opts: opts.withDefaults()}
}

// Estimate walks the recording computing smoothed, unit-norm chroma
// vectors and tallying chord likelihoods, then returns the detected
// mode alongside the chroma vector sequence (optionally rotated to be
// transpose-invariant).
func (e *ChromaEstimator) Estimate() ([][]float64, Mode, error) {
	r := e.Result
	b := r.BinsPerOctave
	slice := e.Opts.SliceLength
	alpha := slice / 0.125

	chroma := make([]float64, b)
	tally := make([]float64, 2*b) // [0,b) major template tallies, [b,2b) minor

	n := int(r.OriginalDuration / slice)
	vectors := make([][]float64, 0, n)

	for i := 1; i < n; i++ {
		t := float64(i) * slice

		cqtMean := make([]float64, r.OctaveCount*b)
		for bin := 0; bin < b; bin++ {
			for o := 0; o < r.OctaveCount; o++ {
				cqtMean[o*b+bin] = r.NoteValueMean(t, o, bin, slice)
			}
		}

		maxV := 0.0
		for _, v := range cqtMean {
			if v > maxV {
				maxV = v
			}
		}
		if maxV <= 1e-14 {
			continue
		}
		for j := range cqtMean {
			cqtMean[j] = math.Pow(cqtMean[j]/maxV, 1.2) * maxV
		}

		for bin := 0; bin < b; bin++ {
			chroma[bin] *= 1 - alpha
		}
		for bin := 0; bin < b; bin++ {
			var binSum float64
			for o := 0; o < r.OctaveCount; o++ {
				binSum += cqtMean[o*b+bin]
			}
			chroma[bin] += binSum * alpha
		}
		// Normalize the accumulator itself (not a throwaway copy), matching
		// chroma.cpp's in-place chroma.normalize(): the next iteration's
		// 1-alpha decay must operate on a unit-norm vector, or the EMA's
		// effective history/new-signal balance drifts with loudness.
		chroma = normalizeUnit(chroma)
		vectors = append(vectors, append([]float64(nil), chroma...))

		best, bestVal := 0, math.Inf(-1)
		for j := 0; j < b; j++ {
			majorLikelihood := (chroma[j] + chroma[(j+4)%b] + chroma[(j+7)%b]) / 3
			minorLikelihood := (chroma[j] + chroma[(j+3)%b] + chroma[(j+7)%b]) / 3
			if majorLikelihood > bestVal {
				bestVal, best = majorLikelihood, j
			}
			if minorLikelihood > bestVal {
				bestVal, best = minorLikelihood, j+b
			}
		}
		tally[best]++
	}

	if len(vectors) == 0 {
		return nil, Mode{}, fmt.Errorf("feature: no surviving chroma slices: %w", musicerr.ErrEmptyInput)
	}

	mode := detectMode(tally, b)

	if e.Opts.TransposeInvariant {
		for i, v := range vectors {
			vectors[i] = rotateLeft(v, mode.Tonic)
		}
	}

	return vectors, mode, nil
}

func normalizeUnit(v []float64) []float64 {
	out := append([]float64(nil), v...)
	norm := floats.Norm(out, 2)
	if norm == 0 {
		return make([]float64, len(v))
	}
	floats.Scale(1/norm, out)
	return out
}

func rotateLeft(v []float64, shift int) []float64 {
	n := len(v)
	shift = ((shift % n) + n) % n
	out := make([]float64, n)
	for i := range v {
		out[i] = v[(i+shift)%n]
	}
	return out
}

// detectMode scores major, natural-minor, and harmonic-minor candidates
// for every tonic and returns the best-scoring (tonic, kind) pair.
func detectMode(tally []float64, b int) Mode {
	major := tally[:b]
	minor := tally[b:]

	score := func(kind ModeKind, r int) float64 {
		switch kind {
		case Major:
			return major[r]*3.0 +
				major[(r+5)%b] +
				major[(r+7)%b]*1.5 +
				minor[(r+2)%b] +
				minor[(r+4)%b] +
				minor[(r+9)%b]
		case NaturalMinor:
			return minor[r]*3.0 +
				major[(r+3)%b] +
				major[(r+8)%b] +
				major[(r+10)%b] +
				minor[(r+5)%b] +
				minor[(r+7)%b]*1.5
		default: // HarmonicMinor
			return minor[r]*3.0 +
				major[(r+3)%b] +
				major[(r+8)%b] +
				major[(r+10)%b] +
				minor[(r+5)%b] +
				major[(r+7)%b]*1.5
		}
	}

	best := Mode{Tonic: 0, Kind: Major}
	bestScore := math.Inf(-1)
	for _, kind := range []ModeKind{Major, NaturalMinor, HarmonicMinor} {
		for r := 0; r < b; r++ {
			if s := score(kind, r); s > bestScore {
				bestScore, best = s, Mode{Tonic: r, Kind: kind}
			}
		}
	}
	return best
}

// ChromaModelOptions configures the best-of-three full-covariance GMM
// fit over chroma vectors.
type ChromaModelOptions struct {
	ModelSize    int
	InitVariance float64
	MinVariance  float64
	Rng          *rand.Rand
	Sink         progress.Sink
}

func (o ChromaModelOptions) withDefaults() ChromaModelOptions {
	if o.ModelSize <= 0 {
		o.ModelSize = 10
	}
	if o.InitVariance <= 0 {
		o.InitVariance = 1
	}
	if o.MinVariance <= 0 {
		o.MinVariance = 1e-6
	}
	return o
}

// TrainChromaModel trains three independent full-covariance GMMs and
// keeps the one with the highest training log-likelihood, mitigating
// EM's sensitivity to initialisation.
func TrainChromaModel(vectors [][]float64, opts ChromaModelOptions) (*gmm.GMM, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("feature: no chroma vectors to train on: %w", musicerr.ErrEmptyInput)
	}
	o := opts.withDefaults()

	var best *gmm.GMM
	for i := 0; i < 3; i++ {
		m, err := gmm.Train(vectors, o.ModelSize, gmm.Full, gmm.TrainOptions{
			InitVariance: o.InitVariance,
			MinVariance:  o.MinVariance,
			Rng:          o.Rng,
			Sink:         o.Sink,
			OpID:         "feature.chroma.train",
		})
		if err != nil {
			return nil, err
		}
		if best == nil || m.TrainLogLikelihood > best.TrainLogLikelihood {
			best = m
		}
	}
	return best, nil
}
