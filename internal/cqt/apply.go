package cqt

import (
	"fmt"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/lenalebt/libmusic-sub000/internal/musicerr"
)

// Result is a multi-octave CQT spectrogram: one complex matrix per octave,
// indexed [bin][column], with column resolution doubling for each
// higher octave.
type Result struct {
	BinsPerOctave int
	OctaveCount   int
	Fs            float64
	MinBinMIDI    float64

	OriginalDuration float64
	Duration         float64
	TimeBefore       float64

	// Octaves[o] is the o-th octave's matrix, BinsPerOctave rows by a
	// per-octave column count.
	Octaves [][][]complex128
	// Drop[o] is the leading-frame count to ignore for octave o.
	Drop []int
}

// Apply runs the cascaded constant-Q transform: each octave's window loop
// consumes the previous octave's anti-alias-filtered, decimated signal.
// cancel, if non-nil, is polled at each octave boundary.
func (k *Kernel) Apply(signal []float64, cancel <-chan struct{}) (*Result, error) {
	if len(signal) == 0 {
		return nil, fmt.Errorf("cqt: apply on empty signal: %w", musicerr.ErrEmptyInput)
	}

	maxBlock := k.FFTLen * (1 << uint(k.OctaveCount-1))
	originalSampleCount := len(signal)

	padded := make([]float64, originalSampleCount+2*maxBlock)
	copy(padded[maxBlock:], signal)
	data := padded

	octaves := make([][][]complex128, k.OctaveCount)
	drop := make([]int, k.OctaveCount)
	emptyHops := k.FirstCenter / k.AtomHopSize

	realFFT := fourier.NewFFT(k.FFTLen)

	for octave := k.OctaveCount - 1; octave >= 0; octave-- {
		select {
		case <-cancel:
			return nil, musicerr.ErrCancelled
		default:
		}

		drop[octave] = (emptyHops << uint(octave)) - emptyHops

		mat := make([][]complex128, k.BinsPerOctave)
		for b := range mat {
			mat[b] = make([]complex128, 0, len(data)/k.FFTHop*k.AtomsPerFFT)
		}

		window := make([]float64, k.FFTLen)
		for pos := 0; pos+k.FFTHop < len(data); pos += k.FFTHop {
			end := pos + k.FFTLen
			if end <= len(data) {
				copy(window, data[pos:end])
			} else {
				for i := range window {
					if pos+i < len(data) {
						window[i] = data[pos+i]
					} else {
						window[i] = 0
					}
				}
			}

			half := realFFT.Coefficients(nil, window) // length FFTLen/2+1
			full := mirrorSpectrum(half, k.FFTLen)

			cols := k.applyKernel(full)
			for b := 0; b < k.BinsPerOctave; b++ {
				mat[b] = append(mat[b], cols[b*k.AtomsPerFFT:(b+1)*k.AtomsPerFFT]...)
			}
		}
		octaves[octave] = mat

		if octave > 0 {
			data = lowpassDecimate(data)
		}
	}

	sampleCount := originalSampleCount + 2*maxBlock
	fs := k.Params.Fs

	return &Result{
		BinsPerOctave:    k.BinsPerOctave,
		OctaveCount:      k.OctaveCount,
		Fs:               fs,
		MinBinMIDI:       k.MinBinMIDI,
		OriginalDuration: float64(originalSampleCount) / fs,
		Duration:         float64(sampleCount) / fs,
		TimeBefore:       float64(maxBlock) / fs,
		Octaves:          octaves,
		Drop:             drop,
	}, nil
}

// applyKernel multiplies the sparse spectral kernel by one frame's full
// spectrum, returning a (binsPerOctave*atomsPerFFT)-length vector.
func (k *Kernel) applyKernel(spectrum []complex128) []complex128 {
	out := make([]complex128, len(k.rows))
	for r, row := range k.rows {
		var sum complex128
		for _, e := range row {
			sum += e.value * spectrum[e.index]
		}
		out[r] = sum
	}
	return out
}

// mirrorSpectrum expands the fftLen/2+1 real-FFT coefficients into a full
// fftLen conjugate-symmetric spectrum.
func mirrorSpectrum(half []complex128, fftLen int) []complex128 {
	full := make([]complex128, fftLen)
	copy(full, half)
	mid := fftLen / 2
	for i := 1; i < mid; i++ {
		full[mid+i] = cmplxConj(full[mid-i])
	}
	return full
}

// NoteValueAt returns the complex CQT entry nearest to time (seconds)
// within the given octave/bin, or zero if time or the mapped column is
// out of range.
func (r *Result) NoteValueAt(t float64, octave, bin int) complex128 {
	if t <= 0 || octave >= r.OctaveCount || octave < 0 {
		return 0
	}
	pos := r.columnFor(t, octave)
	cols := r.Octaves[octave][0]
	if pos < 0 || pos >= len(cols) {
		return 0
	}
	return r.Octaves[octave][bin][pos]
}

// NoteValueMean returns the mean magnitude of the given octave/bin's
// entries over the window [t-slice, t].
func (r *Result) NoteValueMean(t float64, octave, bin int, slice float64) float64 {
	if t <= 0 || octave >= r.OctaveCount || octave < 0 {
		return 0
	}
	pos := r.columnFor(t, octave)
	cols := r.Octaves[octave][0]
	if pos >= len(cols) {
		return 0
	}
	preTime := t - slice
	var prePos int
	if preTime <= 0 {
		prePos = r.Drop[octave] + 1
	} else {
		prePos = r.columnFor(preTime, octave)
	}
	if prePos > pos {
		prePos = pos
	}
	if prePos < 0 {
		prePos = 0
	}

	var sum float64
	n := 0
	row := r.Octaves[octave][bin]
	for i := prePos; i <= pos && i < len(row); i++ {
		sum += cmplxAbs(row[i])
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (r *Result) columnFor(t float64, octave int) int {
	t += r.TimeBefore
	topCols := len(r.Octaves[r.OctaveCount-1][0])
	pos := topCols >> uint(r.OctaveCount-1-octave)
	pos = int(float64(pos) * (t / r.Duration))
	pos += r.Drop[octave] + 1
	return pos
}
