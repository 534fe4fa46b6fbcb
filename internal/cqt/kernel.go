// Package cqt implements the constant-Q time-frequency transform: a
// precomputed sparse spectral kernel applied once per octave, cascaded
// downward through an anti-alias/decimate step between octaves.
package cqt

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"

	"github.com/lenalebt/libmusic-sub000/internal/musicerr"
)

// Params configures the kernel build.
type Params struct {
	FMin          float64
	FMax          float64
	Fs            float64
	BinsPerOctave int
	Q             float64 // quality factor multiplier ("q")
	Threshold     float64 // kernel pruning magnitude floor
	AtomHopFactor float64 // in (0, 1]
	Transpose     float64 // cents
}

func (p Params) validate() error {
	switch {
	case p.FMin <= 0, p.FMax <= p.FMin, p.Fs <= 0:
		return fmt.Errorf("cqt: non-positive or inverted frequency range: %w", musicerr.ErrBadParameters)
	case p.BinsPerOctave <= 0:
		return fmt.Errorf("cqt: binsPerOctave must be positive: %w", musicerr.ErrBadParameters)
	case p.Q <= 0:
		return fmt.Errorf("cqt: q must be positive: %w", musicerr.ErrBadParameters)
	case p.AtomHopFactor <= 0 || p.AtomHopFactor > 1:
		return fmt.Errorf("cqt: atomHopFactor must be in (0, 1]: %w", musicerr.ErrBadParameters)
	case p.Threshold < 0:
		return fmt.Errorf("cqt: threshold must be non-negative: %w", musicerr.ErrBadParameters)
	}
	return nil
}

type kernelEntry struct {
	index int
	value complex128
}

// Kernel is the immutable, once-built spectral kernel shared read-only
// across every Apply call and across octaves within a call.
type Kernel struct {
	Params Params

	OctaveCount   int
	BinsPerOctave int
	AtomHopSize   int
	AtomsPerFFT   int
	FFTLen        int
	FFTHop        int
	FirstCenter   int
	MinBinMIDI    float64

	rows [][]kernelEntry // binsPerOctave*atomsPerFFT rows, each fftLen wide (sparse)
}

// Build constructs the spectral kernel once; it is reused for every Apply
// call against signals at the same sample rate.
func Build(p Params) (*Kernel, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	octaveCount := int(math.Ceil(math.Log2(p.FMax / p.FMin)))
	if octaveCount < 1 {
		octaveCount = 1
	}
	actualQ := p.Q / (math.Pow(2, 1.0/float64(p.BinsPerOctave)) - 1)
	kernelFMin := (p.FMax / 2) * math.Pow(2, 1.0/float64(p.BinsPerOctave))

	topBinFreq := kernelFMin * math.Pow(2, float64(p.BinsPerOctave-1)/float64(p.BinsPerOctave))
	if topBinFreq > p.Fs/2 {
		return nil, fmt.Errorf("cqt: fMax cannot be respected at fs=%v after note-grid snapping: %w", p.Fs, musicerr.ErrBadParameters)
	}

	nkMax := int(actualQ*p.Fs/kernelFMin + 0.5)
	ceilNkMax2 := int(math.Ceil(float64(nkMax) / 2))
	nkMin := int(actualQ*p.Fs/topBinFreq + 0.5)

	atomHop := int(float64(nkMin)*p.AtomHopFactor + 0.5)
	if atomHop < 1 {
		atomHop = 1
	}

	firstCenter := atomHop * int(math.Ceil(float64(ceilNkMax2)/float64(atomHop)))
	fftLen := nextPow2(firstCenter + ceilNkMax2)
	atomsPerFFT := int(math.Floor(float64(fftLen-ceilNkMax2-firstCenter)/float64(atomHop))) + 1
	lastCenter := firstCenter + (atomsPerFFT-1)*atomHop
	fftHop := (lastCenter + atomHop) - firstCenter

	rows := make([][]kernelEntry, p.BinsPerOctave*atomsPerFFT)
	fft := fourier.NewCmplxFFT(fftLen)

	dense := make([][]complex128, p.BinsPerOctave*atomsPerFFT)

	for bin := 0; bin < p.BinsPerOctave; bin++ {
		fk := kernelFMin * math.Pow(2, float64(bin)/float64(p.BinsPerOctave))
		nk := int(actualQ*p.Fs/fk + 0.5)

		win := window.Hann(make([]float64, nk))
		temporal := make([]complex128, nk)
		for i := 0; i < nk; i++ {
			phase := 2 * math.Pi * fk * float64(i) / p.Fs
			temporal[i] = complex(win[i]/float64(nk), 0) * complex(math.Cos(phase), math.Sin(phase))
		}

		atomOffset := firstCenter - (nk/2 + (nk & 1))
		for a := 0; a < atomsPerFFT; a++ {
			buf := make([]complex128, fftLen)
			for i := 0; i < nk; i++ {
				pos := a*atomHop + i + atomOffset
				if pos >= 0 && pos < fftLen {
					buf[pos] = temporal[i]
				}
			}
			spectral := fft.Coefficients(nil, buf)

			row := make([]complex128, fftLen)
			for i := 0; i < fftLen; i++ {
				v := spectral[i] / complex(float64(fftLen), 0)
				if cmplxAbs(v) >= p.Threshold {
					row[i] = v
				}
			}
			dense[bin*atomsPerFFT+a] = row
		}
	}

	weight := normalizationWeight(dense, p.Q, fftHop, fftLen)

	for r, row := range dense {
		var entries []kernelEntry
		for i, v := range row {
			if v == 0 {
				continue
			}
			entries = append(entries, kernelEntry{index: i, value: complex(weight, 0) * cmplxConj(v)})
		}
		rows[r] = entries
	}

	// minBinMIDI must describe the actual (note-grid-snapped) lowest
	// frequency the kernel covers, not the raw requested FMin: the kernel
	// is built at the top octave's frequencies and cascaded downward, so
	// octave 0's bin 0 sits at kernelFMin/2^(octaveCount-1), which only
	// equals p.FMin when FMin already lies exactly on the note grid.
	snappedFMin := kernelFMin / math.Pow(2, float64(octaveCount-1))
	minBinMIDI := 12*math.Log2(snappedFMin/440.0) + 69 + p.Transpose/100

	return &Kernel{
		Params:        p,
		OctaveCount:   octaveCount,
		BinsPerOctave: p.BinsPerOctave,
		AtomHopSize:   atomHop,
		AtomsPerFFT:   atomsPerFFT,
		FFTLen:        fftLen,
		FFTHop:        fftHop,
		FirstCenter:   firstCenter,
		MinBinMIDI:    minBinMIDI,
		rows:          rows,
	}, nil
}

// normalizationWeight computes sqrt((fftHop/fftLen) / mean(||row||^2)) over
// the diagonal band of significant overlap between the first and last
// bin's magnitude peaks.
func normalizationWeight(dense [][]complex128, q float64, fftHop, fftLen int) float64 {
	firstCol, lastCol := 0, len(dense)-1
	maxAPos, maxA := 0, -1.0
	maxBPos, maxB := 0, -1.0
	for i := range dense[firstCol] {
		if a := cmplxAbs(dense[firstCol][i]); a > maxA {
			maxA, maxAPos = a, i
		}
		if b := cmplxAbs(dense[lastCol][i]); b > maxB {
			maxB, maxBPos = b, i
		}
	}

	margin := int(1.0 / q)
	lo, hi := maxAPos+margin, maxBPos-margin
	if lo > hi {
		lo, hi = maxAPos, maxBPos
		if lo > hi {
			lo, hi = hi, lo
		}
	}

	var sum float64
	count := 0
	for j := lo; j <= hi && j < fftLen; j++ {
		if j < 0 {
			continue
		}
		var rowSum float64
		for _, row := range dense {
			v := row[j]
			rowSum += real(v)*real(v) + imag(v)*imag(v)
		}
		sum += rowSum
		count++
	}
	if count == 0 {
		return 1
	}
	mean := sum / float64(count)
	if mean == 0 {
		return 1
	}
	return math.Sqrt(float64(fftHop) / float64(fftLen) / mean)
}

func cmplxAbs(v complex128) float64 {
	return math.Hypot(real(v), imag(v))
}

func cmplxConj(v complex128) complex128 {
	return complex(real(v), -imag(v))
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
