package cqt

import (
	"math"
	"testing"
)

func testParams() Params {
	return Params{
		FMin:          80,
		FMax:          4000,
		Fs:            22050,
		BinsPerOctave: 12,
		Q:             1.0,
		Threshold:     0.0005,
		AtomHopFactor: 0.25,
	}
}

func TestBuildRejectsBadParameters(t *testing.T) {
	cases := []Params{
		{FMin: 0, FMax: 100, Fs: 22050, BinsPerOctave: 12, Q: 1, AtomHopFactor: 1},
		{FMin: 100, FMax: 50, Fs: 22050, BinsPerOctave: 12, Q: 1, AtomHopFactor: 1},
		{FMin: 100, FMax: 1000, Fs: 22050, BinsPerOctave: 0, Q: 1, AtomHopFactor: 1},
		{FMin: 100, FMax: 1000, Fs: 22050, BinsPerOctave: 12, Q: 0, AtomHopFactor: 1},
		{FMin: 100, FMax: 1000, Fs: 22050, BinsPerOctave: 12, Q: 1, AtomHopFactor: 1.5},
	}
	for i, p := range cases {
		if _, err := Build(p); err == nil {
			t.Fatalf("case %d: expected an error for invalid parameters %+v", i, p)
		}
	}
}

func TestBuildRejectsFMaxAboveNyquistAfterSnapping(t *testing.T) {
	p := testParams()
	p.FMax = p.Fs // fMax at Nyquist leaves no room for the top kernel bin
	if _, err := Build(p); err == nil {
		t.Fatal("expected an error when fMax cannot be respected under fs/2")
	}
}

func TestApplyRejectsEmptySignal(t *testing.T) {
	k, err := Build(testParams())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := k.Apply(nil, nil); err == nil {
		t.Fatal("expected an error for an empty signal")
	}
}

func TestApplyOnZeroSignalYieldsAllZeroMatrices(t *testing.T) {
	k, err := Build(testParams())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	signal := make([]float64, 22050) // 1 s of silence
	res, err := k.Apply(signal, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for o, mat := range res.Octaves {
		for b, row := range mat {
			for _, v := range row {
				if v != 0 {
					t.Fatalf("octave %d bin %d: non-zero entry %v for a zero-valued signal", o, b, v)
				}
			}
			_ = b
		}
	}
}

func TestApplyOnSinusoidPeaksNearExpectedBin(t *testing.T) {
	p := testParams()
	k, err := Build(p)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	const freq = 440.0
	n := int(2 * p.Fs)
	signal := make([]float64, n)
	for i := range signal {
		signal[i] = math.Sin(2 * math.Pi * freq * float64(i) / p.Fs)
	}

	res, err := k.Apply(signal, nil)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	midTime := res.OriginalDuration / 2

	bestOctave, bestBin, bestEnergy := 0, 0, -1.0
	var total float64
	for o := 0; o < res.OctaveCount; o++ {
		for b := 0; b < res.BinsPerOctave; b++ {
			e := res.NoteValueMean(midTime, o, b, 0.05)
			total += e
			if e > bestEnergy {
				bestEnergy, bestOctave, bestBin = e, o, b
			}
		}
	}

	if total == 0 {
		t.Fatal("expected non-zero energy for a 440 Hz sinusoid")
	}
	if bestEnergy/total < 0.95 {
		t.Fatalf("peak bin carries only %.2f%% of total energy, expected >=95%% at the middle of the signal (spec.md scenario 3)", 100*bestEnergy/total)
	}

	// The winning (octave, bin)'s centre frequency, expressed in MIDI
	// semitones from res.MinBinMIDI (octave 0, bin 0), must land within a
	// semitone of 440 Hz == MIDI 69 (A4).
	semitonesPerBin := 12.0 / float64(res.BinsPerOctave)
	gotMIDI := res.MinBinMIDI + 12*float64(bestOctave) + float64(bestBin)*semitonesPerBin
	const wantMIDI = 69.0
	if diff := math.Abs(gotMIDI - wantMIDI); diff > 1.0 {
		t.Fatalf("peak at octave %d bin %d is MIDI %.2f, want within a semitone of %.2f (440 Hz/A4)", bestOctave, bestBin, gotMIDI, wantMIDI)
	}
}
