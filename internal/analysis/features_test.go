package analysis

import (
	"math"
	"testing"

	"github.com/lenalebt/libmusic-sub000/internal/cqt"
)

func testExtractor(t *testing.T) *FeatureExtractor {
	t.Helper()
	fe, err := NewFeatureExtractorWithConfig(ExtractorConfig{
		CQT: cqt.Params{
			FMin:          80,
			FMax:          4000,
			Fs:            22050,
			BinsPerOctave: 12,
			Q:             1.0,
			Threshold:     0.0005,
			AtomHopFactor: 0.25,
		},
		TimbreModelSize: 2,
		ChromaModelSize: 2,
	})
	if err != nil {
		t.Fatalf("NewFeatureExtractorWithConfig: %v", err)
	}
	return fe
}

func sineWave(freq, fs float64, seconds float64) []float64 {
	n := int(fs * seconds)
	out := make([]float64, n)
	for i := range out {
		t := float64(i) / fs
		out[i] = 0.5 * math.Sin(2*math.Pi*freq*t)
	}
	return out
}

func TestProcessAudioProducesPopulatedFeatures(t *testing.T) {
	fe := testExtractor(t)
	samples := sineWave(440, 22050, 3)

	features, err := fe.ProcessAudio(samples)
	if err != nil {
		t.Fatalf("ProcessAudio: %v", err)
	}
	if features.TimbreGMM == "" {
		t.Error("expected a non-empty serialized timbre model")
	}
	if features.ChromaGMM == "" {
		t.Error("expected a non-empty serialized chroma model")
	}
	if features.Duration <= 0 {
		t.Errorf("expected positive duration, got %v", features.Duration)
	}
}

func TestProcessAudioRejectsEmptyInput(t *testing.T) {
	fe := testExtractor(t)
	if _, err := fe.ProcessAudio(nil); err == nil {
		t.Fatal("expected an error for empty input")
	}
}

func TestProcessPCMConvertsStereoSamples(t *testing.T) {
	fe := testExtractor(t)
	mono := sineWave(440, 22050, 2)
	pcm := make([]byte, 0, len(mono)*4)
	for _, s := range mono {
		v := int16(s * 32767)
		b := []byte{byte(v), byte(v >> 8)}
		pcm = append(pcm, b...)
		pcm = append(pcm, b...) // duplicate channel -> stereo
	}

	features, err := fe.ProcessPCM(pcm, 2)
	if err != nil {
		t.Fatalf("ProcessPCM: %v", err)
	}
	if features.TimbreGMM == "" {
		t.Error("expected a non-empty serialized timbre model")
	}
}
