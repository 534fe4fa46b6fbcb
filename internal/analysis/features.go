package analysis

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/lenalebt/libmusic-sub000/internal/cqt"
	"github.com/lenalebt/libmusic-sub000/internal/feature"
	"github.com/lenalebt/libmusic-sub000/internal/gmm"
	"github.com/lenalebt/libmusic-sub000/internal/musicerr"
	"github.com/lenalebt/libmusic-sub000/internal/progress"
)

// AudioFeatures is a recording's committed feature set (spec.md §3
// "RecordingFeatures"): the serialized per-recording timbre/chroma GMMs
// plus the scalar tempo/dynamic-range/duration features, in the same
// wire shape the persistent-store contract (internal/store) uses so a
// host process can round-trip this struct to disk without a bespoke
// binary encoder.
type AudioFeatures struct {
	TimbreGMM string `json:"timbreGmm"`
	ChromaGMM string `json:"chromaGmm"`
	Mode      string `json:"mode"`

	TempoBPM      float64 `json:"tempoBpm"`
	TempoVariance float64 `json:"tempoVariance"`

	DynamicRangeMean float64 `json:"dynamicRangeMean"`
	DynamicRangeRMS  float64 `json:"dynamicRangeRms"`

	Duration float64 `json:"duration"`
}

// FeatureExtractor runs the constant-Q pipeline (spec.md §4.1-§4.7) over
// a recording's mono 22050Hz samples and aggregates the per-slice
// timbre/chroma vectors into trained GMMs plus the tempo/dynamic-range
// scalars. The spectral kernel is built once and reused across
// recordings, since it is immutable and expensive to construct (spec.md
// §5 "the spectral kernel is immutable after construction and may be
// shared read-only across threads").
type FeatureExtractor struct {
	mu sync.Mutex

	kernel *cqt.Kernel

	timbreOpts feature.TimbreEstimatorOptions
	chromaOpts feature.ChromaEstimatorOptions
	tempoOpts  feature.TempoEstimatorOptions

	timbreModel feature.TimbreModelOptions
	chromaModel feature.ChromaModelOptions

	rng  *rand.Rand
	sink progress.Sink
}

// ExtractorConfig configures NewFeatureExtractorWithConfig. A zero CQT.Fs
// falls back to 22050, and zero TimbreDimension, TimbreModelSize and
// ChromaModelSize fall back to 12, 10 and 10 (the same values as
// internal/config's defaults). The other CQT fields are passed to
// cqt.Build as given, which rejects zero frequencies or Q.
type ExtractorConfig struct {
	CQT              cqt.Params
	TimbreDimension  int
	TimbreModelSize  int
	ChromaModelSize  int
	Rng              *rand.Rand
	Sink             progress.Sink
}

// NewFeatureExtractor builds the constant-Q kernel once and returns an
// extractor ready to process recordings. sampleRate is retained for
// backward-compatible call sites that only need the default kernel; use
// NewFeatureExtractorWithConfig for full control.
func NewFeatureExtractor(sampleRate int) *FeatureExtractor {
	fe, err := NewFeatureExtractorWithConfig(ExtractorConfig{
		CQT: cqt.Params{
			FMin:          80,
			FMax:          4000,
			Fs:            float64(sampleRate),
			BinsPerOctave: 12,
			Q:             1.0,
			Threshold:     0.0005,
			AtomHopFactor: 0.25,
		},
	})
	if err != nil {
		// The fixed default parameter set above is always valid for any
		// positive sample rate at or above the CQT's own Nyquist check;
		// a panic here would indicate the defaults themselves regressed.
		panic(fmt.Sprintf("analysis: default CQT parameters rejected: %v", err))
	}
	return fe
}

// NewFeatureExtractorWithConfig builds an extractor from an explicit
// configuration, surfacing kernel-construction failures instead of
// panicking.
func NewFeatureExtractorWithConfig(cfg ExtractorConfig) (*FeatureExtractor, error) {
	if cfg.CQT.Fs <= 0 {
		cfg.CQT.Fs = 22050
	}
	kernel, err := cqt.Build(cfg.CQT)
	if err != nil {
		return nil, fmt.Errorf("analysis: build CQT kernel: %w", err)
	}

	timbreDim := cfg.TimbreDimension
	if timbreDim <= 0 {
		timbreDim = 12
	}
	timbreSize := cfg.TimbreModelSize
	if timbreSize <= 0 {
		timbreSize = 10
	}
	chromaSize := cfg.ChromaModelSize
	if chromaSize <= 0 {
		chromaSize = 10
	}

	return &FeatureExtractor{
		kernel:      kernel,
		timbreOpts:  feature.TimbreEstimatorOptions{Dimension: timbreDim},
		chromaOpts:  feature.ChromaEstimatorOptions{},
		tempoOpts:   feature.TempoEstimatorOptions{},
		timbreModel: feature.TimbreModelOptions{ModelSize: timbreSize, Variant: gmm.Diagonal},
		chromaModel: feature.ChromaModelOptions{ModelSize: chromaSize},
		rng:         cfg.Rng,
		sink:        cfg.Sink,
	}, nil
}

// ProcessAudio extracts features from a complete recording (mono
// float64 samples at the kernel's configured sample rate).
func (fe *FeatureExtractor) ProcessAudio(samples []float64) (*AudioFeatures, error) {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	if len(samples) == 0 {
		return nil, fmt.Errorf("analysis: empty recording: %w", musicerr.ErrEmptyInput)
	}

	result, err := fe.kernel.Apply(samples, nil)
	if err != nil {
		return nil, fmt.Errorf("analysis: cqt apply: %w", err)
	}

	timbreEstimator := feature.NewTimbreEstimator(result, fe.timbreOpts)
	timbreVectors := timbreEstimator.AllSlices()
	timbreGMM, err := feature.TrainTimbreModel(timbreVectors, feature.TimbreModelOptions{
		ModelSize: fe.timbreModel.ModelSize,
		Variant:   fe.timbreModel.Variant,
		Rng:       fe.rng,
		Sink:      fe.sink,
	})
	if err != nil {
		return nil, fmt.Errorf("analysis: timbre model: %w", err)
	}

	chromaEstimator := feature.NewChromaEstimator(result, fe.chromaOpts)
	chromaVectors, mode, err := chromaEstimator.Estimate()
	if err != nil {
		return nil, fmt.Errorf("analysis: chroma estimate: %w", err)
	}
	chromaGMM, err := feature.TrainChromaModel(chromaVectors, feature.ChromaModelOptions{
		ModelSize: fe.chromaModel.ModelSize,
		Rng:       fe.rng,
		Sink:      fe.sink,
	})
	if err != nil {
		return nil, fmt.Errorf("analysis: chroma model: %w", err)
	}

	tempo, err := feature.EstimateTempo(result, fe.tempoOpts)
	if err != nil {
		return nil, fmt.Errorf("analysis: tempo: %w", err)
	}

	dr, err := feature.EstimateDynamicRange(result)
	if err != nil {
		return nil, fmt.Errorf("analysis: dynamic range: %w", err)
	}

	timbreWire, err := timbreGMM.Marshal()
	if err != nil {
		return nil, fmt.Errorf("analysis: serialize timbre model: %w", err)
	}
	chromaWire, err := chromaGMM.Marshal()
	if err != nil {
		return nil, fmt.Errorf("analysis: serialize chroma model: %w", err)
	}

	return &AudioFeatures{
		TimbreGMM:        string(timbreWire),
		ChromaGMM:        string(chromaWire),
		Mode:             mode.Name(),
		TempoBPM:         tempo.MeanBPM,
		TempoVariance:    tempo.Variance,
		DynamicRangeMean: dr.Mean,
		DynamicRangeRMS:  dr.RMS,
		Duration:         result.OriginalDuration,
	}, nil
}

// ProcessPCM converts little-endian signed 16-bit PCM to mono float64
// samples and extracts features from it. channels must match the PCM
// layout; the signal is assumed already resampled to the extractor's
// configured sample rate (22050Hz by convention - spec.md §6).
func (fe *FeatureExtractor) ProcessPCM(data []byte, channels int) (*AudioFeatures, error) {
	return fe.ProcessAudio(pcmToMono(data, channels))
}

func pcmToMono(data []byte, channels int) []float64 {
	if channels < 1 {
		channels = 1
	}
	bytesPerSample := 2
	frameBytes := bytesPerSample * channels
	numSamples := len(data) / frameBytes

	samples := make([]float64, numSamples)
	for i := 0; i < numSamples; i++ {
		offset := i * frameBytes
		var sum float64
		for ch := 0; ch < channels; ch++ {
			chOffset := offset + ch*bytesPerSample
			sample := int16(data[chOffset]) | int16(data[chOffset+1])<<8
			sum += float64(sample) / 32768.0
		}
		samples[i] = sum / float64(channels)
	}
	return samples
}
