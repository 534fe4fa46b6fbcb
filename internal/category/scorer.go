package category

import (
	"fmt"
	"math/rand"

	"github.com/lenalebt/libmusic-sub000/internal/gmm"
	"github.com/lenalebt/libmusic-sub000/internal/musicerr"
	"github.com/lenalebt/libmusic-sub000/internal/store"
)

// ScorerOptions configures Scorer.Score.
type ScorerOptions struct {
	// KLSamples is n in the sampled symmetric-KL estimate; should match
	// whatever the Learner used to train the one-class classifiers so
	// scores stay comparable across recordings.
	KLSamples int
	Rng       *rand.Rand
}

func (o ScorerOptions) withDefaults() ScorerOptions {
	if o.KLSamples <= 0 {
		o.KLSamples = Defaults.KLSamples
	}
	return o
}

// Scorer evaluates a recording's membership score against a trained
// category Model (spec.md §4.8).
type Scorer struct {
	opts ScorerOptions
}

// NewScorer builds a Scorer; a zero-valued opts falls back to Defaults.
func NewScorer(opts ScorerOptions) *Scorer {
	return &Scorer{opts: opts.withDefaults()}
}

// Score returns a recording's membership score for model: higher means
// more likely to belong to the category. The score is the negative
// one-class Mahalanobis distance minus the positive one-class Mahalanobis
// distance, so a recording closer to the positive prototype (smaller
// positive distance, larger negative distance) scores higher — the
// monotonicity property spec.md §4.8 requires.
func (s *Scorer) Score(model *Model, r Recording) (float64, error) {
	if model == nil || model.PositiveOneClass == nil || model.NegativeOneClass == nil {
		return 0, fmt.Errorf("category: model missing one-class classifiers: %w", musicerr.ErrBadParameters)
	}
	phi := featureVector(r, model, s.opts.KLSamples, s.opts.Rng)
	dPos := model.PositiveOneClass.Mahalanobis(phi)
	dNeg := model.NegativeOneClass.Mahalanobis(phi)
	return dNeg - dPos, nil
}

// Describe serializes a trained Model into the six-string shape the
// persistent store contract (spec.md §3, §6) expects.
func Describe(categoryID int64, model *Model) (store.CategoryDescription, error) {
	desc := store.CategoryDescription{CategoryID: categoryID}

	marshalGMM := func(m *gmm.GMM) (string, error) {
		if m == nil {
			return "", nil
		}
		b, err := m.Marshal()
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	marshalOneClass := func(g *OneClassGaussian) (string, error) {
		if g == nil {
			return "", nil
		}
		b, err := g.Marshal()
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	var err error
	if desc.PositiveTimbreGMM, err = marshalGMM(model.PositiveTimbre); err != nil {
		return store.CategoryDescription{}, err
	}
	if desc.NegativeTimbreGMM, err = marshalGMM(model.NegativeTimbre); err != nil {
		return store.CategoryDescription{}, err
	}
	if desc.PositiveChromaGMM, err = marshalGMM(model.PositiveChroma); err != nil {
		return store.CategoryDescription{}, err
	}
	if desc.NegativeChromaGMM, err = marshalGMM(model.NegativeChroma); err != nil {
		return store.CategoryDescription{}, err
	}
	if desc.PositiveOneClassGMM, err = marshalOneClass(model.PositiveOneClass); err != nil {
		return store.CategoryDescription{}, err
	}
	if desc.NegativeOneClassGMM, err = marshalOneClass(model.NegativeOneClass); err != nil {
		return store.CategoryDescription{}, err
	}
	return desc, nil
}

// LoadModel deserializes a Model from a store.CategoryDescription. Any
// empty field is left nil on the Model, matching spec.md §3's "absent"
// semantics.
func LoadModel(desc store.CategoryDescription) (*Model, error) {
	model := &Model{}
	var err error

	loadGMM := func(s string, label string) (*gmm.GMM, error) {
		if s == "" {
			return nil, nil
		}
		m, err := gmm.Unmarshal([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("category: %s: %w", label, err)
		}
		return m, nil
	}
	loadOneClass := func(s string, label string) (*OneClassGaussian, error) {
		if s == "" {
			return nil, nil
		}
		g, err := UnmarshalOneClass([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("category: %s: %w", label, err)
		}
		return g, nil
	}

	if model.PositiveTimbre, err = loadGMM(desc.PositiveTimbreGMM, "positive timbre"); err != nil {
		return nil, err
	}
	if model.NegativeTimbre, err = loadGMM(desc.NegativeTimbreGMM, "negative timbre"); err != nil {
		return nil, err
	}
	if model.PositiveChroma, err = loadGMM(desc.PositiveChromaGMM, "positive chroma"); err != nil {
		return nil, err
	}
	if model.NegativeChroma, err = loadGMM(desc.NegativeChromaGMM, "negative chroma"); err != nil {
		return nil, err
	}
	if model.PositiveOneClass, err = loadOneClass(desc.PositiveOneClassGMM, "positive one-class"); err != nil {
		return nil, err
	}
	if model.NegativeOneClass, err = loadOneClass(desc.NegativeOneClassGMM, "negative one-class"); err != nil {
		return nil, err
	}
	return model, nil
}
