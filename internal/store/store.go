// Package store declares the persistent-store contract the core pipeline
// relies on (spec §6). It is an external collaborator: the core never
// imports a concrete storage engine, only this interface. Recordings,
// categories, and their serialized models are owned by whatever
// implementation is wired in by the host process.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by lookups that find nothing by primary key.
var ErrNotFound = errors.New("store: not found")

// Recording is the subset of recording metadata the core cares about; the
// host process may track more (e.g. filesystem path, tags).
type Recording struct {
	ID int64
}

// RecordingFeatures binds the serialized timbre/chroma GMMs and scalar
// features computed for one recording. Immutable once committed; any
// mutation implies a rebuild by the caller.
type RecordingFeatures struct {
	RecordingID      int64
	TempoBPM         float64
	LengthSeconds    float64
	DynamicRangeMean float64
	DynamicRangeRMS  float64
	TimbreGMM        string // serialized gmm.GMM
	ChromaGMM        string // serialized gmm.GMM
}

// Category is a user-defined classification target, upserted by unique
// name.
type Category struct {
	ID   int64
	Name string
}

// CategoryDescription holds the six serialized models that make up a
// trained category (spec §3). Any field may be empty, meaning "absent".
type CategoryDescription struct {
	CategoryID          int64
	PositiveTimbreGMM   string
	PositiveChromaGMM   string
	NegativeTimbreGMM   string
	NegativeChromaGMM   string
	PositiveOneClassGMM string
	NegativeOneClassGMM string
}

// Store is the persistence contract external to the core. Every method
// that can fail returns an error wrapping musicerr.ErrStorageError.
type Store interface {
	AddRecording(ctx context.Context, r Recording) (int64, error)
	UpdateRecordingByID(ctx context.Context, r Recording) error
	GetRecordingByID(ctx context.Context, id int64, withFeatures bool) (Recording, *RecordingFeatures, error)

	AddRecordingFeatures(ctx context.Context, f RecordingFeatures) error
	UpdateRecordingFeaturesByID(ctx context.Context, f RecordingFeatures) error

	AddCategory(ctx context.Context, c Category) (int64, error)
	GetCategoryByID(ctx context.Context, id int64, withDescription bool) (Category, *CategoryDescription, error)
	AddCategoryDescription(ctx context.Context, d CategoryDescription) error
	UpdateCategoryDescription(ctx context.Context, d CategoryDescription) error

	GetRecordingToCategoryScore(ctx context.Context, recordingID, categoryID int64) (float64, error)
	UpdateRecordingToCategoryScore(ctx context.Context, recordingID, categoryID int64, score float64) error

	// GetCategoryExampleScore returns the example-score semantics: values
	// > 0.5 mark positive examples, <= 0.5 mark negative examples.
	GetCategoryExampleScore(ctx context.Context, categoryID, recordingID int64) (float64, error)
	UpdateCategoryExampleScore(ctx context.Context, categoryID, recordingID int64, score float64) error
	GetCategoryExampleRecordingIDs(ctx context.Context, categoryID int64, limit int) ([]int64, error)

	// GetRecordingIDsInCategory returns recording IDs ordered by score
	// descending, restricted to [minScore, maxScore].
	GetRecordingIDsInCategory(ctx context.Context, categoryID int64, minScore, maxScore float64, limit int) ([]int64, error)

	// Transactions nest via savepoints: an inner Rollback undoes only to
	// the nearest BeginTransaction call.
	BeginTransaction(ctx context.Context) (Tx, error)
}

// Tx is a nestable transaction scope.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
