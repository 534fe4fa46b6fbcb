// Package musicerr defines the error kinds shared across the core pipeline.
//
// Numerical degeneracies (singular covariances, zero-energy slices) are
// recovered locally and never surface as errors. Dimensional and contract
// violations fail fast via BadParameters/MalformedModel. Lack of EM
// convergence is reported through a progress sink, not an error return.
package musicerr

import "errors"

var (
	// ErrBadParameters marks an invalid configuration or inconsistent
	// dimensions between components (e.g. mismatched GMM dimensionality,
	// empty training data).
	ErrBadParameters = errors.New("musicerr: bad parameters")

	// ErrEmptyInput marks zero-length audio or a feature extraction pass
	// that produced no surviving slices.
	ErrEmptyInput = errors.New("musicerr: empty input")

	// ErrSingularCovariance marks a covariance matrix detected singular.
	// Callers within this module handle it locally via a pseudoinverse and
	// no function returns it; Gaussian.Singular reports whether the
	// fallback was taken.
	ErrSingularCovariance = errors.New("musicerr: singular covariance")

	// ErrModelNotConverged marks EM training that hit its iteration cap
	// before the log-likelihood delta fell under the convergence
	// threshold. The partial model is still usable; this is a warning
	// delivered via progress.Sink, never a hard failure.
	ErrModelNotConverged = errors.New("musicerr: model did not converge")

	// ErrMalformedModel marks a deserialized model with inconsistent
	// dimensions or an unrecognized covariance array length.
	ErrMalformedModel = errors.New("musicerr: malformed model")

	// ErrCancelled marks cooperative cancellation at an allowed boundary
	// (E-step boundary, octave boundary).
	ErrCancelled = errors.New("musicerr: cancelled")

	// ErrStorageError wraps a failure from the persistent-store
	// collaborator; callers should assume any in-flight transaction was
	// rolled back.
	ErrStorageError = errors.New("musicerr: storage error")

	// ErrFileDecodeError is reserved for the external audio decoder. The
	// core never raises it itself.
	ErrFileDecodeError = errors.New("musicerr: file decode error")
)
