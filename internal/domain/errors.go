package domain

import (
	"errors"
)

// Error taxonomy for the scoring pipeline. Callers distinguish these with
// errors.Is; each maps to a distinct API status.
var (
	// ErrEntityNotFound means a customer or merchant id did not resolve to
	// exactly one entity. User-input error, not retried.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrIncompleteAggregates means the entity exists but the aggregator
	// has never produced derived attributes for it. Surfaced to the caller
	// rather than silently defaulted to zeros, because zero history and
	// unknown history mean different things to the model.
	ErrIncompleteAggregates = errors.New("incomplete aggregates")

	// ErrAggregationFailed means a recompute pass did not commit. The pass
	// is atomic and idempotent, so retrying from a clean state is safe.
	ErrAggregationFailed = errors.New("aggregation write failed")

	// ErrModelUnavailable means the scaler or classifier artifacts failed
	// to load at process start.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrInvalidInput covers malformed caller input (empty ids, negative
	// amounts).
	ErrInvalidInput = errors.New("invalid input")
)
