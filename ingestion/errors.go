package ingestion

import "github.com/cockroachdb/errors"

var (
	// ErrInvalidMaxAttempts is returned when a retry loop is given no attempts.
	ErrInvalidMaxAttempts = errors.New("maxAttempts must be greater than 0")

	// ErrRetriesExhausted matches errors of operations that failed on every attempt.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrPageStoreRequired is returned when snapshot recording or replay is
	// requested without a page store.
	ErrPageStoreRequired = errors.New("page store required")
)
