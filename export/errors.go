package export

import "github.com/cockroachdb/errors"

var (
	// ErrWorkspaceRequired is returned when an engine is created without a
	// workspace directory.
	ErrWorkspaceRequired = errors.New("workspace directory required")

	// ErrInvalidRowGroupSize is returned for a non-positive Parquet row group size.
	ErrInvalidRowGroupSize = errors.New("row group size must be greater than 0")
)
