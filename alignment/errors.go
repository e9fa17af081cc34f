package alignment

import "github.com/cockroachdb/errors"

var (
	// ErrUnknownSource is returned when an aligner is requested for a source
	// the table was not built for.
	ErrUnknownSource = errors.New("source not known to the alignment table")

	// ErrUnsupportedType is returned when a value is cast to an unknown field type.
	ErrUnsupportedType = errors.New("unsupported field type")
)
