package merge

import "github.com/cockroachdb/errors"

var (
	// ErrSealed is returned by Drain after Stream has been called.
	ErrSealed = errors.New("coordinator is sealed")

	// ErrStreamConsumed is returned when a HarmonizedStream is read twice.
	ErrStreamConsumed = errors.New("harmonized stream already consumed")

	// ErrSourceDrained is returned when the same source is drained twice.
	ErrSourceDrained = errors.New("source already drained")

	// ErrNoPrimaryKey is returned when the schema's primary key is not one of its fields.
	ErrNoPrimaryKey = errors.New("primary key is not a canonical field")
)
