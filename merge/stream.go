package merge

import (
	"iter"
	"sync/atomic"

	"github.com/poiesic/datamesh/core"
)

// HarmonizedStream is the ordered, deduplicated output of a run. It can be
// read exactly once.
type HarmonizedStream struct {
	schema   core.CanonicalSchema
	records  []core.Record
	n        int
	consumed atomic.Bool
}

// NewStream wraps already harmonized records, mainly for tests and tools
// that bypass the coordinator.
func NewStream(schema core.CanonicalSchema, records []core.Record) *HarmonizedStream {
	return &HarmonizedStream{schema: schema, records: records, n: len(records)}
}

// Schema returns the canonical schema of the records.
func (s *HarmonizedStream) Schema() core.CanonicalSchema {
	return s.schema
}

// Len returns the number of records in the stream, whether or not it has
// been read.
func (s *HarmonizedStream) Len() int {
	return s.n
}

// Records returns the records in order. A second call fails with
// ErrStreamConsumed.
func (s *HarmonizedStream) Records() (iter.Seq[core.Record], error) {
	if !s.consumed.CompareAndSwap(false, true) {
		return nil, ErrStreamConsumed
	}
	records := s.records
	s.records = nil
	return func(yield func(core.Record) bool) {
		for _, r := range records {
			if !yield(r) {
				return
			}
		}
	}, nil
}
