package merge

import (
	"iter"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/poiesic/datamesh/alignment"
	"github.com/poiesic/datamesh/core"
)

// SourceStats counts what happened to one source's records.
type SourceStats struct {
	Source     string
	Received   int // aligned records offered to the coordinator
	Duplicates int // dropped because the key was already seen
	Emitted    int // kept in the stream
}

// Coordinator deduplicates and orders aligned records. It is owned by a
// single goroutine.
type Coordinator struct {
	schema  core.CanonicalSchema
	pkIndex int
	seen    map[string]struct{}
	records []core.Record
	stats   []SourceStats
	drained map[string]bool
	sealed  bool
	stream  *HarmonizedStream
	logger  *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) error {
		if logger == nil {
			logger = slog.Default()
		}
		c.logger = logger
		return nil
	}
}

// NewCoordinator creates a coordinator for records of the given schema.
func NewCoordinator(schema core.CanonicalSchema, opts ...Option) (*Coordinator, error) {
	pk := schema.PrimaryKeyIndex()
	if pk < 0 {
		return nil, errors.Wrapf(ErrNoPrimaryKey, "%q", schema.PrimaryKey)
	}
	c := &Coordinator{
		schema:  schema,
		pkIndex: pk,
		seen:    make(map[string]struct{}),
		drained: make(map[string]bool),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	c.logger = c.logger.With("component", "merge")
	return c, nil
}

// Drain consumes the aligned records of one source completely. It stops at
// the first error of seq and returns it; records accepted before the error
// stay in the coordinator.
func (c *Coordinator) Drain(source string, seq iter.Seq2[core.Record, error]) (SourceStats, error) {
	stats := SourceStats{Source: source}
	if c.sealed {
		return stats, ErrSealed
	}
	if c.drained[source] {
		return stats, errors.Wrapf(ErrSourceDrained, "%q", source)
	}
	c.drained[source] = true

	var err error
	for rec, recErr := range seq {
		if recErr != nil {
			err = recErr
			break
		}
		stats.Received++
		if c.accept(rec) {
			stats.Emitted++
		} else {
			stats.Duplicates++
			c.logger.Debug("duplicate key dropped", "source", source, "origin", rec.Origin.String())
		}
	}
	c.stats = append(c.stats, stats)
	c.logger.Debug("source drained", "source", source, "received", stats.Received, "emitted", stats.Emitted, "duplicates", stats.Duplicates)
	return stats, err
}

// accept appends rec unless its key was seen before.
func (c *Coordinator) accept(rec core.Record) bool {
	var key string
	if c.pkIndex < len(rec.Fields) {
		key = alignment.KeyText(rec.Fields[c.pkIndex].Value)
	}
	if _, dup := c.seen[key]; dup {
		return false
	}
	c.seen[key] = struct{}{}
	c.records = append(c.records, rec)
	return true
}

// Stats returns the statistics of every drained source in drain order.
func (c *Coordinator) Stats() []SourceStats {
	out := make([]SourceStats, len(c.stats))
	copy(out, c.stats)
	return out
}

// Stream seals the coordinator and returns the harmonized stream. Later
// calls return the same stream.
func (c *Coordinator) Stream() *HarmonizedStream {
	if !c.sealed {
		c.sealed = true
		c.stream = NewStream(c.schema, c.records)
		c.records = nil
		c.seen = nil
	}
	return c.stream
}
