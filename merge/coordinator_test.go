package merge

import (
	"iter"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/poiesic/datamesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func schema() core.CanonicalSchema {
	return core.CanonicalSchema{
		Fields:     []core.CanonicalField{{Name: "id", Type: core.TypeString}, {Name: "v", Type: core.TypeInt}},
		PrimaryKey: "id",
	}
}

func rec(source string, seq int, id any, v int64) core.Record {
	return core.Record{
		Fields: []core.Field{{Name: "id", Value: id}, {Name: "v", Value: v}},
		Origin: core.Origin{Source: source, Seq: seq},
	}
}

func seqOf(records ...core.Record) iter.Seq2[core.Record, error] {
	return func(yield func(core.Record, error) bool) {
		for _, r := range records {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func drainAll(t *testing.T, s *HarmonizedStream) []core.Record {
	t.Helper()
	records, err := s.Records()
	require.NoError(t, err)
	var out []core.Record
	for r := range records {
		out = append(out, r)
	}
	return out
}

func TestCoordinator_OrderAndFirstOccurrenceWins(t *testing.T) {
	c, err := NewCoordinator(schema())
	require.NoError(t, err)

	a, err := c.Drain("a", seqOf(rec("a", 1, "1", 10), rec("a", 2, "2", 20), rec("a", 3, "1", 99)))
	require.NoError(t, err)
	assert.Equal(t, SourceStats{Source: "a", Received: 3, Duplicates: 1, Emitted: 2}, a)

	b, err := c.Drain("b", seqOf(rec("b", 1, "3", 30), rec("b", 2, "2", 77)))
	require.NoError(t, err)
	assert.Equal(t, SourceStats{Source: "b", Received: 2, Duplicates: 1, Emitted: 1}, b)

	stream := c.Stream()
	assert.Equal(t, 3, stream.Len())

	out := drainAll(t, stream)
	require.Len(t, out, 3)
	assert.Equal(t, rec("a", 1, "1", 10), out[0])
	assert.Equal(t, rec("a", 2, "2", 20), out[1])
	assert.Equal(t, rec("b", 1, "3", 30), out[2])

	assert.Equal(t, []SourceStats{a, b}, c.Stats())
}

func TestCoordinator_KeysCompareByCanonicalText(t *testing.T) {
	c, err := NewCoordinator(schema())
	require.NoError(t, err)

	_, err = c.Drain("a", seqOf(rec("a", 1, int64(42), 1)))
	require.NoError(t, err)
	stats, err := c.Drain("b", seqOf(rec("b", 1, "42", 2)))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Duplicates)
}

func TestCoordinator_SealedAfterStream(t *testing.T) {
	c, err := NewCoordinator(schema())
	require.NoError(t, err)

	s1 := c.Stream()
	s2 := c.Stream()
	assert.Same(t, s1, s2)

	_, err = c.Drain("a", seqOf(rec("a", 1, "1", 1)))
	assert.True(t, errors.Is(err, ErrSealed))
}

func TestCoordinator_SourceDrainedTwice(t *testing.T) {
	c, err := NewCoordinator(schema())
	require.NoError(t, err)

	_, err = c.Drain("a", seqOf())
	require.NoError(t, err)
	_, err = c.Drain("a", seqOf())
	assert.True(t, errors.Is(err, ErrSourceDrained))
}

func TestCoordinator_DrainStopsAtError(t *testing.T) {
	c, err := NewCoordinator(schema())
	require.NoError(t, err)

	boom := errors.New("boom")
	seq := func(yield func(core.Record, error) bool) {
		if !yield(rec("a", 1, "1", 1), nil) {
			return
		}
		if !yield(core.Record{}, boom) {
			return
		}
		yield(rec("a", 2, "2", 2), nil)
	}

	stats, err := c.Drain("a", seq)
	assert.Equal(t, boom, err)
	assert.Equal(t, 1, stats.Received)
}

func TestNewCoordinator_PrimaryKeyMissing(t *testing.T) {
	s := schema()
	s.PrimaryKey = "nope"

	_, err := NewCoordinator(s)
	assert.True(t, errors.Is(err, ErrNoPrimaryKey))
}

func TestHarmonizedStream_SingleConsumption(t *testing.T) {
	s := NewStream(schema(), []core.Record{rec("a", 1, "1", 1)})

	first := drainAll(t, s)
	assert.Len(t, first, 1)

	_, err := s.Records()
	assert.ErrorIs(t, err, ErrStreamConsumed)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, schema(), s.Schema())
}
