package badger

import (
	"context"
	"encoding/binary"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/poiesic/datamesh/core"
	"github.com/poiesic/datamesh/storage"
)

// RunRepository implements storage.RunRepository for BadgerDB.
type RunRepository struct {
	backend *Backend
	seq     *badger.Sequence
}

var _ storage.RunRepository = (*RunRepository)(nil)

// NewRunRepository creates a new RunRepository.
func NewRunRepository(backend *Backend) (*RunRepository, error) {
	seq, err := backend.GetSequence(runRecordSeq)
	if err != nil {
		return nil, err
	}
	return &RunRepository{
		backend: backend,
		seq:     seq,
	}, nil
}

// Close releases the ledger sequence.
func (r *RunRepository) Close() error {
	return r.seq.Release()
}

// AddRun appends a summary to the ledger.
func (r *RunRepository) AddRun(ctx context.Context, summary *core.RunSummary) (*core.RunSummary, error) {
	if summary == nil {
		return nil, storage.ErrInvalidQuery
	}
	if summary.RunID == "" {
		summary.RunID = uuid.NewString()
	}

	next, err := r.seq.Next()
	if err != nil {
		return nil, err
	}
	// BadgerDB sequences can return 0 on first call, so we skip it
	if next == 0 {
		if next, err = r.seq.Next(); err != nil {
			return nil, err
		}
	}

	err = r.backend.WithUpdate(ctx, func(tx *badger.Txn) error {
		idKey := makeRunIDKey(summary.RunID)
		if _, err := tx.Get(idKey); err == nil {
			return errors.Newf("run %s already recorded", summary.RunID)
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if err := tx.Set(makeRunKey(next), storage.MarshalRunSummary(summary)); err != nil {
			return err
		}
		return tx.Set(idKey, encodeSeq(next))
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// GetRun retrieves a summary by run ID.
func (r *RunRepository) GetRun(ctx context.Context, runID string) (*core.RunSummary, error) {
	var summary *core.RunSummary
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		item, err := tx.Get(makeRunIDKey(runID))
		if err == badger.ErrKeyNotFound {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		var seq uint64
		if err := item.Value(func(val []byte) error {
			if len(val) != 8 {
				return storage.ErrTruncatedData
			}
			seq = binary.BigEndian.Uint64(val)
			return nil
		}); err != nil {
			return err
		}

		summary, err = r.readRun(tx, makeRunKey(seq))
		return err
	}, false)
	return summary, err
}

// ListRuns returns up to limit summaries, most recent first.
func (r *RunRepository) ListRuns(ctx context.Context, limit int) ([]*core.RunSummary, error) {
	var results []*core.RunSummary
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		// Use reverse iterator to get most recent runs first
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		iter := tx.NewIterator(opts)
		defer iter.Close()

		prefix := []byte(runRecordPrefix + ":")
		startKey := makeRunKey(^uint64(0))

		for iter.Seek(startKey); iter.Valid(); iter.Next() {
			if limit > 0 && len(results) >= limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			key := iter.Item().Key()
			if len(key) < len(prefix) || slices.Compare(key[:len(prefix)], prefix) != 0 {
				break
			}

			var summary *core.RunSummary
			if err := iter.Item().Value(func(val []byte) error {
				var err error
				summary, err = storage.UnmarshalRunSummary(val)
				return err
			}); err != nil {
				return err
			}
			results = append(results, summary)
		}
		return nil
	}, false)
	return results, err
}

func (r *RunRepository) readRun(tx *badger.Txn, key []byte) (*core.RunSummary, error) {
	item, err := tx.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var summary *core.RunSummary
	err = item.Value(func(val []byte) error {
		var err error
		summary, err = storage.UnmarshalRunSummary(val)
		return err
	})
	return summary, err
}
