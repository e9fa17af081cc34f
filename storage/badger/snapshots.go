package badger

import (
	"context"
	"encoding/binary"
	"slices"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/datamesh/storage"
)

// SnapshotRepository implements storage.SnapshotRepository for BadgerDB.
type SnapshotRepository struct {
	backend *Backend
}

var _ storage.SnapshotRepository = (*SnapshotRepository)(nil)

// NewSnapshotRepository creates a new SnapshotRepository.
func NewSnapshotRepository(backend *Backend) *SnapshotRepository {
	return &SnapshotRepository{
		backend: backend,
	}
}

// SavePage stores the body of a page.
func (r *SnapshotRepository) SavePage(ctx context.Context, source string, page int, body []byte) error {
	if page < 1 {
		return storage.ErrInvalidQuery
	}
	value := slices.Clone(body)
	if value == nil {
		value = []byte{}
	}
	return r.backend.WithUpdate(ctx, func(tx *badger.Txn) error {
		return tx.Set(makePageKey(source, page), value)
	})
}

// LoadPage returns the stored body of a page.
func (r *SnapshotRepository) LoadPage(ctx context.Context, source string, page int) ([]byte, error) {
	var body []byte
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		item, err := tx.Get(makePageKey(source, page))
		if err == badger.ErrKeyNotFound {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		body, err = item.ValueCopy(nil)
		return err
	}, false)
	return body, err
}

// DeletePages removes every stored page of a source.
func (r *SnapshotRepository) DeletePages(ctx context.Context, source string) error {
	pages, err := r.Pages(ctx, source)
	if err != nil {
		return err
	}
	if len(pages) == 0 {
		return nil
	}
	return r.backend.WithUpdate(ctx, func(tx *badger.Txn) error {
		for _, page := range pages {
			if err := tx.Delete(makePageKey(source, page)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Pages returns the stored page numbers of a source in ascending order.
func (r *SnapshotRepository) Pages(ctx context.Context, source string) ([]int, error) {
	var pages []int
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = makePartialPageKey(source)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			key := iter.Item().Key()
			if len(key) != len(opts.Prefix)+8 {
				continue
			}
			pages = append(pages, int(binary.BigEndian.Uint64(key[len(opts.Prefix):])))
		}
		return nil
	}, false)
	return pages, err
}
