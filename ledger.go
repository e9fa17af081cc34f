// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package datamesh

import (
	"log/slog"

	"github.com/poiesic/datamesh/storage"
	"github.com/poiesic/datamesh/storage/badger"
)

// Ledger is the BadgerDB store holding run summaries and REST page
// snapshots.
type Ledger struct {
	backend   *badger.Backend
	runs      *badger.RunRepository
	snapshots *badger.SnapshotRepository
	logger    *slog.Logger
}

// OpenLedger opens or creates the ledger directory at path.
func OpenLedger(path string) (*Ledger, error) {
	return openLedger(path, false)
}

// OpenMemoryLedger opens a ledger that lives only in memory.
func OpenMemoryLedger() (*Ledger, error) {
	return openLedger("", true)
}

func openLedger(path string, inMemory bool) (*Ledger, error) {
	backend, err := badger.OpenBackend(path, inMemory)
	if err != nil {
		return nil, err
	}

	runs, err := badger.NewRunRepository(backend)
	if err != nil {
		backend.Close()
		return nil, err
	}

	return &Ledger{
		backend:   backend,
		runs:      runs,
		snapshots: badger.NewSnapshotRepository(backend),
		logger:    slog.Default().With("component", "ledger"),
	}, nil
}

// Close releases the run sequence and closes the database.
func (l *Ledger) Close() error {
	if err := l.runs.Close(); err != nil {
		l.logger.Error("error closing run repository", "err", err)
		return err
	}
	if err := l.backend.Close(); err != nil {
		l.logger.Error("error closing backend storage", "err", err)
		return err
	}
	return nil
}

func (l *Ledger) Runs() storage.RunRepository {
	return l.runs
}

func (l *Ledger) Snapshots() storage.SnapshotRepository {
	return l.snapshots
}
