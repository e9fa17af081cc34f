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


// Package storage provides the persistence abstraction for datamesh runs.
//
// Two repositories are defined:
//
//   - RunRepository: an append-only ledger of run summaries
//   - SnapshotRepository: raw REST page bodies keyed by (source, page),
//     used to record a live fetch and replay it byte for byte later
//
// Neither repository is consulted when building an artifact from live
// sources, so artifact content never depends on stored state. Replay is the
// exception by construction: it substitutes stored page bodies for HTTP
// responses.
//
// # Usage
//
//	backend, err := badger.OpenBackend("/path/to/db", false)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer backend.Close()
//
//	runs := badger.NewRunRepository(backend)
//	snapshots := badger.NewSnapshotRepository(backend)
//
// Use in tests with in-memory storage:
//
//	runs, snapshots, backend, err := badger.NewMemoryRepositories()
//
// # Thread Safety
//
// All repository implementations must be safe for concurrent use. REST page
// windows save snapshots from several worker goroutines at once.
package storage
