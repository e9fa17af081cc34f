package badger

import (
	"encoding/binary"
)

// Key prefixes for different data types
const (
	runRecordPrefix    = "runrec"
	runIDIndexPrefix   = "runid"
	runRecordSeq       = "runrecseq"
	pageSnapshotPrefix = "pgsnap"
)

// makeRunKey generates a key for a run summary by ledger sequence.
// Format: prefix:seq
func makeRunKey(seq uint64) []byte {
	prefix := []byte(runRecordPrefix + ":")
	buf := make([]byte, len(prefix)+8)
	offset := copy(buf, prefix)
	// Write in BigEndian order so lexicographic sort works correctly
	binary.BigEndian.PutUint64(buf[offset:], seq)
	return buf
}

// makeRunIDKey generates a key for the run ID index.
func makeRunIDKey(runID string) []byte {
	return []byte(runIDIndexPrefix + ":" + runID)
}

// makePageKey generates a composite key for a page snapshot.
// Format: prefix:source\x00page
func makePageKey(source string, page int) []byte {
	prefix := makePartialPageKey(source)
	buf := make([]byte, len(prefix)+8)
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[offset:], uint64(page))
	return buf
}

// makePartialPageKey generates the key prefix shared by all pages of a source.
// The NUL terminator keeps "api" from matching "api2".
func makePartialPageKey(source string) []byte {
	return []byte(pageSnapshotPrefix + ":" + source + "\x00")
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
