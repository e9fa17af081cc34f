// Package merge combines the aligned records of every source into one
// ordered, deduplicated HarmonizedStream.
//
// Sources are drained one at a time in declaration order, so the output
// order is the source order followed by the record order within a source.
// Records are deduplicated on the canonical text of the primary key. The
// first occurrence wins; later ones are dropped and counted against the
// source that produced them.
package merge
