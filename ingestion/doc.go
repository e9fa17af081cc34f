// Package ingestion reads raw records from configured sources.
//
// Each source kind has an Adapter:
//   - csv: delimited text files, optionally headerless
//   - jsonl: one JSON object per line
//   - rest: paginated JSON APIs
//
// Adapters are created by a Factory from a core.SourceDescriptor. Fetch
// returns a lazy, finite sequence; calling it again re-reads the source from
// the start. A failure is yielded as the last element of the sequence as a
// *core.SourceFetchError.
//
// The REST adapter fetches pages in windows on a worker pool and always yields
// records in page order, so the output does not depend on the window size.
// Page bodies can be recorded to, or replayed from, a PageStore.
package ingestion
