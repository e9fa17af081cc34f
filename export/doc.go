// Package export writes a harmonized stream to the workspace.
//
// The primary artifact is dataset.parquet or dataset.jsonl. When a prompt
// export is configured, dataset.llm.jsonl is written alongside it in the same
// pass over the stream.
//
// Output bytes depend only on the records and the configuration: columns and
// keys follow the canonical field order, Parquet files carry a fixed
// created_by and no timestamps, and nothing run specific (paths, run IDs,
// clocks) is written.
//
// Files are staged as temporary files in the workspace and renamed into place
// only after every staged file is complete. On failure all temporary files
// are removed and no final path is touched.
package export
