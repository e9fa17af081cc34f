package core

import (
	"encoding/hex"
	"hash"
	"strconv"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// Digest returns the hex encoded BLAKE2b-256 sum of data.
// Identical content always produces identical digests, which is what the
// reproducibility checks compare.
func Digest(data []byte) string {
	h := NewDigestHash()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// NewDigestHash returns the streaming form of Digest. Hex encode its Sum to
// get the same string Digest returns.
func NewDigestHash() hash.Hash {
	h, _ := blake2b.New(32, nil) // 32 bytes = 256 bits, no key
	return h
}

// SourceKind identifies the adapter variant that reads a source.
type SourceKind string

const (
	SourceKindCSV   SourceKind = "csv"
	SourceKindJSONL SourceKind = "jsonl"
	SourceKindREST  SourceKind = "rest"
)

// SourceKinds lists the closed set of supported adapter kinds.
var SourceKinds = []SourceKind{SourceKindCSV, SourceKindJSONL, SourceKindREST}

// Valid reports whether k is one of the supported kinds.
func (k SourceKind) Valid() bool {
	switch k {
	case SourceKindCSV, SourceKindJSONL, SourceKindREST:
		return true
	}
	return false
}

// SourceDescriptor describes one configured source. It is supplied by the
// caller and never modified by the pipeline.
type SourceDescriptor struct {
	Name    string
	Kind    SourceKind
	Params  map[string]string // adapter specific, e.g. "path" or "endpoint"
	Headers map[string]string // sent on every REST request
}

// Param returns the named parameter or def when it is unset or blank.
func (d SourceDescriptor) Param(name, def string) string {
	if v, ok := d.Params[name]; ok && v != "" {
		return v
	}
	return def
}

// Origin locates a record inside its source. It is used for ordering and
// diagnostics only and is never written to an artifact.
type Origin struct {
	Source string
	Seq    int // 1-based position within the source
	Line   int // 1-based file line, 0 for REST sources
	Page   int // 1-based REST page, 0 for file sources
}

// String renders the origin for error messages, e.g. "orders:line 12".
func (o Origin) String() string {
	switch {
	case o.Line > 0:
		return o.Source + ":line " + strconv.Itoa(o.Line)
	case o.Page > 0:
		return o.Source + ":page " + strconv.Itoa(o.Page) + " #" + strconv.Itoa(o.Seq)
	default:
		return o.Source + ":#" + strconv.Itoa(o.Seq)
	}
}

// RawRecord is a record as read from a source, before alignment.
type RawRecord struct {
	Values map[string]any
	Origin Origin
}

// Field is one named value of a canonical Record.
type Field struct {
	Name  string
	Value any
}

// Record is a canonical record: an ordered list of fields matching the
// canonical schema, plus the origin it was aligned from.
type Record struct {
	Fields []Field
	Origin Origin
}

// Get returns the value of the named field.
func (r Record) Get(name string) (any, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Names returns the field names in record order.
func (r Record) Names() []string {
	names := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		names[i] = f.Name
	}
	return names
}

// OutputFormat is the serialization format of the primary artifact.
type OutputFormat string

const (
	FormatParquet OutputFormat = "parquet"
	FormatJSONL   OutputFormat = "jsonl"
)

// Extension returns the file extension used for the format.
func (f OutputFormat) Extension() string {
	return string(f)
}

// ExportArtifact describes a file produced by the export engine. Once
// returned it is owned by the caller.
type ExportArtifact struct {
	Path    string
	Format  string // "parquet", "jsonl" or "llm.jsonl"
	Bytes   int64
	Records int
	Digest  string // BLAKE2b-256 of the file content
}

// SourceSummary holds the per-source counters of a run.
type SourceSummary struct {
	Name       string
	Read       int // raw records produced by the adapter
	Rejected   int // records rejected by alignment (skip policy only)
	Duplicates int // records dropped by the primary key check
	Emitted    int // records that reached the harmonized stream
}

// RunSummary is returned to the caller after a successful run.
type RunSummary struct {
	RunID        string
	ConfigDigest string
	StartedAt    time.Time
	FinishedAt   time.Time
	Sources      []SourceSummary
	Rejected     int
	Duplicates   int
	Records      int
	Artifacts    []ExportArtifact
}
