// Package alignment maps raw source records onto the canonical schema.
//
// A Table is built once per run from the canonical schema and the field
// rules. It is immutable and resolves, for every (source, canonical field)
// pair, which raw column feeds the field, its default and whether it is
// required. A source specific rule takes precedence over a rule that applies
// to every source.
//
// Aligner.Align produces a core.Record with exactly the canonical fields in
// canonical order, or a *core.SchemaAlignmentError. A record is never
// partially emitted.
package alignment
