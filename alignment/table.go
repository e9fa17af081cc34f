package alignment

import (
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/poiesic/datamesh/core"
)

// Policy decides what happens to a record that fails alignment.
type Policy int

const (
	// PolicyFail ends the run on the first alignment error.
	PolicyFail Policy = iota
	// PolicySkip drops the record, counts it and continues.
	PolicySkip
)

// ParsePolicy maps "fail" or "skip" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail":
		return PolicyFail, nil
	case "skip":
		return PolicySkip, nil
	}
	return PolicyFail, fmt.Errorf("unknown rejection policy %q", s)
}

func (p Policy) String() string {
	if p == PolicySkip {
		return "skip"
	}
	return "fail"
}

// binding resolves one canonical field for one source.
type binding struct {
	field    core.CanonicalField
	column   string // empty when no rule feeds the field
	def      any    // already cast to field.Type, nil when unset
	required bool
}

// Table is the immutable (source, column) → canonical field lookup of a run.
type Table struct {
	schema   core.CanonicalSchema
	bindings map[string][]binding
}

// NewTable resolves the rules of every source against the schema.
// Conflicting rules and defaults that cannot be cast to their field type are
// reported as *core.ConfigError.
func NewTable(schema core.CanonicalSchema, rules []core.SchemaFieldRule, sources []string) (*Table, error) {
	t := &Table{
		schema:   schema,
		bindings: make(map[string][]binding, len(sources)),
	}
	for _, source := range sources {
		b, err := bindSource(schema, rules, source)
		if err != nil {
			return nil, err
		}
		t.bindings[source] = b
	}
	return t, nil
}

func bindSource(schema core.CanonicalSchema, rules []core.SchemaFieldRule, source string) ([]binding, error) {
	out := make([]binding, len(schema.Fields))
	for i, field := range schema.Fields {
		var specific, global *core.SchemaFieldRule
		for j := range rules {
			r := &rules[j]
			if r.Target != field.Name || !r.AppliesTo(source) {
				continue
			}
			slot := &global
			if r.Source != "" {
				slot = &specific
			}
			if *slot != nil {
				return nil, &core.ConfigError{
					Source: source,
					Field:  field.Name,
					Msg:    fmt.Sprintf("columns %q and %q both map to the same target", (*slot).Column, r.Column),
				}
			}
			*slot = r
		}

		b := binding{field: field, required: field.Name == schema.PrimaryKey}
		rule := specific
		if rule == nil {
			rule = global
		}
		if rule != nil {
			if rule.Type != "" && rule.Type != field.Type {
				return nil, &core.ConfigError{
					Source: source,
					Field:  field.Name,
					Msg:    fmt.Sprintf("conflicting target types %s and %s", field.Type, rule.Type),
				}
			}
			b.column = rule.Column
			b.required = b.required || rule.Required
			if rule.Default != nil {
				def, err := Cast(rule.Default, field.Type)
				if err != nil {
					return nil, &core.ConfigError{Source: source, Field: field.Name, Msg: "default does not match the field type", Err: err}
				}
				b.def = def
			}
		}
		if b.column == "" && b.required && b.def == nil {
			return nil, &core.ConfigError{Source: source, Field: field.Name, Msg: "required field has no source column"}
		}
		out[i] = b
	}
	return out, nil
}

// Schema returns the canonical schema the table was built for.
func (t *Table) Schema() core.CanonicalSchema {
	return t.schema
}

// Aligner returns the aligner of a source.
func (t *Table) Aligner(source string) (*Aligner, error) {
	b, ok := t.bindings[source]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSource, "source %q", source)
	}
	return &Aligner{source: source, bindings: b}, nil
}

// Aligner maps the raw records of one source onto the canonical schema.
// It holds no mutable state and is safe for concurrent use.
type Aligner struct {
	source   string
	bindings []binding
}

// Source returns the source the aligner was built for.
func (a *Aligner) Source() string {
	return a.source
}

// Align converts one raw record.
//
// An absent or null column takes the rule default. Without a default a
// required field fails with missing_field and an optional one becomes nil.
// Present values are cast to the field type or fail with cast_failure.
func (a *Aligner) Align(raw core.RawRecord) (core.Record, error) {
	fields := make([]core.Field, len(a.bindings))
	for i, b := range a.bindings {
		var (
			v       any
			present bool
		)
		if b.column != "" {
			v, present = raw.Values[b.column]
			present = present && v != nil
		}

		if !present {
			switch {
			case b.def != nil:
				v = b.def
			case b.required:
				return core.Record{}, &core.SchemaAlignmentError{
					Kind:   core.KindMissingField,
					Field:  b.field.Name,
					Column: b.column,
					Type:   b.field.Type,
					Origin: raw.Origin,
				}
			default:
				v = nil
			}
			fields[i] = core.Field{Name: b.field.Name, Value: v}
			continue
		}

		cast, err := Cast(v, b.field.Type)
		if err != nil {
			return core.Record{}, &core.SchemaAlignmentError{
				Kind:   core.KindCastFailure,
				Field:  b.field.Name,
				Column: b.column,
				Type:   b.field.Type,
				Value:  v,
				Origin: raw.Origin,
				Err:    err,
			}
		}
		fields[i] = core.Field{Name: b.field.Name, Value: cast}
	}
	return core.Record{Fields: fields, Origin: raw.Origin}, nil
}

// Stream aligns the records of seq in order.
//
// Fetch errors end the stream. Under PolicyFail an alignment error ends the
// stream too; under PolicySkip the record is dropped and passed to reject,
// which may be nil.
func (a *Aligner) Stream(seq iter.Seq2[core.RawRecord, error], policy Policy, reject func(*core.SchemaAlignmentError), logger *slog.Logger) iter.Seq2[core.Record, error] {
	if logger == nil {
		logger = slog.Default()
	}
	return func(yield func(core.Record, error) bool) {
		for raw, err := range seq {
			if err != nil {
				yield(core.Record{}, err)
				return
			}
			rec, err := a.Align(raw)
			if err != nil {
				ae, _ := core.AsAlignmentError(err)
				if policy == PolicySkip && ae != nil {
					logger.Warn("record rejected", "source", a.source, "origin", raw.Origin.String(), "err", err)
					if reject != nil {
						reject(ae)
					}
					continue
				}
				yield(core.Record{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}
