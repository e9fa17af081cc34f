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


package core

import (
	"fmt"
	"strings"
)

// BuildCanonicalSchema derives the canonical schema from an explicit field
// declaration and the rule set.
//
// When declared is empty the field order is the order in which targets first
// appear among the rules. Rules without a type inherit the declared field
// type. The returned rules are a normalized copy with every Type set.
//
// Errors:
//   - two rules or declarations disagree on the type of a target
//   - a rule targets a field missing from a non-empty declaration
//   - the primary key is not part of the schema
func BuildCanonicalSchema(declared []CanonicalField, rules []SchemaFieldRule, primaryKey string) (CanonicalSchema, []SchemaFieldRule, error) {
	schema := CanonicalSchema{PrimaryKey: primaryKey}
	types := make(map[string]FieldType)

	for _, f := range declared {
		if f.Name == "" {
			return schema, nil, &ConfigError{Msg: "canonical field name is empty"}
		}
		if _, dup := types[f.Name]; dup {
			return schema, nil, &ConfigError{Field: f.Name, Msg: "canonical field declared twice"}
		}
		typ := f.Type
		if typ == "" {
			typ = TypeString
		}
		types[f.Name] = typ
		schema.Fields = append(schema.Fields, CanonicalField{Name: f.Name, Type: typ})
	}

	normalized := make([]SchemaFieldRule, len(rules))
	for i, r := range rules {
		if r.Target == "" {
			return schema, nil, &ConfigError{Source: r.Source, Msg: fmt.Sprintf("rule for column %q has no target", r.Column)}
		}
		if r.Column == "" {
			return schema, nil, &ConfigError{Source: r.Source, Field: r.Target, Msg: "rule has no source column"}
		}
		known, ok := types[r.Target]
		switch {
		case !ok && len(declared) > 0:
			return schema, nil, &ConfigError{Source: r.Source, Field: r.Target, Msg: "rule targets a field missing from the canonical schema"}
		case !ok:
			typ := r.Type
			if typ == "" {
				typ = TypeString
			}
			types[r.Target] = typ
			schema.Fields = append(schema.Fields, CanonicalField{Name: r.Target, Type: typ})
			known = typ
		case r.Type != "" && r.Type != known:
			return schema, nil, &ConfigError{
				Source: r.Source,
				Field:  r.Target,
				Msg:    fmt.Sprintf("conflicting target types %s and %s", known, r.Type),
			}
		}
		r.Type = known
		normalized[i] = r
	}

	if primaryKey == "" {
		return schema, nil, &ConfigError{Msg: "primary key is not set"}
	}
	if !schema.Has(primaryKey) {
		return schema, nil, &ConfigError{Field: primaryKey, Msg: "primary key is not a canonical field"}
	}
	return schema, normalized, nil
}

// ValidatePipelineConfig checks a configuration before any I/O happens.
//
// Validation rules:
//   - at least one source, names non-empty and unique, kinds supported
//   - field and rule types are canonical constants, aliases must be parsed first
//   - rules name declared sources and target canonical fields of the same type
//   - per source, at most one source-specific and one global rule per target
//   - every source maps the primary key
//   - output format is parquet or jsonl and a workspace is set
//   - LLM text and metadata columns are canonical fields
//
// Prompt template placeholders are checked by the export package.
func ValidatePipelineConfig(cfg *PipelineConfig) error {
	if cfg == nil {
		return &ConfigError{Msg: "configuration is nil"}
	}
	if len(cfg.Sources) == 0 {
		return &ConfigError{Msg: "no sources configured"}
	}

	seen := make(map[string]bool, len(cfg.Sources))
	for _, s := range cfg.Sources {
		if strings.TrimSpace(s.Name) == "" {
			return &ConfigError{Msg: "source name must be provided"}
		}
		if seen[s.Name] {
			return &ConfigError{Source: s.Name, Msg: "duplicate source name"}
		}
		seen[s.Name] = true
		if !s.Kind.Valid() {
			return &ConfigError{Source: s.Name, Msg: fmt.Sprintf("unsupported source type %q", s.Kind)}
		}
	}

	schema := &cfg.Schema
	if len(schema.Fields) == 0 {
		return &ConfigError{Msg: "canonical schema has no fields"}
	}
	names := make(map[string]bool, len(schema.Fields))
	for _, f := range schema.Fields {
		if names[f.Name] {
			return &ConfigError{Field: f.Name, Msg: "canonical field declared twice"}
		}
		names[f.Name] = true
		if !f.Type.Valid() {
			return &ConfigError{Field: f.Name, Msg: fmt.Sprintf("unsupported type %q", f.Type)}
		}
	}
	if schema.PrimaryKey == "" || !names[schema.PrimaryKey] {
		return &ConfigError{Field: schema.PrimaryKey, Msg: "primary key is not a canonical field"}
	}

	for _, r := range cfg.Rules {
		if r.Source != "" && !seen[r.Source] {
			return &ConfigError{Source: r.Source, Field: r.Target, Msg: "rule names an undeclared source"}
		}
		if r.Type != "" && !r.Type.Valid() {
			return &ConfigError{Source: r.Source, Field: r.Target, Msg: fmt.Sprintf("unsupported type %q", r.Type)}
		}
		idx := schema.Index(r.Target)
		if idx < 0 {
			return &ConfigError{Source: r.Source, Field: r.Target, Msg: "rule targets a field missing from the canonical schema"}
		}
		if r.Type != "" && r.Type != schema.Fields[idx].Type {
			return &ConfigError{
				Source: r.Source,
				Field:  r.Target,
				Msg:    fmt.Sprintf("conflicting target types %s and %s", schema.Fields[idx].Type, r.Type),
			}
		}
	}

	for _, s := range cfg.Sources {
		if err := validateSourceRules(s.Name, cfg.Rules, schema.PrimaryKey); err != nil {
			return err
		}
	}

	switch cfg.IO.OutputFormat {
	case FormatParquet, FormatJSONL:
	default:
		return &ConfigError{Field: "output_format", Msg: fmt.Sprintf("output_format must be 'parquet' or 'jsonl', got %q", cfg.IO.OutputFormat)}
	}
	if strings.TrimSpace(cfg.IO.WorkspaceDir) == "" {
		return &ConfigError{Field: "workspace_dir", Msg: "workspace directory is required"}
	}

	if cfg.LLM != nil {
		if cfg.LLM.TextColumn == "" || !names[cfg.LLM.TextColumn] {
			return &ConfigError{Field: cfg.LLM.TextColumn, Msg: "llm text_column is not a canonical field"}
		}
		for _, col := range cfg.LLM.MetadataColumns {
			if !names[col] {
				return &ConfigError{Field: col, Msg: "llm metadata column is not a canonical field"}
			}
			if col == "prompt" {
				return &ConfigError{Field: col, Msg: "llm metadata column collides with the prompt key"}
			}
		}
		if cfg.LLM.MaxRecords < 0 {
			return &ConfigError{Field: "max_records", Msg: "max_records must not be negative"}
		}
	}
	return nil
}

// validateSourceRules checks the rules that apply to one source.
func validateSourceRules(source string, rules []SchemaFieldRule, primaryKey string) error {
	specific := make(map[string]string)
	global := make(map[string]string)
	for _, r := range rules {
		if !r.AppliesTo(source) {
			continue
		}
		bucket := global
		if r.Source != "" {
			bucket = specific
		}
		if prev, dup := bucket[r.Target]; dup {
			return &ConfigError{
				Source: source,
				Field:  r.Target,
				Msg:    fmt.Sprintf("columns %q and %q both map to the same target", prev, r.Column),
			}
		}
		bucket[r.Target] = r.Column
	}
	_, hasSpecific := specific[primaryKey]
	_, hasGlobal := global[primaryKey]
	if !hasSpecific && !hasGlobal {
		return &ConfigError{Source: source, Field: primaryKey, Msg: "source has no primary key mapping"}
	}
	return nil
}
