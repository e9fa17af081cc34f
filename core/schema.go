package core

import "strings"

// FieldType is the scalar type of a canonical field.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
)

// Valid reports whether t is one of the canonical type constants. Aliases
// accepted by ParseFieldType are not valid until parsed.
func (t FieldType) Valid() bool {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeBool:
		return true
	}
	return false
}

// ParseFieldType maps a declared type name to a FieldType. "number" is an
// alias of float and an empty name defaults to string.
func ParseFieldType(name string) (FieldType, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "string", "str", "text":
		return TypeString, true
	case "int", "integer", "int64":
		return TypeInt, true
	case "float", "number", "double", "float64":
		return TypeFloat, true
	case "bool", "boolean":
		return TypeBool, true
	}
	return "", false
}

// SchemaFieldRule maps a raw column of a source onto a canonical field.
// A rule with an empty Source applies to every source.
type SchemaFieldRule struct {
	Source   string
	Column   string
	Target   string
	Type     FieldType
	Default  any // nil means no default
	Required bool
}

// AppliesTo reports whether the rule is used when aligning the named source.
func (r SchemaFieldRule) AppliesTo(source string) bool {
	return r.Source == "" || r.Source == source
}

// CanonicalField is one field of the canonical schema.
type CanonicalField struct {
	Name string
	Type FieldType
}

// CanonicalSchema is the ordered target field set of a run.
type CanonicalSchema struct {
	Fields     []CanonicalField
	PrimaryKey string
}

// Names returns the canonical field names in declaration order.
func (s *CanonicalSchema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Index returns the position of the named field or -1.
func (s *CanonicalSchema) Index(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Has reports whether the schema declares the named field.
func (s *CanonicalSchema) Has(name string) bool {
	return s.Index(name) >= 0
}

// PrimaryKeyIndex returns the position of the primary key field.
func (s *CanonicalSchema) PrimaryKeyIndex() int {
	return s.Index(s.PrimaryKey)
}

// IOConfig controls where and how the corpus is written.
type IOConfig struct {
	WorkspaceDir string
	OutputFormat OutputFormat
	OutputURI    string // accepted for compatibility, upload is not performed
}

// LLMExportConfig describes the optional prompt formatted export.
type LLMExportConfig struct {
	TextColumn      string
	MetadataColumns []string
	Template        string // "{field}" placeholders, defaults to "{text}"
	MaxRecords      int    // 0 means no limit
}

// DefaultPromptTemplate is used when no template is configured.
const DefaultPromptTemplate = "{text}"

// PipelineConfig is the already parsed configuration of one run.
type PipelineConfig struct {
	Sources []SourceDescriptor
	Schema  CanonicalSchema
	Rules   []SchemaFieldRule
	IO      IOConfig
	LLM     *LLMExportConfig // nil disables the prompt export
}

// Source returns the descriptor of the named source.
func (c *PipelineConfig) Source(name string) (SourceDescriptor, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceDescriptor{}, false
}
