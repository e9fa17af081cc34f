package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/poiesic/datamesh/alignment"
	"github.com/poiesic/datamesh/core"
	"github.com/poiesic/datamesh/ingestion"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultWorkspaceDir is used when io.workspace_dir is not set.
	DefaultWorkspaceDir = "./artifacts"

	// DefaultOutputFormat is used when io.output_format is not set.
	DefaultOutputFormat = core.FormatParquet
)

// File mirrors the on-disk layout of a configuration file.
type File struct {
	Sources []SourceFile `yaml:"sources" toml:"sources"`
	Schema  SchemaFile   `yaml:"schema" toml:"schema"`
	IO      IOFile       `yaml:"io" toml:"io"`
	LLM     *LLMFile     `yaml:"llm" toml:"llm"`
	Policy  string       `yaml:"policy" toml:"policy"`
	Ledger  LedgerFile   `yaml:"ledger" toml:"ledger"`
}

// SourceFile is one entry of sources.
type SourceFile struct {
	Name    string            `yaml:"name" toml:"name"`
	Type    string            `yaml:"type" toml:"type"`
	Params  map[string]any    `yaml:"params" toml:"params"`
	Headers map[string]string `yaml:"headers" toml:"headers"`
	Auth    *AuthFile         `yaml:"auth" toml:"auth"`
	Fields  []FieldFile       `yaml:"fields" toml:"fields"`
}

// AuthFile names where a REST source's credentials come from.
type AuthFile struct {
	BearerTokenEnv string `yaml:"bearer_token_env" toml:"bearer_token_env"`
}

// FieldFile is one column to canonical field rule.
type FieldFile struct {
	Source   string `yaml:"source" toml:"source"` // only under schema.fields
	Column   string `yaml:"column" toml:"column"`
	Target   string `yaml:"target" toml:"target"`
	DType    string `yaml:"dtype" toml:"dtype"`
	Default  any    `yaml:"default" toml:"default"`
	Required bool   `yaml:"required" toml:"required"`
}

// CanonicalFile declares a canonical field explicitly.
type CanonicalFile struct {
	Name  string `yaml:"name" toml:"name"`
	DType string `yaml:"dtype" toml:"dtype"`
}

// SchemaFile is the schema section.
type SchemaFile struct {
	PrimaryKey string          `yaml:"primary_key" toml:"primary_key"`
	Canonical  []CanonicalFile `yaml:"canonical" toml:"canonical"`
	Fields     []FieldFile     `yaml:"fields" toml:"fields"`
}

// IOFile is the io section.
type IOFile struct {
	WorkspaceDir string `yaml:"workspace_dir" toml:"workspace_dir"`
	OutputFormat string `yaml:"output_format" toml:"output_format"`
	OutputURI    string `yaml:"output_uri" toml:"output_uri"`
}

// LLMFile is the llm section.
type LLMFile struct {
	TextColumn      string   `yaml:"text_column" toml:"text_column"`
	MetadataColumns []string `yaml:"metadata_columns" toml:"metadata_columns"`
	Template        string   `yaml:"template" toml:"template"`
	MaxRecords      int      `yaml:"max_records" toml:"max_records"`
}

// LedgerFile is the ledger section.
type LedgerFile struct {
	Path      string `yaml:"path" toml:"path"`
	Snapshots string `yaml:"snapshots" toml:"snapshots"` // off, record or replay
}

// Config is a loaded and converted configuration.
type Config struct {
	Pipeline   *core.PipelineConfig
	Policy     alignment.Policy
	LedgerPath string
	Snapshots  ingestion.SnapshotMode
	// Authorizers holds the REST credentials resolved from the environment.
	Authorizers ingestion.SourceAuthorizers
}

// Load reads, decodes and converts the configuration file at path. The
// format is chosen by extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	var format string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	case ".toml":
		format = "toml"
	default:
		return nil, errors.WithHint(
			&core.ConfigError{Msg: fmt.Sprintf("unsupported config file extension %q", filepath.Ext(path))},
			"use .yaml, .yml or .toml")
	}
	return Parse(data, format)
}

// Parse decodes a configuration in the given format ("yaml" or "toml") and
// converts it.
func Parse(data []byte, format string) (*Config, error) {
	f, err := Decode(data, format)
	if err != nil {
		return nil, err
	}
	return f.Convert(os.LookupEnv)
}

// Decode decodes a configuration without converting it.
func Decode(data []byte, format string) (*File, error) {
	var f File
	switch format {
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return nil, &core.ConfigError{Msg: "invalid yaml", Err: err}
		}
	case "toml":
		md, err := toml.Decode(string(data), &f)
		if err != nil {
			return nil, &core.ConfigError{Msg: "invalid toml", Err: err}
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, &core.ConfigError{Field: undecoded[0].String(), Msg: "unknown configuration key"}
		}
	default:
		return nil, &core.ConfigError{Msg: fmt.Sprintf("unsupported config format %q", format)}
	}
	f.applyDefaults()
	return &f, nil
}

func (f *File) applyDefaults() {
	if f.IO.WorkspaceDir == "" {
		f.IO.WorkspaceDir = DefaultWorkspaceDir
	}
	if f.IO.OutputFormat == "" {
		f.IO.OutputFormat = string(DefaultOutputFormat)
	}
}

// LookupEnv resolves environment variables, normally os.LookupEnv.
type LookupEnv func(key string) (string, bool)

// Convert builds the pipeline configuration and validates it with
// core.ValidatePipelineConfig.
func (f *File) Convert(lookup LookupEnv) (*Config, error) {
	cfg := &Config{
		LedgerPath:  f.Ledger.Path,
		Authorizers: ingestion.SourceAuthorizers{},
	}

	var err error
	if cfg.Policy, err = alignment.ParsePolicy(f.Policy); err != nil {
		return nil, &core.ConfigError{Field: "policy", Msg: err.Error()}
	}
	if cfg.Snapshots, err = ingestion.ParseSnapshotMode(f.Ledger.Snapshots); err != nil {
		return nil, &core.ConfigError{Field: "ledger.snapshots", Msg: err.Error()}
	}
	if cfg.Snapshots != ingestion.SnapshotOff && cfg.LedgerPath == "" {
		return nil, &core.ConfigError{Field: "ledger.path", Msg: "page snapshots need a ledger path"}
	}

	declared := make([]core.CanonicalField, 0, len(f.Schema.Canonical))
	for _, c := range f.Schema.Canonical {
		typ, ok := core.ParseFieldType(c.DType)
		if !ok {
			return nil, &core.ConfigError{Field: c.Name, Msg: fmt.Sprintf("unsupported dtype %q", c.DType)}
		}
		declared = append(declared, core.CanonicalField{Name: c.Name, Type: typ})
	}

	var rules []core.SchemaFieldRule
	for _, fld := range f.Schema.Fields {
		r, err := fld.rule(fld.Source)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}

	pipeline := &core.PipelineConfig{
		IO: core.IOConfig{
			WorkspaceDir: f.IO.WorkspaceDir,
			OutputFormat: core.OutputFormat(strings.ToLower(f.IO.OutputFormat)),
			OutputURI:    f.IO.OutputURI,
		},
	}
	for _, s := range f.Sources {
		desc := core.SourceDescriptor{
			Name:    s.Name,
			Kind:    core.SourceKind(strings.ToLower(s.Type)),
			Params:  make(map[string]string, len(s.Params)),
			Headers: s.Headers,
		}
		for k, v := range s.Params {
			text, err := paramText(v)
			if err != nil {
				return nil, &core.ConfigError{Source: s.Name, Field: k, Msg: err.Error()}
			}
			desc.Params[k] = text
		}
		pipeline.Sources = append(pipeline.Sources, desc)

		for _, fld := range s.Fields {
			if fld.Source != "" && fld.Source != s.Name {
				return nil, &core.ConfigError{Source: s.Name, Field: fld.Target, Msg: "inline rule names another source"}
			}
			r, err := fld.rule(s.Name)
			if err != nil {
				return nil, err
			}
			rules = append(rules, r)
		}

		if s.Auth != nil && s.Auth.BearerTokenEnv != "" {
			token, ok := lookup(s.Auth.BearerTokenEnv)
			if !ok || token == "" {
				return nil, errors.WithHint(
					&core.ConfigError{Source: s.Name, Field: "auth.bearer_token_env", Msg: fmt.Sprintf("environment variable %s is not set", s.Auth.BearerTokenEnv)},
					"export the token before running the pipeline")
			}
			cfg.Authorizers[s.Name] = ingestion.BearerToken{Token: token}
		}
	}

	schema, normalized, err := core.BuildCanonicalSchema(declared, rules, f.Schema.PrimaryKey)
	if err != nil {
		return nil, err
	}
	pipeline.Schema = schema
	pipeline.Rules = normalized

	if f.LLM != nil {
		pipeline.LLM = &core.LLMExportConfig{
			TextColumn:      f.LLM.TextColumn,
			MetadataColumns: f.LLM.MetadataColumns,
			Template:        f.LLM.Template,
			MaxRecords:      f.LLM.MaxRecords,
		}
	}

	if err := core.ValidatePipelineConfig(pipeline); err != nil {
		return nil, err
	}
	cfg.Pipeline = pipeline
	return cfg, nil
}

func (fld FieldFile) rule(source string) (core.SchemaFieldRule, error) {
	var typ core.FieldType
	if fld.DType != "" {
		t, ok := core.ParseFieldType(fld.DType)
		if !ok {
			return core.SchemaFieldRule{}, &core.ConfigError{Source: source, Field: fld.Target, Msg: fmt.Sprintf("unsupported dtype %q", fld.DType)}
		}
		typ = t
	}
	return core.SchemaFieldRule{
		Source:   source,
		Column:   fld.Column,
		Target:   fld.Target,
		Type:     typ,
		Default:  fld.Default,
		Required: fld.Required,
	}, nil
}

// paramText renders a scalar parameter value as text.
func paramText(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	}
	return "", errors.Newf("parameter must be a scalar, got %T", v)
}

// SourceNames returns the configured source names sorted, for diagnostics.
func (c *Config) SourceNames() []string {
	names := make([]string, 0, len(c.Pipeline.Sources))
	for _, s := range c.Pipeline.Sources {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}
