package export

import (
	"io"
	"slices"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/poiesic/datamesh/core"
	"github.com/tmc/langchaingo/prompts"
)

// textAlias is the placeholder that resolves to the configured text column
// when the schema has no field of that name.
const textAlias = "text"

// PromptRenderer renders the prompt export line of a record.
type PromptRenderer struct {
	template   prompts.PromptTemplate
	textColumn string
	aliasText  bool
	metadata   []string
	maxRecords int
}

// NewPromptRenderer validates the prompt configuration against the schema.
// Problems are reported as *core.ConfigError before any file is created.
func NewPromptRenderer(schema core.CanonicalSchema, cfg *core.LLMExportConfig) (*PromptRenderer, error) {
	if cfg == nil {
		return nil, &core.ConfigError{Msg: "prompt export is not configured"}
	}
	if !schema.Has(cfg.TextColumn) {
		return nil, &core.ConfigError{Field: cfg.TextColumn, Msg: "llm text_column is not a canonical field"}
	}
	for _, col := range cfg.MetadataColumns {
		if !schema.Has(col) {
			return nil, &core.ConfigError{Field: col, Msg: "llm metadata column is not a canonical field"}
		}
	}

	tmpl := cfg.Template
	if tmpl == "" {
		tmpl = core.DefaultPromptTemplate
	}
	vars := schema.Names()
	aliasText := !schema.Has(textAlias)
	if aliasText {
		vars = append(vars, textAlias)
	}
	if err := prompts.CheckValidTemplate(tmpl, prompts.TemplateFormatFString, vars); err != nil {
		return nil, &core.ConfigError{Field: "prompt_template", Msg: "template references a field missing from the canonical schema", Err: err}
	}

	return &PromptRenderer{
		template: prompts.PromptTemplate{
			Template:       tmpl,
			InputVariables: vars,
			TemplateFormat: prompts.TemplateFormatFString,
		},
		textColumn: cfg.TextColumn,
		aliasText:  aliasText,
		metadata:   slices.Clone(cfg.MetadataColumns),
		maxRecords: cfg.MaxRecords,
	}, nil
}

// Render formats the prompt of one record. Null values render as empty text.
func (r *PromptRenderer) Render(rec core.Record) (string, error) {
	values := make(map[string]any, len(rec.Fields)+1)
	for _, f := range rec.Fields {
		values[f.Name] = promptText(f.Value)
	}
	if r.aliasText {
		v, _ := rec.Get(r.textColumn)
		values[textAlias] = promptText(v)
	}
	out, err := r.template.Format(values)
	if err != nil {
		return "", &core.ExportError{Kind: core.KindTemplateFieldMissing, Err: err}
	}
	return out, nil
}

func promptText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}

// promptWriter writes {"prompt": ..., <metadata>...} lines.
type promptWriter struct {
	renderer *PromptRenderer
	lines    *jsonlWriter
	written  int
}

func newPromptWriter(w io.Writer, renderer *PromptRenderer) *promptWriter {
	return &promptWriter{renderer: renderer, lines: newJSONLWriter(w)}
}

// WriteRecord writes the prompt line of rec unless max_records was reached.
// It reports whether a line was written.
func (p *promptWriter) WriteRecord(rec core.Record) (bool, error) {
	if p.renderer.maxRecords > 0 && p.written >= p.renderer.maxRecords {
		return false, nil
	}
	prompt, err := p.renderer.Render(rec)
	if err != nil {
		return false, err
	}
	line := core.Record{Fields: make([]core.Field, 0, len(p.renderer.metadata)+1)}
	line.Fields = append(line.Fields, core.Field{Name: "prompt", Value: prompt})
	for _, col := range p.renderer.metadata {
		v, _ := rec.Get(col)
		line.Fields = append(line.Fields, core.Field{Name: col, Value: v})
	}
	if err := p.lines.WriteRecord(line); err != nil {
		return false, errors.Wrap(err, "write prompt line")
	}
	p.written++
	return true, nil
}
