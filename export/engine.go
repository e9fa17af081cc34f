package export

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/poiesic/datamesh/core"
	"github.com/poiesic/datamesh/merge"
)

const (
	// DefaultRowGroupSize is the maximum number of rows per Parquet row group.
	DefaultRowGroupSize = 64 * 1024

	// DefaultCreatedBy is the created_by value written to Parquet footers.
	DefaultCreatedBy = "datamesh"

	// PromptFormat is the Format of the prompt export artifact.
	PromptFormat = "llm.jsonl"

	datasetName = "dataset"
)

// Engine writes harmonized streams to a workspace directory.
type Engine struct {
	workspace    string
	format       core.OutputFormat
	rowGroupSize int
	createdBy    string
	logger       *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		if logger == nil {
			logger = slog.Default()
		}
		e.logger = logger
		return nil
	}
}

// WithRowGroupSize sets the maximum rows per Parquet row group.
// Default is DefaultRowGroupSize.
func WithRowGroupSize(rows int) Option {
	return func(e *Engine) error {
		if rows <= 0 {
			return ErrInvalidRowGroupSize
		}
		e.rowGroupSize = rows
		return nil
	}
}

// WithCreatedBy sets the Parquet created_by footer value.
// Default is DefaultCreatedBy.
func WithCreatedBy(createdBy string) Option {
	return func(e *Engine) error {
		if createdBy != "" {
			e.createdBy = createdBy
		}
		return nil
	}
}

// NewEngine creates an export engine writing to workspaceDir in the given
// primary format.
func NewEngine(workspaceDir string, format core.OutputFormat, opts ...Option) (*Engine, error) {
	if strings.TrimSpace(workspaceDir) == "" {
		return nil, ErrWorkspaceRequired
	}
	switch format {
	case core.FormatParquet, core.FormatJSONL:
	default:
		return nil, &core.ConfigError{Field: "output_format", Msg: "output_format must be 'parquet' or 'jsonl', got \"" + string(format) + "\""}
	}
	e := &Engine{
		workspace:    workspaceDir,
		format:       format,
		rowGroupSize: DefaultRowGroupSize,
		createdBy:    DefaultCreatedBy,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	e.logger = e.logger.With("component", "export")
	return e, nil
}

// Workspace returns the directory artifacts are written to.
func (e *Engine) Workspace() string {
	return e.workspace
}

// recordWriter is implemented by the primary format encoders.
type recordWriter interface {
	WriteRecord(rec core.Record) error
}

// Export drains stream and writes the primary artifact and, when llm is not
// nil, the prompt artifact. Artifacts are returned primary first.
//
// The prompt configuration is validated before anything is written. On any
// error no file is left at a final path.
func (e *Engine) Export(ctx context.Context, stream *merge.HarmonizedStream, llm *core.LLMExportConfig) (artifacts []core.ExportArtifact, err error) {
	schema := stream.Schema()

	var renderer *PromptRenderer
	if llm != nil {
		if renderer, err = NewPromptRenderer(schema, llm); err != nil {
			return nil, err
		}
	}

	records, err := stream.Records()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(e.workspace, 0o755); err != nil {
		return nil, ioFailure(e.workspace, err)
	}

	var staged []*stagedFile
	defer func() {
		if err != nil {
			for _, f := range staged {
				f.discard()
			}
		}
	}()

	primary, err := stage(e.workspace, datasetName+"."+e.format.Extension(), string(e.format))
	if err != nil {
		return nil, err
	}
	staged = append(staged, primary)

	var (
		out  recordWriter
		pqw  *parquetWriter
		llmw *promptWriter
		llmf *stagedFile
	)
	switch e.format {
	case core.FormatParquet:
		if pqw, err = newParquetWriter(primary.Writer(), schema, e.createdBy, e.rowGroupSize); err != nil {
			return nil, ioFailure(primary.final, err)
		}
		out = pqw
	default:
		out = newJSONLWriter(primary.Writer())
	}

	if renderer != nil {
		if llmf, err = stage(e.workspace, datasetName+"."+PromptFormat, PromptFormat); err != nil {
			return nil, err
		}
		staged = append(staged, llmf)
		llmw = newPromptWriter(llmf.Writer(), renderer)
	}

	for rec := range records {
		if err = ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "export canceled")
		}
		if err = out.WriteRecord(rec); err != nil {
			return nil, ioFailure(primary.final, err)
		}
		primary.records++
		if llmw != nil {
			var wrote bool
			if wrote, err = llmw.WriteRecord(rec); err != nil {
				if exportErr, ok := core.AsExportError(err); ok {
					exportErr.Path = llmf.final
					return nil, err
				}
				return nil, ioFailure(llmf.final, err)
			}
			if wrote {
				llmf.records++
			}
		}
	}

	if pqw != nil {
		if err = pqw.Close(); err != nil {
			return nil, ioFailure(primary.final, err)
		}
	}
	for _, f := range staged {
		if err = f.finish(); err != nil {
			return nil, err
		}
	}
	if err = publish(staged); err != nil {
		// publish already cleaned up
		staged = nil
		return nil, err
	}

	for _, f := range staged {
		a := f.artifact()
		artifacts = append(artifacts, a)
		e.logger.Info("artifact written", "path", a.Path, "format", a.Format, "records", a.Records, "bytes", a.Bytes, "digest", a.Digest)
	}
	return artifacts, nil
}
