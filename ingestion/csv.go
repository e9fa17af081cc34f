package ingestion

import (
	"context"
	"encoding/csv"
	"io"
	"iter"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/poiesic/datamesh/core"
)

const utf8BOM = "\uFEFF"

type csvAdapter struct {
	name      string
	path      string
	delimiter rune
	hasHeader bool
	columns   []string // projection, nil keeps every column
	logger    *slog.Logger
}

func newCSVAdapter(desc core.SourceDescriptor, logger *slog.Logger) (*csvAdapter, error) {
	path, err := requiredParam(desc, "path")
	if err != nil {
		return nil, err
	}
	delim, err := parseDelimiter(desc)
	if err != nil {
		return nil, err
	}
	hasHeader, err := boolParam(desc, "has_header", true)
	if err != nil {
		return nil, err
	}

	var columns []string
	if raw := desc.Param("columns", ""); raw != "" {
		for _, c := range strings.Split(raw, ",") {
			if c = strings.TrimSpace(c); c != "" {
				columns = append(columns, c)
			}
		}
	}

	return &csvAdapter{
		name:      desc.Name,
		path:      path,
		delimiter: delim,
		hasHeader: hasHeader,
		columns:   columns,
		logger:    logger.With("source", desc.Name),
	}, nil
}

func parseDelimiter(desc core.SourceDescriptor) (rune, error) {
	raw := desc.Param("delimiter", ",")
	switch raw {
	case `\t`, "tab":
		return '\t', nil
	}
	r, size := utf8.DecodeRuneInString(raw)
	if size != len(raw) || r == utf8.RuneError || r == '"' || r == '\r' || r == '\n' {
		return 0, &core.ConfigError{Source: desc.Name, Field: "delimiter", Msg: "delimiter must be a single character"}
	}
	return r, nil
}

func (a *csvAdapter) Name() string          { return a.name }
func (a *csvAdapter) Kind() core.SourceKind { return core.SourceKindCSV }

func (a *csvAdapter) Fetch(ctx context.Context) iter.Seq2[core.RawRecord, error] {
	return func(yield func(core.RawRecord, error) bool) {
		f, err := os.Open(a.path)
		if err != nil {
			fail(yield, openError(a.name, err))
			return
		}
		defer f.Close()

		r := csv.NewReader(f)
		r.Comma = a.delimiter

		var header []string
		if a.hasHeader {
			header, err = r.Read()
			if err == io.EOF {
				a.logger.Debug("csv source is empty", "path", a.path)
				return
			}
			if err != nil {
				fail(yield, a.readError(err))
				return
			}
			header[0] = strings.TrimPrefix(header[0], utf8BOM)
		}

		var project []int
		seq := 0
		for {
			if err := ctx.Err(); err != nil {
				fail(yield, contextError(a.name, 0, err))
				return
			}

			row, err := r.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				fail(yield, a.readError(err))
				return
			}
			line, _ := r.FieldPos(0)

			if header == nil {
				header = make([]string, len(row))
				for i := range header {
					header[i] = "col_" + strconv.Itoa(i+1)
				}
			}
			if project == nil {
				if project, err = a.projection(header); err != nil {
					fail(yield, err)
					return
				}
			}

			values := make(map[string]any, len(project))
			for _, i := range project {
				if i < len(row) && row[i] != "" {
					values[header[i]] = row[i]
				}
			}
			seq++
			rec := core.RawRecord{
				Values: values,
				Origin: core.Origin{Source: a.name, Seq: seq, Line: line},
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// projection returns the column indexes to keep.
func (a *csvAdapter) projection(header []string) ([]int, error) {
	if len(a.columns) == 0 {
		idx := make([]int, len(header))
		for i := range idx {
			idx[i] = i
		}
		return idx, nil
	}
	idx := make([]int, 0, len(a.columns))
	for _, c := range a.columns {
		pos := -1
		for i, h := range header {
			if h == c {
				pos = i
				break
			}
		}
		if pos < 0 {
			return nil, &core.ConfigError{Source: a.name, Field: c, Msg: "column is not present in the csv header"}
		}
		idx = append(idx, pos)
	}
	return idx, nil
}

func (a *csvAdapter) readError(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		line := pe.StartLine
		if line == 0 {
			line = pe.Line
		}
		return &core.SourceFetchError{Source: a.name, Reason: core.ReasonMalformedRow, Line: line, Err: pe.Err}
	}
	return &core.SourceFetchError{Source: a.name, Reason: core.ReasonUnreadable, Err: err}
}

// openError classifies a failure to open a source file.
func openError(source string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return &core.SourceFetchError{Source: source, Reason: core.ReasonNotFound, Err: err}
	}
	return &core.SourceFetchError{Source: source, Reason: core.ReasonUnreadable, Err: err}
}

// contextError classifies a context failure during a fetch.
func contextError(source string, page int, err error) error {
	reason := core.ReasonCanceled
	if errors.Is(err, context.DeadlineExceeded) {
		reason = core.ReasonTimeout
	}
	return &core.SourceFetchError{Source: source, Reason: reason, Page: page, Err: err}
}
