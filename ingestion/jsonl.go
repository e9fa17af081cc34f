package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/poiesic/datamesh/core"
)

type jsonlAdapter struct {
	name   string
	path   string
	logger *slog.Logger
}

func newJSONLAdapter(desc core.SourceDescriptor, logger *slog.Logger) (*jsonlAdapter, error) {
	path, err := requiredParam(desc, "path")
	if err != nil {
		return nil, err
	}
	return &jsonlAdapter{
		name:   desc.Name,
		path:   path,
		logger: logger.With("source", desc.Name),
	}, nil
}

func (a *jsonlAdapter) Name() string          { return a.name }
func (a *jsonlAdapter) Kind() core.SourceKind { return core.SourceKindJSONL }

func (a *jsonlAdapter) Fetch(ctx context.Context) iter.Seq2[core.RawRecord, error] {
	return func(yield func(core.RawRecord, error) bool) {
		f, err := os.Open(a.path)
		if err != nil {
			fail(yield, openError(a.name, err))
			return
		}
		defer f.Close()

		br := bufio.NewReader(f)
		line, seq := 0, 0
		for {
			if err := ctx.Err(); err != nil {
				fail(yield, contextError(a.name, 0, err))
				return
			}

			raw, readErr := br.ReadBytes('\n')
			if readErr != nil && readErr != io.EOF {
				fail(yield, &core.SourceFetchError{Source: a.name, Reason: core.ReasonUnreadable, Err: readErr})
				return
			}
			if len(raw) > 0 {
				line++
			}
			if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 {
				if line == 1 {
					trimmed = bytes.TrimPrefix(trimmed, []byte(utf8BOM))
				}
				values, err := decodeObject(trimmed)
				if err != nil {
					fail(yield, &core.SourceFetchError{Source: a.name, Reason: core.ReasonMalformedRow, Line: line, Err: err})
					return
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
			if readErr == io.EOF {
				return
			}
		}
	}
}

// decodeObject decodes exactly one JSON object. Numbers are kept as
// json.Number so integer precision survives until alignment.
func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after JSON value")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errors.Newf("expected a JSON object, got %s", jsonKind(v))
	}
	return obj, nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	default:
		return "value"
	}
}
