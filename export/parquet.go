package export

import (
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/cockroachdb/errors"
	"github.com/poiesic/datamesh/core"
)

// ArrowSchema maps the canonical schema to an Arrow schema with one nullable
// column per field, in canonical order.
func ArrowSchema(schema core.CanonicalSchema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(schema.Fields))
	for i, f := range schema.Fields {
		var dt arrow.DataType
		switch f.Type {
		case core.TypeString:
			dt = arrow.BinaryTypes.String
		case core.TypeInt:
			dt = arrow.PrimitiveTypes.Int64
		case core.TypeFloat:
			dt = arrow.PrimitiveTypes.Float64
		case core.TypeBool:
			dt = arrow.FixedWidthTypes.Boolean
		default:
			return nil, errors.Newf("field %q has unsupported type %q", f.Name, f.Type)
		}
		fields[i] = arrow.Field{Name: f.Name, Type: dt, Nullable: true}
	}
	return arrow.NewSchema(fields, nil), nil
}

// parquetWriter buffers records into Arrow batches of rowGroupSize rows and
// writes each batch as one row group.
type parquetWriter struct {
	schema       *arrow.Schema
	builder      *array.RecordBuilder
	fw           *pqarrow.FileWriter
	rowGroupSize int
	pending      int
}

func newParquetWriter(w io.Writer, schema core.CanonicalSchema, createdBy string, rowGroupSize int) (*parquetWriter, error) {
	arrowSchema, err := ArrowSchema(schema)
	if err != nil {
		return nil, err
	}
	props := parquet.NewWriterProperties(
		parquet.WithCreatedBy(createdBy),
		parquet.WithCompression(compress.Codecs.Uncompressed),
		parquet.WithMaxRowGroupLength(int64(rowGroupSize)),
	)
	fw, err := pqarrow.NewFileWriter(arrowSchema, w, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return nil, err
	}
	return &parquetWriter{
		schema:       arrowSchema,
		builder:      array.NewRecordBuilder(memory.DefaultAllocator, arrowSchema),
		fw:           fw,
		rowGroupSize: rowGroupSize,
	}, nil
}

func (p *parquetWriter) WriteRecord(rec core.Record) error {
	if len(rec.Fields) != len(p.schema.Fields()) {
		return errors.Newf("record has %d fields, schema has %d", len(rec.Fields), len(p.schema.Fields()))
	}
	for i, f := range rec.Fields {
		if err := appendValue(p.builder.Field(i), f); err != nil {
			return err
		}
	}
	p.pending++
	if p.pending >= p.rowGroupSize {
		return p.flush()
	}
	return nil
}

func appendValue(b array.Builder, f core.Field) error {
	if f.Value == nil {
		b.AppendNull()
		return nil
	}
	ok := false
	switch fb := b.(type) {
	case *array.StringBuilder:
		var v string
		if v, ok = f.Value.(string); ok {
			fb.Append(v)
		}
	case *array.Int64Builder:
		var v int64
		if v, ok = f.Value.(int64); ok {
			fb.Append(v)
		}
	case *array.Float64Builder:
		var v float64
		if v, ok = f.Value.(float64); ok {
			fb.Append(v)
		}
	case *array.BooleanBuilder:
		var v bool
		if v, ok = f.Value.(bool); ok {
			fb.Append(v)
		}
	}
	if !ok {
		return errors.Newf("field %q: value %T does not match column type %s", f.Name, f.Value, b.Type())
	}
	return nil
}

func (p *parquetWriter) flush() error {
	if p.pending == 0 {
		return nil
	}
	rec := p.builder.NewRecord()
	defer rec.Release()
	p.pending = 0
	return p.fw.Write(rec)
}

// Close writes the remaining rows and the file footer. The underlying
// writer is not closed.
func (p *parquetWriter) Close() error {
	defer p.builder.Release()
	if err := p.flush(); err != nil {
		_ = p.fw.Close()
		return err
	}
	return p.fw.Close()
}
