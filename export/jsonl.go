package export

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/poiesic/datamesh/core"
)

// jsonlWriter writes one compact JSON object per record, keys in field order.
type jsonlWriter struct {
	w   io.Writer
	buf bytes.Buffer
}

func newJSONLWriter(w io.Writer) *jsonlWriter {
	return &jsonlWriter{w: w}
}

func (j *jsonlWriter) WriteRecord(rec core.Record) error {
	j.buf.Reset()
	j.buf.WriteByte('{')
	for i, f := range rec.Fields {
		if i > 0 {
			j.buf.WriteByte(',')
		}
		if err := appendJSON(&j.buf, f.Name); err != nil {
			return err
		}
		j.buf.WriteByte(':')
		if err := appendJSON(&j.buf, f.Value); err != nil {
			return errors.Wrapf(err, "field %q", f.Name)
		}
	}
	j.buf.WriteString("}\n")
	_, err := j.w.Write(j.buf.Bytes())
	return err
}

// appendJSON encodes a canonical value. HTML characters are not escaped so
// text survives unchanged.
func appendJSON(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(x))
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return errors.Newf("unsupported float value %v", x)
		}
		b, err := json.Marshal(x)
		if err != nil {
			return err
		}
		buf.Write(b)
	case string:
		enc := json.NewEncoder(buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(x); err != nil {
			return err
		}
		// Encode terminates with a newline
		buf.Truncate(buf.Len() - 1)
	default:
		return errors.Newf("unsupported value type %T", v)
	}
	return nil
}
