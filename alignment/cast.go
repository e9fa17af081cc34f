package alignment

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/poiesic/datamesh/core"
)

// float64 values in [minInt64Float, maxInt64Float) convert to int64 exactly.
const (
	minInt64Float = -9223372036854775808.0
	maxInt64Float = 9223372036854775808.0
)

// Cast converts a present, non-null raw value to the Go representation of
// typ: string, int64, float64 or bool.
func Cast(v any, typ core.FieldType) (any, error) {
	switch typ {
	case core.TypeString:
		return castString(v)
	case core.TypeInt:
		return castInt(v)
	case core.TypeFloat:
		return castFloat(v)
	case core.TypeBool:
		return castBool(v)
	}
	return nil, errors.Wrapf(ErrUnsupportedType, "%q", typ)
}

func castString(v any) (any, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return formatFloat(x), nil
	case map[string]any, []any:
		// encoding/json sorts map keys, so the text is stable.
		b, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return nil, errors.Newf("cannot render %T as string", v)
}

func castInt(v any) (any, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		return floatToInt(x)
	case json.Number:
		return parseInt(x.String())
	case string:
		return parseInt(strings.TrimSpace(x))
	}
	return nil, errors.Newf("cannot cast %T to int", v)
}

func parseInt(s string) (any, error) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, errors.Newf("%q is not a number", s)
	}
	return floatToInt(f)
}

func floatToInt(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Trunc(f) != f {
		return nil, errors.Newf("%v is not an integer", f)
	}
	if f < minInt64Float || f >= maxInt64Float {
		return nil, errors.Newf("%v overflows int64", f)
	}
	return int64(f), nil
}

func castFloat(v any) (any, error) {
	var f float64
	switch x := v.(type) {
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case float64:
		f = x
	case json.Number:
		p, err := strconv.ParseFloat(x.String(), 64)
		if err != nil {
			return nil, errors.Newf("%q is not a number", x.String())
		}
		f = p
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, errors.Newf("%q is not a number", x)
		}
		f = p
	default:
		return nil, errors.Newf("cannot cast %T to float", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, errors.Newf("%v is not a finite number", f)
	}
	return f, nil
}

func castBool(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.TrimSpace(x) {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		}
	case json.Number:
		switch x.String() {
		case "1":
			return true, nil
		case "0":
			return false, nil
		}
	case int:
		if x == 0 || x == 1 {
			return x == 1, nil
		}
	case int64:
		if x == 0 || x == 1 {
			return x == 1, nil
		}
	case float64:
		if x == 0 || x == 1 {
			return x == 1, nil
		}
	}
	return nil, errors.Newf("%v is not a boolean", v)
}

// formatFloat renders f in the shortest form that parses back to f, without
// an exponent.
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// KeyText returns the canonical text of a value, used to compare primary
// keys across sources regardless of their Go type.
func KeyText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return formatFloat(x)
	case bool:
		return strconv.FormatBool(x)
	}
	s, err := castString(v)
	if err != nil {
		return ""
	}
	return s.(string)
}
