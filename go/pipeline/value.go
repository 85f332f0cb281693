package pipeline

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tidewire/bridge/go/catalog"
)

// maxExactInt64 bounds float-to-integer coercion. 1<<63 is exactly
// representable as a float64; values at or beyond it overflow int64.
const maxExactInt64 = float64(1 << 63)

// Coerce converts a raw frame value to the catalog-declared type, returning
// exactly one of int64, float64, string, or bool. Raw values arrive from
// JSON decoding, so numbers are float64 and composites are maps or slices;
// composites fail coercion for every declared type.
func Coerce(value interface{}, typ catalog.ValueType) (interface{}, error) {
	switch typ {
	case catalog.Integer:
		return coerceInteger(value)
	case catalog.Float:
		return coerceFloat(value)
	case catalog.Text:
		return coerceText(value)
	case catalog.Boolean:
		return coerceBoolean(value)
	default:
		return nil, fmt.Errorf("unknown value type %q", typ)
	}
}

func coerceInteger(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case float64:
		if math.Trunc(v) != v {
			return nil, fmt.Errorf("number %v has a fractional part", v)
		}
		if v >= maxExactInt64 || v < -maxExactInt64 {
			return nil, fmt.Errorf("number %v overflows an integer", v)
		}
		return int64(v), nil
	case string:
		var s = strings.TrimSpace(v)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", v)
		}
		if math.Trunc(f) != f {
			return nil, fmt.Errorf("%q has a fractional part", v)
		}
		if f >= maxExactInt64 || f < -maxExactInt64 {
			return nil, fmt.Errorf("%q overflows an integer", v)
		}
		return int64(f), nil
	case bool:
		if v {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to integer", value)
	}
}

func coerceFloat(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case string:
		var f, err = strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", v)
		}
		return f, nil
	case bool:
		if v {
			return float64(1), nil
		}
		return float64(0), nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to float", value)
	}
}

func coerceText(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to text", value)
	}
}

func coerceBoolean(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case float64:
		return v != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off":
			return false, nil
		default:
			return nil, fmt.Errorf("%q is not a boolean", v)
		}
	default:
		return nil, fmt.Errorf("cannot coerce %T to boolean", value)
	}
}
