package dataset

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// TypeCoercionError reports a value that cannot be converted to its declared
// column type. Row is 0-based within the dataset.
type TypeCoercionError struct {
	Column string
	Row    int
	Value  any
	Want   SemanticType
	Err    error
}

func (e *TypeCoercionError) Error() string {
	msg := fmt.Sprintf("coerce column %q row %d: value %q is not %s", e.Column, e.Row, fmt.Sprint(e.Value), e.Want)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TypeCoercionError) Unwrap() error { return e.Err }

// Coerce converts every value of a column to t and retypes the column.
// Conversion is all-or-nothing: on error the dataset is left unchanged.
func (d *Dataset) Coerce(name string, t SemanticType, nullable bool) error {
	j, ok := d.index[name]
	if !ok {
		return fmt.Errorf("dataset: unknown column %q", name)
	}
	if t == NullableInteger {
		nullable = true
	}

	converted := make([]any, len(d.rows))
	for i, row := range d.rows {
		v, err := coerceValue(row[j], t)
		if err == nil && v == nil && !nullable {
			err = fmt.Errorf("null value")
		}
		if err != nil {
			return &TypeCoercionError{Column: name, Row: i, Value: row[j], Want: t, Err: unwrapNum(err)}
		}
		converted[i] = v
	}
	for i, row := range d.rows {
		row[j] = converted[i]
	}
	d.columns[j].Type = t
	d.columns[j].Nullable = nullable
	return nil
}

func unwrapNum(err error) error {
	if ne, ok := err.(*strconv.NumError); ok {
		return ne.Err
	}
	return err
}

func coerceValue(v any, t SemanticType) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case Integer, NullableInteger:
		return toInt64(v)
	case Float:
		return toFloat64(v)
	case Text:
		return toText(v), nil
	case Boolean:
		return toBool(v)
	case Timestamp:
		return toTime(v)
	}
	return nil, fmt.Errorf("unknown semantic type %s", t)
}

// toInt64 accepts integers and integral decimals ("1234.0"); blank text is null.
func toInt64(v any) (any, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
			return nil, fmt.Errorf("non-integral number")
		}
		if x < math.MinInt64 || x >= 1<<63 {
			return nil, fmt.Errorf("%v: %w", x, strconv.ErrRange)
		}
		return int64(x), nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			return n, nil
		}
		if errors.Is(err, strconv.ErrRange) {
			return nil, err
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		return toInt64(f)
	}
	return nil, fmt.Errorf("unsupported source type %T", v)
}

func toFloat64(v any) (any, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, nil
		}
		return strconv.ParseFloat(s, 64)
	}
	return nil, fmt.Errorf("unsupported source type %T", v)
}

func toText(v any) any {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}

func toBool(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, nil
		}
		return strconv.ParseBool(s)
	}
	return nil, fmt.Errorf("unsupported source type %T", v)
}

func toTime(v any) (any, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil, nil
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, nil
			}
		}
		return nil, fmt.Errorf("unrecognized timestamp layout")
	}
	return nil, fmt.Errorf("unsupported source type %T", v)
}
