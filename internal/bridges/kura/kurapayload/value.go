package kurapayload

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies the type of a metric value.
// The numeric values match the KuraMetric.ValueType wire enum.
type Kind uint8

// Value kinds, in wire enum order.
const (
	KindDouble Kind = iota
	KindFloat
	KindInt64
	KindInt32
	KindBool
	KindString
	KindBytes
)

// String returns the Kura name of the kind (as used in asset definitions).
func (k Kind) String() string {
	switch k {
	case KindDouble:
		return "DOUBLE"
	case KindFloat:
		return "FLOAT"
	case KindInt64:
		return "LONG"
	case KindInt32:
		return "INTEGER"
	case KindBool:
		return "BOOLEAN"
	case KindString:
		return "STRING"
	case KindBytes:
		return "BYTE_ARRAY"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k <= KindBytes
}

// ParseKind converts a channel type name into a Kind.
// Both Kura asset names (LONG, INTEGER, BYTE_ARRAY) and the
// protobuf names (INT64, INT32, BYTES) are accepted, case-insensitively.
func ParseKind(name string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DOUBLE":
		return KindDouble, nil
	case "FLOAT":
		return KindFloat, nil
	case "LONG", "INT64":
		return KindInt64, nil
	case "INTEGER", "INT", "INT32":
		return KindInt32, nil
	case "BOOLEAN", "BOOL":
		return KindBool, nil
	case "STRING":
		return KindString, nil
	case "BYTE_ARRAY", "BYTES":
		return KindBytes, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
}

// Value is a typed metric value. The set of implementations is closed.
type Value interface {
	Kind() Kind
	isValue()
}

// Double is a 64-bit floating point metric value.
type Double float64

// Float is a 32-bit floating point metric value.
type Float float32

// Int64 is a 64-bit integer metric value.
type Int64 int64

// Int32 is a 32-bit integer metric value.
type Int32 int32

// Bool is a boolean metric value.
type Bool bool

// String is a UTF-8 string metric value.
type String string

// Bytes is an opaque binary metric value.
type Bytes []byte

func (Double) Kind() Kind { return KindDouble }
func (Float) Kind() Kind  { return KindFloat }
func (Int64) Kind() Kind  { return KindInt64 }
func (Int32) Kind() Kind  { return KindInt32 }
func (Bool) Kind() Kind   { return KindBool }
func (String) Kind() Kind { return KindString }
func (Bytes) Kind() Kind  { return KindBytes }

func (Double) isValue() {}
func (Float) isValue()  {}
func (Int64) isValue()  {}
func (Int32) isValue()  {}
func (Bool) isValue()   {}
func (String) isValue() {}
func (Bytes) isValue()  {}

// Native returns the plain Go value held by v, suitable for JSON encoding.
// Bytes are returned as []byte (base64 in JSON). A nil Value yields nil.
func Native(v Value) any {
	switch x := v.(type) {
	case Double:
		return float64(x)
	case Float:
		return float32(x)
	case Int64:
		return int64(x)
	case Int32:
		return int32(x)
	case Bool:
		return bool(x)
	case String:
		return string(x)
	case Bytes:
		return []byte(x)
	default:
		return nil
	}
}

// Format renders v as the string form Kura expects in asset write bodies.
func Format(v Value) string {
	switch x := v.(type) {
	case Double:
		return strconv.FormatFloat(float64(x), 'g', -1, 64)
	case Float:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case Int64:
		return strconv.FormatInt(int64(x), 10)
	case Int32:
		return strconv.FormatInt(int64(x), 10)
	case Bool:
		return strconv.FormatBool(bool(x))
	case String:
		return string(x)
	case Bytes:
		return base64.StdEncoding.EncodeToString(x)
	default:
		return ""
	}
}

// Equal reports whether a and b have the same kind and value.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	if ab, ok := a.(Bytes); ok {
		return string(ab) == string(b.(Bytes))
	}
	return a == b
}

// IsFinite reports whether v can be written as a JSON number. Only Double and
// Float can hold NaN or an infinity; every other kind is finite.
func IsFinite(v Value) bool {
	switch x := v.(type) {
	case Double:
		return !math.IsNaN(float64(x)) && !math.IsInf(float64(x), 0)
	case Float:
		return !math.IsNaN(float64(x)) && !math.IsInf(float64(x), 0)
	default:
		return true
	}
}

// Coerce converts raw into a Value of the given kind.
//
// Accepted inputs are Values (converted across numeric kinds when lossless
// enough for the target), Go numbers, json.Number, bools and strings.
// Strings are parsed according to kind; for KindBytes they are decoded as
// standard base64.
func Coerce(kind Kind, raw any) (Value, error) {
	if v, ok := raw.(Value); ok {
		if v.Kind() == kind {
			return v, nil
		}
		raw = Native(v)
	}

	switch kind {
	case KindDouble:
		f, err := toFloat(raw, 64)
		if err != nil {
			return nil, err
		}
		return Double(f), nil
	case KindFloat:
		f, err := toFloat(raw, 32)
		if err != nil {
			return nil, err
		}
		if !math.IsInf(f, 0) && math.Abs(f) > math.MaxFloat32 {
			return nil, fmt.Errorf("%w: %v overflows float", ErrCoerce, f)
		}
		return Float(float32(f)), nil
	case KindInt64:
		i, err := toInt(raw, 64)
		if err != nil {
			return nil, err
		}
		return Int64(i), nil
	case KindInt32:
		i, err := toInt(raw, 32)
		if err != nil {
			return nil, err
		}
		return Int32(int32(i)), nil
	case KindBool:
		switch x := raw.(type) {
		case bool:
			return Bool(x), nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return nil, fmt.Errorf("%w: %q to %s", ErrCoerce, x, kind)
			}
			return Bool(b), nil
		}
	case KindString:
		switch x := raw.(type) {
		case string:
			return String(x), nil
		case json.Number:
			return String(x.String()), nil
		case bool, float64, float32, int, int32, int64:
			return String(fmt.Sprint(x)), nil
		}
	case KindBytes:
		switch x := raw.(type) {
		case []byte:
			return Bytes(append([]byte(nil), x...)), nil
		case string:
			b, err := base64.StdEncoding.DecodeString(x)
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not base64", ErrCoerce, x)
			}
			return Bytes(b), nil
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	return nil, fmt.Errorf("%w: %T to %s", ErrCoerce, raw, kind)
}

func toFloat(raw any, bits int) (float64, error) {
	switch x := raw.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		f, err := strconv.ParseFloat(x.String(), bits)
		if err != nil {
			return 0, fmt.Errorf("%w: %s to float", ErrCoerce, x)
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), bits)
		if err != nil {
			return 0, fmt.Errorf("%w: %q to float", ErrCoerce, x)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%w: %T to float", ErrCoerce, raw)
}

func toInt(raw any, bits int) (int64, error) {
	var (
		i   int64
		err error
	)
	switch x := raw.(type) {
	case int:
		i = int64(x)
	case int32:
		i = int64(x)
	case int64:
		i = x
	case float64:
		i, err = floatToInt(x)
	case float32:
		i, err = floatToInt(float64(x))
	case json.Number:
		i, err = strconv.ParseInt(x.String(), 10, bits)
	case string:
		i, err = strconv.ParseInt(strings.TrimSpace(x), 10, bits)
	default:
		return 0, fmt.Errorf("%w: %T to integer", ErrCoerce, raw)
	}
	if errors.Is(err, ErrCoerce) {
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v to integer", ErrCoerce, raw)
	}
	if bits == 32 && (i > math.MaxInt32 || i < math.MinInt32) {
		return 0, fmt.Errorf("%w: %d overflows int32", ErrCoerce, i)
	}
	return i, nil
}

// floatToInt converts an integral float that fits in an int64.
// 2^63 itself is out of range.
func floatToInt(x float64) (int64, error) {
	if x != math.Trunc(x) {
		return 0, fmt.Errorf("%w: %v is not integral", ErrCoerce, x)
	}
	if x < math.MinInt64 || x >= float64(1<<63) {
		return 0, fmt.Errorf("%w: %v overflows int64", ErrCoerce, x)
	}
	return int64(x), nil
}
