package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrTypeMismatch is returned when a payload does not have the declared shape.
var ErrTypeMismatch = errors.New("type mismatch")

// Decode converts a JSON payload into a Value of type t. Decoding is strict:
// a number with a fraction is not an Int, a negative number is not a UInt,
// null is only accepted for Void. Void ignores the payload entirely.
func Decode(t Type, raw json.RawMessage) (Value, error) {
	mustValid(t)
	if t == TypeVoid {
		return VoidValue(), nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return Value{}, fmt.Errorf("decode %s: %w", t, err)
	}

	switch t {
	case TypeBool:
		if b, ok := x.(bool); ok {
			return BoolValue(b), nil
		}
	case TypeInt:
		if n, ok := x.(json.Number); ok {
			i, err := strconv.ParseInt(n.String(), 10, 64)
			if err != nil {
				return Value{}, fmt.Errorf("%w: %s is not an int", ErrTypeMismatch, n)
			}
			return IntValue(i), nil
		}
	case TypeUInt:
		if n, ok := x.(json.Number); ok {
			u, err := strconv.ParseUint(n.String(), 10, 64)
			if err != nil {
				return Value{}, fmt.Errorf("%w: %s is not a uint", ErrTypeMismatch, n)
			}
			return UIntValue(u), nil
		}
	case TypeFloat:
		if n, ok := x.(json.Number); ok {
			f, err := n.Float64()
			if err != nil {
				return Value{}, fmt.Errorf("%w: %s is not a float", ErrTypeMismatch, n)
			}
			return FloatValue(f), nil
		}
	case TypeText:
		if s, ok := x.(string); ok {
			return TextValue(s), nil
		}
	case TypeObject:
		if m, ok := x.(map[string]any); ok {
			return ObjectValue(normalize(m).(map[string]any)), nil
		}
	}
	return Value{}, fmt.Errorf("%w: want %s, got %s", ErrTypeMismatch, t, jsonKind(x))
}

// normalize turns json.Number leaves back into float64 or int64 so decoded
// objects look like ones built in Go.
func normalize(x any) any {
	switch v := x.(type) {
	case map[string]any:
		for k, e := range v {
			v[k] = normalize(e)
		}
		return v
	case []any:
		for i, e := range v {
			v[i] = normalize(e)
		}
		return v
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		f, _ := v.Float64()
		return f
	default:
		return v
	}
}

func jsonKind(x any) string {
	switch x.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", x)
	}
}
