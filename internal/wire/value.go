package wire

import (
	"encoding/json"
	"fmt"
	"math"
)

// Object is a structured value. Keys are encoded sorted, which makes its JSON
// form canonical.
type Object map[string]any

// Clone returns a deep copy of o. Nested objects and arrays are copied;
// scalars are shared.
func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	out := make(Object, len(o))
	for k, v := range o {
		out[k] = cloneAny(v)
	}
	return out
}

func cloneAny(x any) any {
	switch v := x.(type) {
	case map[string]any:
		return map[string]any(Object(v).Clone())
	case Object:
		return v.Clone()
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneAny(e)
		}
		return out
	default:
		return v
	}
}

// Value is a tagged value of one wire type. The zero Value is Void.
type Value struct {
	typ  Type
	bits uint64 // bool, int, uint and float payloads
	text string
	obj  Object
}

func VoidValue() Value { return Value{typ: TypeVoid} }

func BoolValue(b bool) Value {
	v := Value{typ: TypeBool}
	if b {
		v.bits = 1
	}
	return v
}

func IntValue(i int64) Value     { return Value{typ: TypeInt, bits: uint64(i)} }
func UIntValue(u uint64) Value   { return Value{typ: TypeUInt, bits: u} }
func FloatValue(f float64) Value { return Value{typ: TypeFloat, bits: math.Float64bits(f)} }
func TextValue(s string) Value   { return Value{typ: TypeText, text: s} }

// ObjectValue wraps o. A nil map is stored as an empty object.
func ObjectValue(o Object) Value {
	if o == nil {
		o = Object{}
	}
	return Value{typ: TypeObject, obj: o}
}

func (v Value) Type() Type     { return v.typ }
func (v Value) Bool() bool     { return v.bits != 0 }
func (v Value) Int() int64     { return int64(v.bits) }
func (v Value) UInt() uint64   { return v.bits }
func (v Value) Float() float64 { return math.Float64frombits(v.bits) }
func (v Value) Text() string   { return v.text }
func (v Value) Object() Object { return v.obj }
func (v Value) IsVoid() bool   { return v.typ == TypeVoid }

// Interface returns the payload as a plain Go value (nil for Void).
func (v Value) Interface() any {
	mustValid(v.typ)
	switch v.typ {
	case TypeVoid:
		return nil
	case TypeBool:
		return v.Bool()
	case TypeInt:
		return v.Int()
	case TypeUInt:
		return v.UInt()
	case TypeFloat:
		return v.Float()
	case TypeText:
		return v.text
	case TypeObject:
		return v.obj
	}
	panic("unreachable")
}

// Fingerprint returns the 64-bit change-detection representation of v.
// Scalars are reinterpreted losslessly; Text and Object are hashed with
// HashText and HashObject.
func (v Value) Fingerprint() int64 {
	mustValid(v.typ)
	switch v.typ {
	case TypeVoid:
		return 0
	case TypeBool, TypeInt, TypeUInt, TypeFloat:
		return int64(v.bits)
	case TypeText:
		return HashText(v.text)
	case TypeObject:
		return HashObject(v.obj)
	}
	panic("unreachable")
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.typ == TypeFloat {
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return []byte("null"), nil
		}
	}
	return json.Marshal(v.Interface())
}

func (v Value) String() string {
	if v.typ == TypeVoid {
		return "void"
	}
	return fmt.Sprintf("%s(%v)", v.typ, v.Interface())
}
