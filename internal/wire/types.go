package wire

import (
	"fmt"
	"strings"
)

// Type is the closed set of value shapes a property or command can carry.
type Type uint8

// Wire types.
const (
	TypeVoid Type = iota
	TypeBool
	TypeInt
	TypeUInt
	TypeFloat
	TypeText
	TypeObject
)

// Types lists every wire type in declaration order.
var Types = []Type{TypeVoid, TypeBool, TypeInt, TypeUInt, TypeFloat, TypeText, TypeObject}

// Valid reports whether t is one of the declared wire types.
func (t Type) Valid() bool {
	return t <= TypeObject
}

func (t Type) String() string {
	switch t {
	case TypeVoid:
		return "void"
	case TypeBool:
		return "bool"
	case TypeInt:
		return "int"
	case TypeUInt:
		return "uint"
	case TypeFloat:
		return "float"
	case TypeText:
		return "text"
	case TypeObject:
		return "object"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// MarshalText encodes the type by name, so descriptions render readably in JSON.
func (t Type) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid wire type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

// ParseType resolves a type name. Besides the canonical names it accepts the
// common aliases used by device firmware ("long", "unsigned_long", "double",
// "string", "json").
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "void", "":
		return TypeVoid, nil
	case "bool", "boolean":
		return TypeBool, nil
	case "int", "long", "integer":
		return TypeInt, nil
	case "uint", "unsigned_long", "ulong":
		return TypeUInt, nil
	case "float", "double", "number":
		return TypeFloat, nil
	case "text", "string":
		return TypeText, nil
	case "object", "json":
		return TypeObject, nil
	default:
		return TypeVoid, fmt.Errorf("unknown wire type %q", s)
	}
}

// mustValid panics on a tag outside the closed set. Such a tag can only come
// from a programming error, never from the network.
func mustValid(t Type) {
	if !t.Valid() {
		panic(fmt.Sprintf("wire: invalid type tag %d", uint8(t)))
	}
}
