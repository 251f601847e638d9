package thing

import (
	"errors"
	"fmt"

	"ditto-agent/internal/wire"
)

// ErrHandlerPanic is returned by Invoke when the bound handler panicked.
var ErrHandlerPanic = errors.New("command handler panicked")

// Scalar is the set of Go types that map one-to-one onto non-void wire types.
type Scalar interface {
	bool | int64 | uint64 | float64 | string | wire.Object
}

// Handler binds a command callable to its argument and result types. Build
// one with Func, Action, Query, Do or Dynamic.
type Handler struct {
	arg    wire.Type
	result wire.Type
	fn     func(wire.Value) (wire.Value, error)
}

func (h Handler) ArgType() wire.Type    { return h.arg }
func (h Handler) ResultType() wire.Type { return h.result }

// Func binds a handler taking A and returning R.
func Func[A, R Scalar](fn func(A) R) Handler {
	return Handler{
		arg:    typeOf[A](),
		result: typeOf[R](),
		fn: func(v wire.Value) (wire.Value, error) {
			return toValue(fn(fromValue[A](v))), nil
		},
	}
}

// Action binds a handler taking A with no result.
func Action[A Scalar](fn func(A)) Handler {
	return Handler{
		arg:    typeOf[A](),
		result: wire.TypeVoid,
		fn: func(v wire.Value) (wire.Value, error) {
			fn(fromValue[A](v))
			return wire.VoidValue(), nil
		},
	}
}

// Query binds a handler without argument returning R.
func Query[R Scalar](fn func() R) Handler {
	return Handler{
		arg:    wire.TypeVoid,
		result: typeOf[R](),
		fn: func(wire.Value) (wire.Value, error) {
			return toValue(fn()), nil
		},
	}
}

// Do binds a handler with neither argument nor result.
func Do(fn func()) Handler {
	return Handler{
		arg:    wire.TypeVoid,
		result: wire.TypeVoid,
		fn: func(wire.Value) (wire.Value, error) {
			fn()
			return wire.VoidValue(), nil
		},
	}
}

// Dynamic binds a handler whose types are only known at runtime. The result
// type is checked on every call.
func Dynamic(arg, result wire.Type, fn func(wire.Value) (wire.Value, error)) Handler {
	if !arg.Valid() || !result.Valid() {
		panic(fmt.Sprintf("thing: invalid handler types %s -> %s", arg, result))
	}
	return Handler{arg: arg, result: result, fn: fn}
}

// Command is a named, typed, remotely invocable action. Immutable once added
// to a feature.
type Command struct {
	name    string
	handler Handler
}

func (c *Command) Name() string          { return c.name }
func (c *Command) ArgType() wire.Type    { return c.handler.arg }
func (c *Command) ResultType() wire.Type { return c.handler.result }

// Invoke runs the handler with arg. The argument must carry the declared
// argument type; a result of the wrong type is reported as an error.
func (c *Command) Invoke(arg wire.Value) (res wire.Value, err error) {
	if arg.Type() != c.handler.arg {
		return wire.Value{}, fmt.Errorf("command %s: argument %w: want %s, got %s",
			c.name, wire.ErrTypeMismatch, c.handler.arg, arg.Type())
	}
	defer func() {
		if r := recover(); r != nil {
			res, err = wire.Value{}, fmt.Errorf("command %s: %w: %v", c.name, ErrHandlerPanic, r)
		}
	}()
	res, err = c.handler.fn(arg)
	if err != nil {
		return wire.Value{}, err
	}
	if res.Type() != c.handler.result {
		return wire.Value{}, fmt.Errorf("command %s: result %w: want %s, got %s",
			c.name, wire.ErrTypeMismatch, c.handler.result, res.Type())
	}
	return res, nil
}

func typeOf[T Scalar]() wire.Type {
	var zero T
	switch any(zero).(type) {
	case bool:
		return wire.TypeBool
	case int64:
		return wire.TypeInt
	case uint64:
		return wire.TypeUInt
	case float64:
		return wire.TypeFloat
	case string:
		return wire.TypeText
	case wire.Object:
		return wire.TypeObject
	}
	panic(fmt.Sprintf("thing: unsupported scalar %T", zero))
}

func toValue[T Scalar](x T) wire.Value {
	switch v := any(x).(type) {
	case bool:
		return wire.BoolValue(v)
	case int64:
		return wire.IntValue(v)
	case uint64:
		return wire.UIntValue(v)
	case float64:
		return wire.FloatValue(v)
	case string:
		return wire.TextValue(v)
	case wire.Object:
		return wire.ObjectValue(v)
	}
	panic(fmt.Sprintf("thing: unsupported scalar %T", x))
}

func fromValue[T Scalar](v wire.Value) T {
	var out any
	switch v.Type() {
	case wire.TypeBool:
		out = v.Bool()
	case wire.TypeInt:
		out = v.Int()
	case wire.TypeUInt:
		out = v.UInt()
	case wire.TypeFloat:
		out = v.Float()
	case wire.TypeText:
		out = v.Text()
	case wire.TypeObject:
		out = v.Object()
	default:
		panic(fmt.Sprintf("thing: cannot convert %s to a scalar", v.Type()))
	}
	return out.(T)
}
