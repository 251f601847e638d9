//go:build !no_scripts

package script

import (
	"fmt"
	"math"
	"time"

	lua "github.com/yuin/gopher-lua"

	"ditto-agent/internal/thing"
	"ditto-agent/internal/wire"
)

const maxFeaturesPerScript = 32

// registerThingModule registers the `thing` global table:
//
//	local f = thing.feature("thermostat", {"org.example:Thermostat:1.0.0"})
//	f.property("temperature", "float", function() return 21.5 end,
//	    {category = "status", channel = "telemetry", min_period = "5s"})
//	f.command("setTarget", "float", "bool", function(x) return x < 30 end)
//	thing.log("info", "ready")
func registerThingModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("feature", L.NewFunction(func(L *lua.LState) int {
		return thingFeature(L, vm, e)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return thingLog(L, vm, e)
	}))
	mod.RawSetString("now", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(float64(time.Now().UnixMilli()) / 1000))
		return 1
	}))

	L.SetGlobal("thing", mod)
}

// thing.feature(id [, definitions]) returns a table with property and
// command functions bound to the new feature.
func thingFeature(L *lua.LState, vm *scriptVM, e *Engine) int {
	id := L.CheckString(1)
	var defs []string
	if tbl := L.OptTable(2, nil); tbl != nil {
		tbl.ForEach(func(_, v lua.LValue) { defs = append(defs, v.String()) })
	}
	if len(vm.features) >= maxFeaturesPerScript {
		L.RaiseError("too many features (max %d)", maxFeaturesPerScript)
		return 0
	}
	f := thing.NewFeature(id, defs...)
	vm.features = append(vm.features, f)

	tbl := L.NewTable()
	tbl.RawSetString("property", L.NewFunction(func(L *lua.LState) int {
		return featureProperty(L, vm, e, f)
	}))
	tbl.RawSetString("command", L.NewFunction(func(L *lua.LState) int {
		return featureCommand(L, vm, e, f)
	}))
	L.Push(tbl)
	return 1
}

// f.property(name, type, provider [, opts])
func featureProperty(L *lua.LState, vm *scriptVM, e *Engine, f *thing.Feature) int {
	name := L.CheckString(1)
	typ := checkType(L, 2)
	fn := L.CheckFunction(3)
	opts := L.OptTable(4, L.NewTable())

	if typ == wire.TypeVoid {
		L.ArgError(2, "a property cannot be void")
		return 0
	}
	category := thing.Status
	if v := opts.RawGetString("category"); v != lua.LNil {
		c, err := thing.ParseCategory(v.String())
		if err != nil {
			L.ArgError(4, err.Error())
			return 0
		}
		category = c
	}
	channel := thing.Telemetry
	if v := opts.RawGetString("channel"); v != lua.LNil {
		ch, err := thing.ParseChannel(v.String())
		if err != nil {
			L.ArgError(4, err.Error())
			return 0
		}
		channel = ch
	}
	var period time.Duration
	if v := opts.RawGetString("min_period"); v != lua.LNil {
		d, err := time.ParseDuration(v.String())
		if err != nil {
			L.ArgError(4, "min_period: "+err.Error())
			return 0
		}
		period = d
	}

	provider := thing.DynamicProvider(typ, func() (wire.Value, error) {
		ret, err := e.call(vm, fn, nil)
		if err == nil {
			var v wire.Value
			if v, err = luaToValue(typ, ret); err == nil {
				return v, nil
			}
		}
		e.logger.Warn("script provider failed", "script", vm.id, "feature", f.ID(), "property", name, "err", err)
		return wire.Value{}, err
	})
	f.AddProperty(name, category, channel, provider, period)
	return 0
}

// f.command(name, arg_type, result_type, handler)
func featureCommand(L *lua.LState, vm *scriptVM, e *Engine, f *thing.Feature) int {
	name := L.CheckString(1)
	argType := checkType(L, 2)
	resultType := checkType(L, 3)
	fn := L.CheckFunction(4)

	f.AddCommand(name, thing.Dynamic(argType, resultType, func(arg wire.Value) (wire.Value, error) {
		var in *wire.Value
		if argType != wire.TypeVoid {
			in = &arg
		}
		ret, err := e.call(vm, fn, in)
		if err != nil {
			return wire.Value{}, fmt.Errorf("script %s: %w", vm.id, err)
		}
		return luaToValue(resultType, ret)
	}))
	return 0
}

// thing.log(level, msg)
func thingLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)
	switch level {
	case "debug":
		e.logger.Debug(msg, "script", vm.id)
	case "warn":
		e.logger.Warn(msg, "script", vm.id)
	case "error":
		e.logger.Error(msg, "script", vm.id)
	default:
		e.logger.Info(msg, "script", vm.id)
	}
	return 0
}

func checkType(L *lua.LState, n int) wire.Type {
	t, err := wire.ParseType(L.CheckString(n))
	if err != nil {
		L.ArgError(n, err.Error())
	}
	return t
}

// luaToValue converts a script result to a value of type t.
func luaToValue(t wire.Type, lv lua.LValue) (wire.Value, error) {
	mismatch := func() (wire.Value, error) {
		return wire.Value{}, fmt.Errorf("%w: want %s, got %s", wire.ErrTypeMismatch, t, lv.Type())
	}
	switch t {
	case wire.TypeVoid:
		return wire.VoidValue(), nil
	case wire.TypeBool:
		if b, ok := lv.(lua.LBool); ok {
			return wire.BoolValue(bool(b)), nil
		}
	case wire.TypeInt:
		if n, ok := lv.(lua.LNumber); ok {
			f := float64(n)
			if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
				return wire.IntValue(int64(f)), nil
			}
		}
	case wire.TypeUInt:
		if n, ok := lv.(lua.LNumber); ok {
			f := float64(n)
			if f == math.Trunc(f) && f >= 0 && f < math.MaxUint64 {
				return wire.UIntValue(uint64(f)), nil
			}
		}
	case wire.TypeFloat:
		if n, ok := lv.(lua.LNumber); ok {
			return wire.FloatValue(float64(n)), nil
		}
	case wire.TypeText:
		if s, ok := lv.(lua.LString); ok {
			return wire.TextValue(string(s)), nil
		}
	case wire.TypeObject:
		if tbl, ok := lv.(*lua.LTable); ok {
			if m, ok := tableToGo(tbl).(map[string]any); ok {
				return wire.ObjectValue(m), nil
			}
		}
	}
	return mismatch()
}

// tableToGo converts a table to a slice when its keys are exactly 1..n and
// to a map otherwise. Integral numbers become int64.
func tableToGo(tbl *lua.LTable) any {
	n := tbl.Len()
	count := 0
	tbl.ForEach(func(_, _ lua.LValue) { count++ })
	if n > 0 && n == count {
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			out = append(out, luaToGo(tbl.RawGetInt(i)))
		}
		return out
	}
	out := make(map[string]any, count)
	tbl.ForEach(func(k, v lua.LValue) {
		out[k.String()] = luaToGo(v)
	})
	return out
}

func luaToGo(lv lua.LValue) any {
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LString:
		return string(v)
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			return int64(f)
		}
		return f
	case *lua.LTable:
		return tableToGo(v)
	default:
		return lv.String()
	}
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case wire.Object:
		return mapToLua(L, val)
	case map[string]any:
		return mapToLua(L, val)
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

func mapToLua(L *lua.LState, m map[string]any) *lua.LTable {
	t := L.NewTable()
	for k, v := range m {
		t.RawSetString(k, goToLua(L, v))
	}
	return t
}
