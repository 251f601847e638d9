package main

import (
	"encoding/json"
	"fmt"

	"ditto-agent/internal/wire"
)

// attributeValue converts a YAML scalar or mapping to a wire value.
func attributeValue(v any) (wire.Value, error) {
	switch x := v.(type) {
	case bool:
		return wire.BoolValue(x), nil
	case int:
		return wire.IntValue(int64(x)), nil
	case int64:
		return wire.IntValue(x), nil
	case uint64:
		return wire.UIntValue(x), nil
	case float64:
		return wire.FloatValue(x), nil
	case string:
		return wire.TextValue(x), nil
	case map[string]any:
		raw, err := json.Marshal(x)
		if err != nil {
			return wire.Value{}, err
		}
		return wire.Decode(wire.TypeObject, raw)
	}
	return wire.Value{}, fmt.Errorf("unsupported attribute value %T", v)
}
