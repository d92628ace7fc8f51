package dispatch

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch/condition"
)

// FormatValue coerces v to t. Values that already have the right shape are
// returned unchanged; nil stays nil.
//
//   - string: objects and arrays become JSON, scalars their text
//   - number: numeric text is parsed; "" and non-numeric text give nil
//   - boolean: text compares to "true" case-insensitively, else truthiness
//   - object: JSON object text is parsed, anything else gives an empty map
//   - array types: JSON text is parsed, a scalar is wrapped in a one-item list
//   - chatHistory: a list of messages or a count of recent turns
func FormatValue(t ValueType, v any) any {
	if v == nil || t == "" || t == ValueAny {
		return v
	}
	if matchesType(t, v) {
		return v
	}

	switch t {
	case ValueString:
		return condition.Stringify(v)
	case ValueNumber:
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			return nil
		}
		if f, ok := condition.ToNumber(v); ok {
			return f
		}
		return nil
	case ValueBoolean:
		if s, ok := v.(string); ok {
			return strings.EqualFold(strings.TrimSpace(s), "true")
		}
		return condition.IsTruthy(v)
	case ValueObject:
		if s, ok := v.(string); ok && isJSONText(s) {
			var out map[string]any
			if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &out); err == nil {
				return out
			}
		}
		return map[string]any{}
	case ValueChatHistory:
		if f, ok := condition.ToNumber(v); ok {
			return int(f)
		}
		return v
	}

	if isArrayType(t) {
		if s, ok := v.(string); ok && isJSONText(s) {
			var out []any
			if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &out); err == nil {
				return out
			}
		}
		return []any{v}
	}
	return v
}

func isArrayType(t ValueType) bool {
	return strings.HasPrefix(string(t), "array") || t == ValueDatasetQuote
}

func matchesType(t ValueType, v any) bool {
	kind := reflect.ValueOf(v).Kind()
	switch t {
	case ValueString:
		return kind == reflect.String
	case ValueNumber:
		switch kind {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			return true
		}
		return false
	case ValueBoolean:
		return kind == reflect.Bool
	case ValueObject:
		return kind == reflect.Map || kind == reflect.Struct
	case ValueChatHistory:
		return kind == reflect.Slice || kind == reflect.Int || kind == reflect.Float64
	}
	if isArrayType(t) {
		return kind == reflect.Slice || kind == reflect.Array
	}
	return false
}

func isJSONText(s string) bool {
	s = strings.TrimSpace(s)
	if s == "true" || s == "false" {
		return false
	}
	return (strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")) ||
		(strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]"))
}

// isBlank reports whether a required input is unset.
func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func copyOutputs(in map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(in))
	for id, vals := range in {
		out[id] = copyMap(vals)
	}
	return out
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
