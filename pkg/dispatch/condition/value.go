package condition

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// IsTruthy returns whether a value is truthy.
// nil is false, bools return their value, empty strings and "false" are
// false, zero numbers are false, empty collections are false.
func IsTruthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && !strings.EqualFold(val, "false")
	case int, int32, int64, float32, float64:
		return ToFloat64(val) != 0
	}
	if n, ok := length(v); ok {
		return n > 0
	}
	return true
}

// IsEmpty reports nil, "", and empty slices or maps.
func IsEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	if n, ok := length(v); ok {
		return n == 0
	}
	return false
}

// ToFloat64 converts a value to float64 for numeric comparison. Non-numeric
// values give 0.
func ToFloat64(v any) float64 {
	f, _ := toNumber(v)
	return f
}

// ToNumber is ToFloat64 that also reports whether v was numeric.
func ToNumber(v any) (float64, bool) {
	return toNumber(v)
}

func toNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// Stringify renders a value for string comparison: strings as-is, other
// values as JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// length returns the length of strings, slices, arrays and maps.
func length(v any) (int, bool) {
	if s, ok := v.(string); ok {
		return len([]rune(s)), true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len(), true
	default:
		return 0, false
	}
}
