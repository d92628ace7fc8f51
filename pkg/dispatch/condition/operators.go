// Package condition evaluates the branch conditions of conditional nodes:
// structured comparisons between a resolved value and a literal, and CEL
// expressions over variables and node outputs.
package condition

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// Operator names a comparison.
type Operator string

// Supported operators.
const (
	OpIsEmpty              Operator = "isEmpty"
	OpIsNotEmpty           Operator = "isNotEmpty"
	OpEqualTo              Operator = "equalTo"
	OpNotEqual             Operator = "notEqual"
	OpGreaterThan          Operator = "greaterThan"
	OpGreaterThanOrEqualTo Operator = "greaterThanOrEqualTo"
	OpLessThan             Operator = "lessThan"
	OpLessThanOrEqualTo    Operator = "lessThanOrEqualTo"
	OpInclude              Operator = "include"
	OpNotInclude           Operator = "notInclude"
	OpStartWith            Operator = "startWith"
	OpEndWith              Operator = "endWith"
	OpRegex                Operator = "reg"
	OpLengthEqualTo        Operator = "lengthEqualTo"
	OpLengthNotEqualTo     Operator = "lengthNotEqualTo"
	OpLengthGreaterThan    Operator = "lengthGreaterThan"
	OpLengthLessThan       Operator = "lengthLessThan"
)

// Logic joins the items of a condition group.
type Logic string

// Group logic.
const (
	And Logic = "AND"
	Or  Logic = "OR"
)

// Item is one evaluated comparison.
type Item struct {
	Left     any
	Operator Operator
	Right    any
}

// Compare applies op to left and right. Numeric operators compare as
// numbers; equality compares numbers numerically when both sides are
// numeric and as strings otherwise.
func Compare(left any, op Operator, right any) (bool, error) {
	switch op {
	case OpIsEmpty:
		return IsEmpty(left), nil
	case OpIsNotEmpty:
		return !IsEmpty(left), nil
	case OpEqualTo:
		return equal(left, right), nil
	case OpNotEqual:
		return !equal(left, right), nil
	case OpGreaterThan, OpGreaterThanOrEqualTo, OpLessThan, OpLessThanOrEqualTo:
		l, lok := toNumber(left)
		r, rok := toNumber(right)
		if !lok || !rok {
			return false, nil
		}
		switch op {
		case OpGreaterThan:
			return l > r, nil
		case OpGreaterThanOrEqualTo:
			return l >= r, nil
		case OpLessThan:
			return l < r, nil
		default:
			return l <= r, nil
		}
	case OpInclude:
		return includes(left, right), nil
	case OpNotInclude:
		return !includes(left, right), nil
	case OpStartWith:
		return strings.HasPrefix(Stringify(left), Stringify(right)), nil
	case OpEndWith:
		return strings.HasSuffix(Stringify(left), Stringify(right)), nil
	case OpRegex:
		re, err := regexp.Compile(Stringify(right))
		if err != nil {
			return false, fmt.Errorf("invalid pattern %q: %w", Stringify(right), err)
		}
		return re.MatchString(Stringify(left)), nil
	case OpLengthEqualTo, OpLengthNotEqualTo, OpLengthGreaterThan, OpLengthLessThan:
		n, ok := length(left)
		if !ok {
			n = 0
		}
		want := int(ToFloat64(right))
		switch op {
		case OpLengthEqualTo:
			return n == want, nil
		case OpLengthNotEqualTo:
			return n != want, nil
		case OpLengthGreaterThan:
			return n > want, nil
		default:
			return n < want, nil
		}
	default:
		return false, fmt.Errorf("unknown operator: %s", op)
	}
}

// Evaluate joins items with logic. An empty group is false.
func Evaluate(logic Logic, items []Item) (bool, error) {
	if len(items) == 0 {
		return false, nil
	}
	for _, it := range items {
		ok, err := Compare(it.Left, it.Operator, it.Right)
		if err != nil {
			return false, err
		}
		if logic == Or && ok {
			return true, nil
		}
		if logic != Or && !ok {
			return false, nil
		}
	}
	return logic != Or, nil
}

func equal(left, right any) bool {
	if l, lok := toNumber(left); lok {
		if r, rok := toNumber(right); rok {
			if _, isStr := left.(string); !isStr {
				return l == r
			}
			if _, isStr := right.(string); !isStr {
				return l == r
			}
		}
	}
	if lb, ok := left.(bool); ok {
		return Stringify(lb) == strings.ToLower(Stringify(right))
	}
	return Stringify(left) == Stringify(right)
}

func includes(container, item any) bool {
	if s, ok := container.(string); ok {
		return strings.Contains(s, Stringify(item))
	}
	rv := reflect.ValueOf(container)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if equal(rv.Index(i).Interface(), item) {
				return true
			}
		}
		return false
	}
	return strings.Contains(Stringify(container), Stringify(item))
}
