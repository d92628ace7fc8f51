package template

import (
	"encoding/json"
	"regexp"
	"strings"
)

// anyPattern matches either placeholder form. Groups 1 and 2 are the node
// form, group 3 the variable form.
var anyPattern = regexp.MustCompile(`\{\{\$([^.${}]+)\.([^${}]+)\$\}\}|\{\{([^${}][^{}]*)\}\}`)

// ExpandJSON expands placeholders in a JSON document in one pass.
//
// Inside a string literal a placeholder becomes the value's text, escaped
// for the literal, or nothing when unresolved. Elsewhere it becomes the
// value encoded as JSON, or null when unresolved. A string value that is
// itself a JSON document is inserted as is.
func (e *Expander) ExpandJSON(s string, vars map[string]any, outputs OutputFunc) string {
	if !strings.Contains(s, "{{") {
		return s
	}

	var b strings.Builder
	inString := false
	last := 0
	for _, m := range anyPattern.FindAllStringSubmatchIndex(s, -1) {
		inString = scanQuotes(s[last:m[0]], inString)
		b.WriteString(s[last:m[0]])
		last = m[1]

		var (
			v  any
			ok bool
		)
		if m[2] >= 0 {
			if outputs != nil {
				v, ok = outputs(s[m[2]:m[3]], s[m[4]:m[5]])
			}
		} else {
			v, ok = vars[strings.TrimSpace(s[m[6]:m[7]])]
		}

		switch {
		case inString && ok:
			b.WriteString(escapeInString(Format(v)))
		case inString:
		case !ok || v == nil:
			b.WriteString("null")
		default:
			b.WriteString(encodeJSON(v))
		}
	}
	b.WriteString(s[last:])
	return b.String()
}

// scanQuotes reports whether a JSON string literal is open after text,
// given whether one was open before it.
func scanQuotes(text string, open bool) bool {
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '\\':
			if open {
				i++
			}
		case '"':
			open = !open
		}
	}
	return open
}

func escapeInString(text string) string {
	data, _ := json.Marshal(text)
	return string(data[1 : len(data)-1])
}

func encodeJSON(v any) string {
	if s, ok := v.(string); ok {
		if trimmed := strings.TrimSpace(s); trimmed != "" && json.Valid([]byte(trimmed)) {
			return trimmed
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}
