// Package template expands references inside prompt and answer text.
//
// Two placeholder forms are supported:
//
//	{{$nodeId.outputKey$}}  output of another node
//	{{name}}                global variable
//
// Values that are not strings are rendered as JSON. Expansion repeats while
// the text changes, so a variable may itself contain placeholders, up to a
// fixed depth.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// MaxDepth bounds nested expansion.
const MaxDepth = 10

var (
	// nodePattern matches {{$nodeId.key$}}.
	nodePattern = regexp.MustCompile(`\{\{\$([^.${}]+)\.([^${}]+)\$\}\}`)

	// varPattern matches {{name}}; names may not start with $.
	varPattern = regexp.MustCompile(`\{\{([^${}][^{}]*)\}\}`)
)

// OutputFunc looks up a node output.
type OutputFunc func(nodeID, key string) (any, bool)

// MissingAction specifies how to handle unresolved placeholders.
type MissingAction int

const (
	// MissingKeep keeps the placeholder as-is. This is the default.
	MissingKeep MissingAction = iota

	// MissingEmpty replaces the placeholder with an empty string.
	MissingEmpty

	// MissingError returns an UndefinedError listing every missing name.
	MissingError
)

// Expander expands placeholders.
type Expander struct {
	missingAction MissingAction
	maxDepth      int
}

// Option configures an Expander.
type Option func(*Expander)

// WithMissingAction sets how unresolved placeholders are handled.
func WithMissingAction(action MissingAction) Option {
	return func(e *Expander) { e.missingAction = action }
}

// WithMaxDepth overrides MaxDepth.
func WithMaxDepth(depth int) Option {
	return func(e *Expander) {
		if depth > 0 {
			e.maxDepth = depth
		}
	}
}

// NewExpander creates an expander.
func NewExpander(opts ...Option) *Expander {
	e := &Expander{maxDepth: MaxDepth}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// UndefinedError lists placeholders that could not be resolved.
type UndefinedError struct {
	Names []string
}

func (e *UndefinedError) Error() string {
	return fmt.Sprintf("undefined references: %s", strings.Join(e.Names, ", "))
}

// Expand replaces placeholders in s with node outputs and variables.
// outputs may be nil.
func (e *Expander) Expand(s string, vars map[string]any, outputs OutputFunc) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	var missing []string
	seen := make(map[string]bool)
	miss := func(name, match string) string {
		switch e.missingAction {
		case MissingEmpty:
			return ""
		case MissingError:
			if !seen[name] {
				seen[name] = true
				missing = append(missing, name)
			}
		}
		return match
	}

	result := s
	for depth := 0; depth < e.maxDepth; depth++ {
		next := nodePattern.ReplaceAllStringFunc(result, func(match string) string {
			parts := nodePattern.FindStringSubmatch(match)
			if outputs != nil {
				if v, ok := outputs(parts[1], parts[2]); ok {
					return Format(v)
				}
			}
			return miss(parts[1]+"."+parts[2], match)
		})
		next = varPattern.ReplaceAllStringFunc(next, func(match string) string {
			name := strings.TrimSpace(match[2 : len(match)-2])
			if v, ok := vars[name]; ok {
				return Format(v)
			}
			return miss(name, match)
		})
		if next == result {
			break
		}
		result = next
	}

	if len(missing) > 0 {
		return result, &UndefinedError{Names: missing}
	}
	return result, nil
}

// Format renders a value for substitution.
func Format(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case int, int64, float64, bool:
		return fmt.Sprint(val)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
