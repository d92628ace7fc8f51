// Package workflow loads stored workflow documents.
//
// A document holds the nodes, edges and chat configuration of one app.
// Documents are JSON or YAML and are checked against an embedded JSON
// Schema before they are decoded, so structural mistakes are reported with
// their location instead of surfacing as graph errors mid-run.
package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch"
)

// Format is the encoding of a document.
type Format string

// Supported formats.
const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ErrUnsupportedFormat indicates a format other than JSON or YAML.
var ErrUnsupportedFormat = errors.New("unsupported workflow format")

// Document is a stored workflow.
type Document struct {
	Nodes      []dispatch.Node     `json:"nodes"`
	Edges      []dispatch.Edge     `json:"edges"`
	ChatConfig dispatch.ChatConfig `json:"chatConfig"`
	// Variables are defaults merged under the caller's variables.
	Variables map[string]any `json:"variables,omitempty"`
}

// Request builds a dispatch request for query. The request shares the
// document's nodes and edges, which the engine does not modify.
func (d *Document) Request(query string) dispatch.Request {
	vars := make(map[string]any, len(d.Variables))
	for k, v := range d.Variables {
		vars[k] = v
	}
	return dispatch.Request{
		Nodes:      d.Nodes,
		Edges:      d.Edges,
		Variables:  vars,
		Query:      query,
		ChatConfig: d.ChatConfig,
	}
}

// ValidationError lists the schema violations of a document.
type ValidationError struct {
	Violations []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Violations) == 1 {
		return "invalid workflow: " + e.Violations[0]
	}
	return fmt.Sprintf("invalid workflow: %d violations: %s", len(e.Violations), strings.Join(e.Violations, "; "))
}

// Parse decodes and validates a document.
func Parse(data []byte, format Format) (*Document, error) {
	var raw []byte
	switch format {
	case FormatJSON:
		raw = data
	case FormatYAML:
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("convert yaml: %w", err)
		}
		raw = b
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	if err := documentSchema.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return nil, &ValidationError{Violations: collectViolations(verr)}
		}
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return &doc, nil
}

// Load reads a document, choosing the format by extension
// (.json, .yaml or .yml).
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		return Parse(data, FormatJSON)
	case ".yaml", ".yml":
		return Parse(data, FormatYAML)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// collectViolations walks the error tree down to its leaves.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
