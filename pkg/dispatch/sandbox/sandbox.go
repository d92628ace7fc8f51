// Package sandbox runs user code for codeRun nodes.
//
// The local sandbox supports two side-effect-free languages: expr
// (github.com/expr-lang/expr) and jq (github.com/itchyny/gojq). Node
// variables are the program's environment; the program's value becomes the
// node's outputs.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// Languages understood by Local.
const (
	LanguageExpr = "expr"
	LanguageJQ   = "jq"
)

// Sentinel errors for sandbox runs.
var (
	ErrUnsupportedLanguage = errors.New("unsupported sandbox language")
	ErrEmptyCode           = errors.New("empty code")
	ErrOutputTooLarge      = errors.New("sandbox output exceeds limit")
)

// Sandbox executes code with variables under limits.
type Sandbox interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// Limits bounds a single run.
type Limits struct {
	Timeout        time.Duration `json:"timeout,omitempty"`
	MaxOutputBytes int           `json:"maxOutputBytes,omitempty"`
}

// Request is one code execution.
type Request struct {
	Language  string         `json:"language"`
	Code      string         `json:"code"`
	Variables map[string]any `json:"variables"`
	Limits    Limits         `json:"limits"`
}

// Result is the outcome of a run. Error holds a program failure that the
// caller should surface to the user; the Run error is reserved for
// infrastructure failures and invalid requests.
type Result struct {
	Output map[string]any `json:"output"`
	Logs   []string       `json:"logs,omitempty"`
	Error  string         `json:"error,omitempty"`
}
