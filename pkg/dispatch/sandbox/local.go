package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/itchyny/gojq"
)

// DefaultLimits apply when a request leaves a limit at zero.
var DefaultLimits = Limits{
	Timeout:        5 * time.Second,
	MaxOutputBytes: 1 << 20,
}

// Local is an in-process Sandbox. Compiled programs are cached per language
// and source, so it is cheap to reuse one Local across runs.
type Local struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
	queries  map[string]*gojq.Code
}

// NewLocal creates a local sandbox.
func NewLocal() *Local {
	return &Local{
		programs: make(map[string]*vm.Program),
		queries:  make(map[string]*gojq.Code),
	}
}

// Run implements Sandbox.
func (l *Local) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Code == "" {
		return nil, ErrEmptyCode
	}
	limits := req.Limits
	if limits.Timeout <= 0 {
		limits.Timeout = DefaultLimits.Timeout
	}
	if limits.MaxOutputBytes <= 0 {
		limits.MaxOutputBytes = DefaultLimits.MaxOutputBytes
	}
	vars, err := normalize(req.Variables)
	if err != nil {
		return nil, fmt.Errorf("sandbox variables: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	var value any
	switch req.Language {
	case LanguageExpr, "":
		value, err = l.runExpr(ctx, req.Code, vars)
	case LanguageJQ:
		value, err = l.runJQ(ctx, req.Code, vars)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, req.Language)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return &Result{Error: err.Error(), Logs: []string{err.Error()}}, nil
	}

	out := toOutput(value)
	encoded, err := json.Marshal(out)
	if err != nil {
		return &Result{Error: fmt.Sprintf("encode result: %v", err)}, nil
	}
	if len(encoded) > limits.MaxOutputBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrOutputTooLarge, len(encoded), limits.MaxOutputBytes)
	}
	return &Result{Output: out}, nil
}

func (l *Local) runExpr(ctx context.Context, code string, vars map[string]any) (any, error) {
	prg, err := l.program(code, vars)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := vm.Run(prg, vars)
		done <- outcome{value: v, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-done:
		return o.value, o.err
	}
}

func (l *Local) program(code string, vars map[string]any) (*vm.Program, error) {
	l.mu.RLock()
	prg, ok := l.programs[code]
	l.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := expr.Compile(code, expr.Env(vars), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	l.mu.Lock()
	l.programs[code] = prg
	l.mu.Unlock()
	return prg, nil
}

func (l *Local) runJQ(ctx context.Context, code string, vars map[string]any) (any, error) {
	q, err := l.query(code)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := q.RunWithContext(ctx, vars)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, err
		}
		results = append(results, v)
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (l *Local) query(code string) (*gojq.Code, error) {
	l.mu.RLock()
	q, ok := l.queries[code]
	l.mu.RUnlock()
	if ok {
		return q, nil
	}

	parsed, err := gojq.Parse(code)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	q, err = gojq.Compile(parsed, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	l.mu.Lock()
	l.queries[code] = q
	l.mu.Unlock()
	return q, nil
}

// normalize turns arbitrary Go values into JSON-shaped values, which is what
// gojq requires and keeps expr environments uniform.
func normalize(vars map[string]any) (map[string]any, error) {
	if len(vars) == 0 {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(vars)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(vars))
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// toOutput maps a program value onto output keys: objects spread into keys,
// anything else lands under "result".
func toOutput(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"result": v}
}

var _ Sandbox = (*Local)(nil)
