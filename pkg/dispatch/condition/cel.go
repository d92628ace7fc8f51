package condition

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// CEL evaluates boolean CEL expressions. The environment exposes two maps:
// variables (the run's global variables) and nodes (node outputs keyed by
// node id, then output key), e.g. `nodes.classify.score > 0.5 &&
// variables.lang == "en"`. Compiled programs are cached.
type CEL struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCEL creates a CEL evaluator.
func NewCEL() (*CEL, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("variables", mapType),
		cel.Variable("nodes", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CEL{env: env, cache: make(map[string]cel.Program)}, nil
}

// Eval evaluates expression and requires a boolean result.
func (c *CEL) Eval(expression string, variables, nodes map[string]any) (bool, error) {
	prg, err := c.program(expression)
	if err != nil {
		return false, err
	}
	if variables == nil {
		variables = map[string]any{}
	}
	if nodes == nil {
		nodes = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{"variables": variables, "nodes": nodes})
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", expression, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want bool", expression, out.Value())
	}
	return b, nil
}

func (c *CEL) program(expression string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.cache[expression]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, issues.Err())
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expression, err)
	}

	c.mu.Lock()
	c.cache[expression] = prg
	c.mu.Unlock()
	return prg, nil
}
