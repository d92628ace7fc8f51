package dispatch

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch/condition"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/usage"
)

// Executor runs one node type.
//
// Execute receives the node's resolved inputs. Returning an error fails the
// node; the engine routes it to the error handle when the node has
// catchError set. Executors must not retain ctx or in after returning.
type Executor interface {
	Execute(ctx Context, in Inputs) (*NodeResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx Context, in Inputs) (*NodeResult, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx Context, in Inputs) (*NodeResult, error) {
	return f(ctx, in)
}

// TimeoutExecutor is implemented by executors that bound their own run time.
type TimeoutExecutor interface {
	Timeout(node *Node) time.Duration
}

// NodeResult is what an executor produced.
type NodeResult struct {
	// Outputs become visible to references once the node completes.
	Outputs map[string]any
	// Handles selects the out-handles to activate; every other outgoing
	// edge is skipped. Nil activates all outgoing edges.
	Handles []string
	Usage   []usage.Record
	// AnswerText is appended to the assistant response.
	AnswerText string
	// Variables are merged into the global variables after the node
	// completes.
	Variables map[string]any
	// Interactive suspends the run.
	Interactive *Interactive
	// Silent nodes produce no NodeResponse.
	Silent bool
	Detail *Detail
}

// Inputs are the resolved input values of a node, keyed by input key.
type Inputs map[string]any

// Get returns the raw value.
func (in Inputs) Get(key string) any { return in[key] }

// Has reports whether key resolved to a non-nil value.
func (in Inputs) Has(key string) bool { return in[key] != nil }

// String returns the value as text; nil gives "".
func (in Inputs) String(key string) string {
	return condition.Stringify(in[key])
}

// Int returns the value as an int, or defaultVal.
func (in Inputs) Int(key string, defaultVal int) int {
	if f, ok := condition.ToNumber(in[key]); ok {
		return int(f)
	}
	return defaultVal
}

// Float returns the value as a float64, or defaultVal.
func (in Inputs) Float(key string, defaultVal float64) float64 {
	if f, ok := condition.ToNumber(in[key]); ok {
		return f
	}
	return defaultVal
}

// Bool returns the value's truthiness, or defaultVal when unset.
func (in Inputs) Bool(key string, defaultVal bool) bool {
	v, ok := in[key]
	if !ok || v == nil {
		return defaultVal
	}
	return condition.IsTruthy(v)
}

// Slice returns the value when it is a list.
func (in Inputs) Slice(key string) []any {
	switch v := in[key].(type) {
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out
	}
	return nil
}

// Map returns the value when it is an object.
func (in Inputs) Map(key string) map[string]any {
	m, _ := in[key].(map[string]any)
	return m
}

// Registry maps node types to executors. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[NodeType]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[NodeType]Executor)}
}

// Register adds or replaces the executor for t.
func (r *Registry) Register(t NodeType, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[t] = e
}

// RegisterFunc registers a function executor.
func (r *Registry) RegisterFunc(t NodeType, fn func(ctx Context, in Inputs) (*NodeResult, error)) {
	r.Register(t, ExecutorFunc(fn))
}

// Get returns the executor for t.
func (r *Registry) Get(t NodeType) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[t]
	return e, ok
}

// MustGet returns the executor for t, panicking if none is registered.
func (r *Registry) MustGet(t NodeType) Executor {
	e, ok := r.Get(t)
	if !ok {
		panic(fmt.Sprintf("dispatch: no executor for node type %q", t))
	}
	return e
}

// Has reports whether t has an executor.
func (r *Registry) Has(t NodeType) bool {
	_, ok := r.Get(t)
	return ok
}

// Types returns the registered node types, sorted.
func (r *Registry) Types() []NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeType, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
