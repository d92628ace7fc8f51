package dispatch

import (
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/llm"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/retrieval"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/sandbox"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/template"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/usage"
)

// Engine runs workflows. It holds the executor registry and the
// collaborators shared by every dispatch; per-dispatch state lives in the
// run. An Engine is safe for concurrent use.
type Engine struct {
	registry  *Registry
	model     llm.Gateway
	retriever retrieval.Retriever
	sandbox   sandbox.Sandbox
	ledger    usage.Ledger
	pricing   usage.Pricing
	defaults  []RunOption
	expander  *template.Expander
}

// NewEngine creates an engine dispatching to the executors in registry.
func NewEngine(registry *Registry, opts ...EngineOption) *Engine {
	if registry == nil {
		registry = NewRegistry()
	}
	e := &Engine{
		registry: registry,
		expander: template.NewExpander(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the executor registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Pricing returns the model pricing used for usage records.
func (e *Engine) Pricing() usage.Pricing {
	return e.pricing
}
