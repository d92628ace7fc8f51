package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch/observability"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/retry"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/usage"
)

// pending is a node that passed its run-status check and has its inputs
// resolved against the state at that moment.
type pending struct {
	node      *Node
	inputs    Inputs
	err       error
	resume    *Interactive
	variables map[string]any
}

// outcome is what executing a pending node produced.
type outcome struct {
	node     *Node
	result   *NodeResult
	err      error
	attempts int
	duration time.Duration
	replayed bool
	// spent is the usage of attempts that failed.
	spent []usage.Record
}

// prepare resolves the inputs of n. Resolution errors surface when the node
// is executed so they follow the normal failure routing.
func (r *run) prepare(n *Node) *pending {
	p := &pending{node: n, variables: copyMap(r.variables)}

	if r.resume != nil && r.resume.NodeID == n.ID {
		p.resume = r.resume
		r.resume = nil
	}

	injected := copyMap(r.injected[n.ID])
	if it := p.resume; it != nil && it.Type != InteractiveChildren && it.InputKey != "" {
		if injected == nil {
			injected = make(map[string]any)
		}
		injected[it.InputKey] = r.sess.query
	}

	p.inputs, p.err = r.resolveInputs(n, injected)
	return p
}

// resolveInputs applies, per declared input, the injected value, then the
// reference, then the static value with placeholders expanded.
func (r *run) resolveInputs(n *Node, injected map[string]any) (Inputs, error) {
	in := make(Inputs, len(n.Inputs)+len(injected))
	declared := make(map[string]bool, len(n.Inputs))

	for _, decl := range n.Inputs {
		declared[decl.Key] = true

		var v any
		if iv, ok := injected[decl.Key]; ok {
			v = iv
		} else if decl.Reference != nil {
			v = r.reference(*decl.Reference)
		} else {
			v = decl.Value
			if s, ok := v.(string); ok {
				rendered, err := r.render(s, r.variables)
				if err != nil {
					return nil, &NodeError{NodeID: n.ID, NodeType: n.Type, Op: "inputs", Err: err}
				}
				v = rendered
			}
		}

		v = FormatValue(decl.ValueType, v)
		if decl.Required && isBlank(v) {
			return nil, &NodeError{
				NodeID:   n.ID,
				NodeType: n.Type,
				Op:       "inputs",
				Err:      fmt.Errorf("%w: %s", ErrMissingInput, decl.Key),
			}
		}
		in[decl.Key] = v
	}

	for k, v := range injected {
		if !declared[k] {
			in[k] = v
		}
	}
	return in, nil
}

func (r *run) reference(ref Reference) any {
	if ref.NodeID == VariableNodeID {
		return r.variables[ref.Key]
	}
	v, _ := r.output(ref.NodeID, ref.Key)
	return v
}

// output reads a completed node's output.
func (r *run) output(nodeID, key string) (any, bool) {
	out, ok := r.outputs[nodeID]
	if !ok {
		return nil, false
	}
	v, ok := out[key]
	return v, ok
}

// render expands placeholders against vars and the run's outputs.
func (r *run) render(text string, vars map[string]any) (string, error) {
	return r.sess.engine.expander.Expand(text, vars, r.output)
}

// execute runs one pending node with retry, per-attempt timeout and panic
// recovery. It does not touch run state, so batches execute concurrently.
func (r *run) execute(ctx context.Context, p *pending) outcome {
	n := p.node
	cfg := r.sess.cfg
	oc := outcome{node: n}
	start := time.Now()

	if p.err != nil {
		oc.err = p.err
		return oc
	}

	if r.replay.Replays(n.ID) {
		oc.result = &NodeResult{Outputs: copyMap(r.replay.Outputs[n.ID])}
		oc.replayed = true
		oc.attempts = 1
		oc.duration = time.Since(start)
		return oc
	}

	exec, ok := r.sess.engine.registry.Get(n.Type)
	if !ok {
		oc.err = &NodeError{
			NodeID:   n.ID,
			NodeType: n.Type,
			Op:       "lookup",
			Err:      fmt.Errorf("%w: %s", ErrUnknownNodeType, n.Type),
		}
		return oc
	}

	observability.LogNodeStart(cfg.logger, n.ID, string(n.Type))

	nodeCtx := ctx
	var span trace.Span
	if cfg.tracingEnabled {
		nodeCtx, span = cfg.spans.StartNodeSpan(ctx, n.ID, string(n.Type))
	}

	timeout := cfg.nodeTimeout
	if te, ok := exec.(TimeoutExecutor); ok {
		if d := te.Timeout(n); d > 0 {
			timeout = d
		}
	}
	policy := retry.NoRetry
	if n.RetryPolicy != nil {
		policy = *n.RetryPolicy
	}

	res := retry.Do(nodeCtx, policy, func(actx context.Context, attempt int) (*NodeResult, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(actx, timeout)
			defer cancel()
		}
		out, err := r.invoke(r.newContext(actx, n, attempt, p), exec, p.inputs)
		var uerr *UsageError
		if errors.As(err, &uerr) {
			oc.spent = append(oc.spent, uerr.Usage...)
		}
		if err != nil && timeout > 0 && errors.Is(err, context.DeadlineExceeded) && nodeCtx.Err() == nil {
			err = fmt.Errorf("%w: node exceeded %s: %w", ErrTimeout, timeout, err)
		}
		return out, err
	})

	oc.result, oc.err, oc.attempts = res.Value, res.Err, res.Attempts
	oc.duration = time.Since(start)
	if oc.err != nil {
		oc.result = nil
		oc.err = &NodeError{NodeID: n.ID, NodeType: n.Type, Op: "execute", Err: oc.err}
	}

	cfg.metrics.RecordNodeExecution(nodeCtx, string(n.Type), oc.duration, oc.err)
	if span != nil {
		cfg.spans.EndSpanWithError(span, oc.err)
	}
	return oc
}

// invoke calls the executor, converting a panic into a PanicError.
func (r *run) invoke(c *nodeContext, exec Executor, in Inputs) (res *NodeResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = nil
			err = &PanicError{NodeID: c.node.ID, Value: rec, Stack: string(debug.Stack())}
		}
	}()

	res, err = exec.Execute(c, Inputs(copyMap(in)))
	if err == nil && res == nil {
		res = &NodeResult{}
	}
	return res, err
}

func (r *run) newContext(ctx context.Context, n *Node, attempt int, p *pending) *nodeContext {
	logger := r.sess.cfg.logger
	if logger == nil {
		logger = discardLogger
	}
	return &nodeContext{
		Context:   ctx,
		r:         r,
		node:      n,
		attempt:   attempt,
		logger:    observability.EnrichLogger(logger, r.sess.runID, n.ID, string(n.Type), attempt),
		resume:    p.resume,
		variables: p.variables,
	}
}
