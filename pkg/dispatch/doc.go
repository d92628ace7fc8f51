/*
Package dispatch executes stored LLM application workflows one
conversational turn at a time.

# Overview

A workflow is a list of nodes and edges. Each node names an executor in a
Registry; edges connect a source handle of one node to a target node. The
engine decides, per turn, which nodes run, feeds each one its resolved
inputs, routes on the handles it returns, and aggregates the audit trail,
the assistant answer and the billable usage.

Workflows are not DAGs. Branch nodes (conditional, classify, userSelect and
any node with CatchError) pick the handles that stay active, and edges that
close a cycle are grouped by the branch handle that leads around it, so a
node inside a loop runs again whenever the loop edge is active while its
entry edge stays skipped.

# Basic Usage

	reg := dispatch.NewRegistry()
	nodes.Register(reg)

	engine := dispatch.NewEngine(reg,
	    dispatch.WithModelGateway(openai.New(client)),
	    dispatch.WithPricing(pricing))

	result, err := engine.Dispatch(ctx, dispatch.Request{
	    Nodes:     doc.Nodes,
	    Edges:     doc.Edges,
	    Query:     "hello",
	    Histories: histories,
	})
	if err != nil {
	    var runErr *dispatch.RunError
	    if !errors.As(err, &runErr) {
	        return err // graph rejected, nothing ran
	    }
	    // partial result, already billed
	}
	fmt.Println(result.AnswerText())

# Run Status

Before a node runs, its incoming edges are split into common edges and
recursive groups. A node runs when it has no incoming edges, or when the
common edges or any recursive group hold an active edge and nothing
waiting. It is skipped when every common edge is skipped or some recursive
group is entirely skipped. Otherwise it waits until another node changes
one of its edges. A node is skipped at most once until it runs again.

Entry nodes run on their first pop regardless of their incoming edges.

# Node Failures

An executor error never stops the run. The node is recorded as failed and
its outgoing edges are skipped. With CatchError set, the node instead
succeeds with an errorText output and only its "error" handle activates.
Retry policies, per-attempt timeouts and panic recovery apply before a
failure is recorded.

The run itself stops with a *RunError when the node execution budget is
spent (MaxRunTimesExceeded) or the context ends (Cancelled, Timeout).

# Suspension

An executor that returns an Interactive suspends the run. The engine saves
the entry nodes, edge statuses, node outputs and variables into the
interaction; the caller stores it with the assistant turn. The next
Dispatch with that history resumes at the suspended node, which sees the
user's reply as its InputKey input and the previous interaction through
Context.LastInteractive.

# Nested Dispatch

Composite executors (loop, plugin, toolCall) run child scopes through
Context.Dispatch. Children share cancellation, usage, the stream and the run
budget but work on a copy of the variables. A child that suspends is
wrapped by its parent in an InteractiveChildren interaction.

# Observability

	result, err := engine.Dispatch(ctx, req,
	    dispatch.WithLogger(logger),
	    dispatch.WithMetrics(true),
	    dispatch.WithTracing(true),
	    dispatch.WithRunID("run-123"))

Logs carry run_id, node_id, node_type and attempt. Metrics are reported as
dispatch.node.executions, dispatch.node.latency_ms, dispatch.runs and
dispatch.usage.points. Spans nest as dispatch.run > dispatch.node.{type}.

# Thread Safety

  - Engine and Registry are safe for concurrent use
  - A Graph belongs to one run
  - Context is created per node attempt and must not be retained

# Subpackages

  - nodes: built-in executors
  - workflow: workflow document parsing and validation
  - chat: conversation service storing turns and resuming interactions
  - history, billing: SQLite and in-memory stores
  - stream: progress events and their NDJSON/SSE encodings
  - llm, retrieval, sandbox: collaborator interfaces and implementations
  - condition, template, retry, usage, config, observability: support
*/
package dispatch
