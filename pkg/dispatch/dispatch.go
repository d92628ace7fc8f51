package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch/observability"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/usage"
)

// System variables seeded into every root dispatch.
const (
	VarAppID              = "appId"
	VarChatID             = "chatId"
	VarResponseChatItemID = "responseChatItemId"
	VarCurrentTime        = "cTime"
)

// timeLayout formats VarCurrentTime.
const timeLayout = "2006-01-02 15:04:05 Monday"

// terminalWriteTimeout bounds how long terminal stream events wait for a
// slow reader after the run context is done.
const terminalWriteTimeout = 5 * time.Second

var discardLogger = slog.New(slog.DiscardHandler)

// Request is one conversational turn against a stored workflow.
type Request struct {
	Nodes []Node
	Edges []Edge

	// Variables are the caller's global variables.
	Variables map[string]any
	// Query is the user's message. On a continuation turn it is the reply
	// to the pending interaction.
	Query      string
	Histories  []HistoryItem
	ChatConfig ChatConfig

	// EntryNodeIDs starts the run at these nodes instead of the nodes
	// without incoming edges. Ignored when histories hold a pending
	// interaction.
	EntryNodeIDs []string
	// ResumeToken must match the pending interaction when set.
	ResumeToken string

	TeamID             string
	AppID              string
	ChatID             string
	ResponseChatItemID string
}

// Suspension describes a run waiting for user input.
type Suspension struct {
	// NodeID is the node that asked, inside any composite nodes.
	NodeID string
	// ResumeToken identifies this suspension; pass it back with the reply.
	ResumeToken string
	// Interactive is the continuation to store with the assistant turn.
	Interactive *Interactive
}

// Result is the outcome of a dispatch.
type Result struct {
	RunID string
	State RunState

	AssistantResponses []AssistantResponse
	FlowResponses      []NodeResponse
	FlowUsages         []usage.Record
	TotalPoints        float64

	Variables    map[string]any
	Outputs      map[string]map[string]any
	NodeStatuses map[string]NodeStatus
	// RecordedOutputs holds the outputs of every node with
	// ReplaysFromHistory that completed this turn, nested runs included.
	// Store them on the assistant item so later turns can replay them.
	RecordedOutputs map[string]map[string]any

	// RunCount is the number of node executions, nested runs included.
	RunCount int

	Suspended *Suspension
}

// AnswerText concatenates the text responses.
func (r *Result) AnswerText() string {
	var text string
	for _, a := range r.AssistantResponses {
		if a.Type == ResponseText {
			text += a.Text
		}
	}
	return text
}

// Dispatch runs one turn of a workflow.
//
// Graph problems are reported as a *GraphError before anything runs. A run
// that stops early returns its partial Result together with a *RunError;
// node failures do not stop the run and appear in FlowResponses. Usage is
// billed whenever any node ran, and the stream, if any, is closed before
// Dispatch returns.
func (e *Engine) Dispatch(ctx context.Context, req Request, opts ...RunOption) (*Result, error) {
	cfg := defaultRunConfig()
	for _, opt := range e.defaults {
		opt(&cfg)
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.runID == "" {
		cfg.runID = uuid.NewString()
	}

	edges, dropped := FilterOrphanEdges(req.Edges, req.Nodes)
	observability.LogEdgesDropped(cfg.logger, len(dropped))

	entries, pendingIt, err := ResolveEntries(req.Nodes, edges, req.Histories, req.EntryNodeIDs)
	if err != nil {
		return nil, err
	}
	if req.ResumeToken != "" && (pendingIt == nil || pendingIt.ResumeToken != req.ResumeToken) {
		return nil, fmt.Errorf("%w: %q", ErrStaleResume, req.ResumeToken)
	}

	compileOpts := []CompileOption{WithEntryHint(entries...)}
	if pendingIt != nil {
		compileOpts = append(compileOpts, WithMemoryEdges(pendingIt.MemoryEdges))
	}
	g, err := Compile(req.Nodes, edges, compileOpts...)
	if err != nil {
		return nil, err
	}
	replay := RewriteHistory(g, req.Histories)

	sess := &session{
		engine:     e,
		cfg:        &cfg,
		runID:      cfg.runID,
		query:      req.Query,
		histories:  req.Histories,
		chatConfig: req.ChatConfig,
		nodes:      req.Nodes,
		edges:      edges,
		all:        make(map[string]*Node, len(req.Nodes)),
		usage:      usage.NewAggregator(e.pricing),
	}
	for i := range req.Nodes {
		sess.all[req.Nodes[i].ID] = &req.Nodes[i]
	}

	start := time.Now()
	observability.LogRunStart(cfg.logger, cfg.runID, entries, pendingIt != nil)

	runCtx := ctx
	var span trace.Span
	if cfg.tracingEnabled {
		runCtx, span = cfg.spans.StartRunSpan(ctx, cfg.runID, 0)
	}

	r := newRun(sess, g, 0, seedVariables(req, pendingIt), replay.Restored, replay, pendingIt, nil)
	loopErr := r.loop(runCtx)

	result := &Result{
		RunID:              cfg.runID,
		State:              RunCompleted,
		AssistantResponses: mergeText(r.answers),
		FlowResponses:      r.responses,
		Variables:          r.variables,
		Outputs:            r.outputs,
		NodeStatuses:       copyStatuses(r.statuses),
		RecordedOutputs:    sess.recordedOutputs(),
		RunCount:           int(sess.executed.Load()),
	}

	var runErr error
	switch {
	case errors.Is(loopErr, errSuspended):
		it := r.snapshot()
		result.State = RunSuspended
		result.Suspended = &Suspension{
			NodeID:      it.Innermost().NodeID,
			ResumeToken: it.ResumeToken,
			Interactive: it,
		}
		result.AssistantResponses = append(result.AssistantResponses, AssistantResponse{
			Type:        ResponseInteractive,
			Interactive: it,
		})
	case loopErr != nil:
		result.State = RunFailed
		runErr = loopErr
	}

	result.FlowUsages = sess.usage.Records()
	result.TotalPoints = sess.usage.TotalPoints()

	// Billing must survive a cancelled request.
	billCtx := context.WithoutCancel(ctx)
	if err := sess.usage.Flush(billCtx, req.TeamID, e.ledger); err != nil {
		observability.LogBillingError(cfg.logger, cfg.runID, err)
	}

	duration := time.Since(start)
	cfg.metrics.RecordRun(billCtx, string(result.State), duration)
	cfg.metrics.RecordUsagePoints(billCtx, result.TotalPoints)
	if span != nil {
		cfg.spans.EndSpanWithError(span, runErr)
	}

	durationMs := float64(duration.Microseconds()) / 1000
	switch result.State {
	case RunSuspended:
		observability.LogRunSuspended(cfg.logger, cfg.runID, result.Suspended.NodeID, result.RunCount)
	case RunFailed:
		observability.LogRunError(cfg.logger, cfg.runID, runErr, durationMs, r.lastNode)
	default:
		observability.LogRunComplete(cfg.logger, cfg.runID, durationMs, result.RunCount, result.TotalPoints)
	}

	if w := cfg.stream; w != nil {
		sctx, cancel := terminalContext(ctx)
		if s := result.Suspended; s != nil {
			inner := s.Interactive.Innermost()
			_ = w.Interactive(sctx, inner.NodeID, inner.Prompt, inner)
		}
		_ = w.FlowResponses(sctx, result.FlowResponses)
		_ = w.Close(sctx)
		cancel()
	}
	return result, runErr
}

// terminalContext returns ctx while it is live. Once ctx is done, the final
// events of a run still reach a reader that keeps up.
func terminalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
}

// seedVariables layers the caller's variables, the variables saved by a
// pending interaction and the system variables.
func seedVariables(req Request, pendingIt *Interactive) map[string]any {
	vars := copyMap(req.Variables)
	if vars == nil {
		vars = make(map[string]any)
	}
	if pendingIt != nil {
		for k, v := range pendingIt.Variables {
			vars[k] = v
		}
	}

	loc := time.Local
	if req.ChatConfig.Timezone != "" {
		if l, err := time.LoadLocation(req.ChatConfig.Timezone); err == nil {
			loc = l
		}
	}
	vars[VarAppID] = req.AppID
	vars[VarChatID] = req.ChatID
	vars[VarResponseChatItemID] = req.ResponseChatItemID
	vars[VarCurrentTime] = time.Now().In(loc).Format(timeLayout)
	return vars
}

// dispatchChild runs the nodes of a scope as a nested loop sharing the
// session. A child that suspends returns its interaction in the result
// instead of an error.
func (r *run) dispatchChild(ctx context.Context, parent *Node, vars map[string]any, req ChildRequest) (*ChildResult, error) {
	scope := req.Scope
	if scope == "" {
		scope = r.g.scope
	}

	entries := req.EntryNodeIDs
	var memory []EdgeState
	if it := req.Resume; it != nil {
		entries = it.EntryNodeIDs
		if len(entries) == 0 {
			entries = []string{it.NodeID}
		}
		memory = it.MemoryEdges
	}

	opts := []CompileOption{WithScope(scope), WithMemoryEdges(memory)}
	if len(entries) > 0 {
		opts = append(opts, WithEntryHint(entries...))
	}
	g, err := Compile(r.sess.nodes, r.sess.edges, opts...)
	if err != nil {
		return nil, err
	}

	childVars := copyMap(req.Variables)
	if childVars == nil {
		childVars = copyMap(vars)
	}
	if childVars == nil {
		childVars = make(map[string]any)
	}
	outputs := copyOutputs(r.outputs)
	if it := req.Resume; it != nil {
		for k, v := range it.Variables {
			childVars[k] = v
		}
		for id, out := range it.NodeOutputs {
			outputs[id] = copyMap(out)
		}
	}

	cfg := r.sess.cfg
	childCtx := ctx
	var span trace.Span
	if cfg.tracingEnabled {
		childCtx, span = cfg.spans.StartRunSpan(ctx, r.sess.runID, r.depth+1)
	}

	replay := RewriteHistory(g, r.sess.histories)
	child := newRun(r.sess, g, r.depth+1, childVars, outputs, replay, req.Resume, req.Inputs)
	loopErr := child.loop(childCtx)

	res := &ChildResult{
		FlowResponses:      child.responses,
		AssistantResponses: mergeText(child.answers),
		Outputs:            child.outputs,
		Variables:          child.variables,
		NodeStatuses:       copyStatuses(child.statuses),
		RunCount:           child.runCount,
	}
	if errors.Is(loopErr, errSuspended) {
		res.Interactive = child.snapshot()
		loopErr = nil
	}
	if span != nil {
		cfg.spans.EndSpanWithError(span, loopErr)
	}
	if loopErr != nil {
		logger := cfg.logger
		if logger != nil {
			logger.Debug("child run stopped", "parent_node", parent.ID, "error", loopErr)
		}
	}
	return res, loopErr
}
