package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch/observability"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/stream"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/usage"
)

// errSuspended ends a loop that stopped for user input.
var errSuspended = errors.New("run suspended")

// session is the state shared by a root dispatch and its children.
type session struct {
	engine     *Engine
	cfg        *runConfig
	runID      string
	query      string
	histories  []HistoryItem
	chatConfig ChatConfig
	nodes      []Node
	edges      []Edge
	all        map[string]*Node
	usage      *usage.Aggregator
	executed   atomic.Int64

	recordMu sync.Mutex
	recorded map[string]map[string]any
}

// record keeps the outputs of a node that later turns replay. Children of
// one batch finish concurrently, so access is locked.
func (s *session) record(nodeID string, outputs map[string]any) {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()
	if s.recorded == nil {
		s.recorded = make(map[string]map[string]any)
	}
	s.recorded[nodeID] = copyMap(outputs)
}

func (s *session) recordedOutputs() map[string]map[string]any {
	s.recordMu.Lock()
	defer s.recordMu.Unlock()
	if len(s.recorded) == 0 {
		return nil
	}
	return copyOutputs(s.recorded)
}

// reserve takes one execution from the budget.
func (s *session) reserve() bool {
	max := int64(s.cfg.maxRunTimes)
	for {
		cur := s.executed.Load()
		if cur >= max {
			return false
		}
		if s.executed.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// run is one dispatch loop over one scope. Only the goroutine calling loop
// touches its fields; executors read outputs and variables while no batch
// result is being applied.
type run struct {
	sess     *session
	g        *Graph
	depth    int
	replay   *Replay
	resume   *Interactive
	injected map[string]map[string]any

	variables map[string]any
	outputs   map[string]map[string]any
	statuses  map[string]NodeStatus
	responses []NodeResponse
	answers   []AssistantResponse

	queue     []string
	queued    map[string]bool
	forced    map[string]bool
	skipped   map[string]bool
	inFlight  map[string]bool
	suspended *Interactive
	deferred  []string
	runCount  int
	lastNode  string
}

func newRun(sess *session, g *Graph, depth int, variables map[string]any, outputs map[string]map[string]any,
	replay *Replay, resume *Interactive, injected map[string]map[string]any) *run {
	r := &run{
		sess:      sess,
		g:         g,
		depth:     depth,
		replay:    replay,
		resume:    resume,
		injected:  injected,
		variables: variables,
		outputs:   outputs,
		statuses:  make(map[string]NodeStatus, len(g.nodes)),
		queued:    make(map[string]bool),
		forced:    make(map[string]bool),
		skipped:   make(map[string]bool),
		inFlight:  make(map[string]bool),
	}
	if r.variables == nil {
		r.variables = make(map[string]any)
	}
	if r.outputs == nil {
		r.outputs = make(map[string]map[string]any)
	}
	for _, n := range g.nodes {
		r.statuses[n.ID] = StatusPending
	}

	// A resumed run re-enters the suspended node unconditionally; other
	// saved entries go through the run-status check.
	if resume != nil {
		r.forced[resume.NodeID] = true
		for _, id := range resume.DeferredNodeIDs {
			r.forced[id] = true
		}
	} else {
		for _, id := range g.entries {
			r.forced[id] = true
		}
	}
	r.enqueue(g.entries...)
	return r
}

// enqueue appends ids that are not already waiting in the worklist.
func (r *run) enqueue(ids ...string) {
	for _, id := range ids {
		if r.queued[id] {
			continue
		}
		r.queued[id] = true
		r.queue = append(r.queue, id)
	}
}

func (r *run) pop() string {
	id := r.queue[0]
	r.queue = r.queue[1:]
	r.queued[id] = false
	return id
}

func (r *run) pushFront(id string) {
	r.queue = append([]string{id}, r.queue...)
	r.queued[id] = true
}

// loop drains the worklist. It returns nil when no node is runnable,
// errSuspended when a node asked for user input, or a *RunError.
func (r *run) loop(ctx context.Context) error {
	var pool *ants.Pool
	if r.sess.cfg.fanOut > 1 {
		p, err := ants.NewPool(r.sess.cfg.fanOut)
		if err != nil {
			return fmt.Errorf("create worker pool: %w", err)
		}
		defer p.Release()
		pool = p
	}

	for len(r.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return r.stopErr(err, r.queue[0])
		}

		batch, stop := r.collect(ctx)
		if len(batch) > 0 {
			for _, oc := range r.executeBatch(ctx, pool, batch) {
				if err := r.apply(ctx, oc); err != nil && stop == nil {
					stop = err
				}
			}
		}
		if stop != nil {
			return stop
		}
	}
	return nil
}

// collect pops nodes until it has a batch of runnable ones. Waiting nodes
// are dropped; a later edge change enqueues them again. Skipped nodes are
// resolved on the spot.
func (r *run) collect(ctx context.Context) ([]*pending, error) {
	var batch []*pending
	for len(r.queue) > 0 && len(batch) < r.sess.cfg.fanOut {
		id := r.pop()
		if r.inFlight[id] {
			r.pushFront(id)
			break
		}
		n, ok := r.g.Node(id)
		if !ok {
			continue
		}

		status := RunStatusRun
		if r.forced[id] {
			delete(r.forced, id)
		} else {
			status = r.g.RunStatus(id)
		}

		switch status {
		case RunStatusWait:
			continue
		case RunStatusSkip:
			if !r.skipped[id] {
				r.skip(ctx, n)
			}
			continue
		}

		if !r.sess.reserve() {
			return batch, r.budgetExceeded(ctx, n)
		}
		r.runCount++
		delete(r.skipped, id)
		r.g.resetIncoming(id)
		r.statuses[id] = StatusRunning
		r.inFlight[id] = true
		batch = append(batch, r.prepare(n))
	}
	return batch, nil
}

func (r *run) skip(ctx context.Context, n *Node) {
	r.skipped[n.ID] = true
	// A node that already executed this run keeps its terminal status.
	if st := r.statuses[n.ID]; st != StatusSucceeded && st != StatusFailed {
		r.statuses[n.ID] = StatusSkipped
	}
	r.g.resetIncoming(n.ID)
	r.enqueue(r.g.setOutgoing(n.ID, nil, true)...)

	observability.LogNodeSkipped(r.sess.cfg.logger, n.ID)
	r.sess.cfg.metrics.RecordNodeSkipped(ctx, string(n.Type))
}

// budgetExceeded reports the node that found the budget spent. The node
// never started, so its status keeps whatever an earlier execution left.
func (r *run) budgetExceeded(ctx context.Context, n *Node) error {
	r.record(NodeResponse{
		NodeID: n.ID,
		Name:   n.Name,
		Type:   n.Type,
		Status: StatusFailed,
		Error:  ErrMaxRunTimes.Error(),
	})
	r.emitStatus(ctx, n, string(StatusFailed))
	return &RunError{
		Kind:     MaxRunTimesExceeded,
		NodeID:   n.ID,
		RunCount: int(r.sess.executed.Load()),
		Err:      ErrMaxRunTimes,
	}
}

// stopErr converts a context error into the RunError that ends the loop.
func (r *run) stopErr(err error, nodeID string) error {
	kind, sentinel := Cancelled, ErrCancelled
	if errors.Is(err, context.DeadlineExceeded) {
		kind, sentinel = Timeout, ErrTimeout
	}
	return &RunError{
		Kind:     kind,
		NodeID:   nodeID,
		RunCount: int(r.sess.executed.Load()),
		Err:      fmt.Errorf("%w: %w", sentinel, err),
	}
}

func (r *run) executeBatch(ctx context.Context, pool *ants.Pool, batch []*pending) []outcome {
	for _, p := range batch {
		r.emitStatus(ctx, p.node, string(StatusRunning))
	}

	out := make([]outcome, len(batch))
	if pool == nil || len(batch) == 1 {
		for i, p := range batch {
			out[i] = r.execute(ctx, p)
		}
		return out
	}

	var wg sync.WaitGroup
	for i, p := range batch {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			out[i] = r.execute(ctx, p)
		}
		if err := pool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()
	return out
}

// apply folds one outcome into the run state. It returns errSuspended or a
// *RunError when the loop must stop.
func (r *run) apply(ctx context.Context, oc outcome) error {
	n := oc.node
	logger := r.sess.cfg.logger
	delete(r.inFlight, n.ID)
	r.lastNode = n.ID

	resp := NodeResponse{
		NodeID:        n.ID,
		Name:          n.Name,
		Type:          n.Type,
		RunningTimeMs: oc.duration.Milliseconds(),
		Attempts:      oc.attempts,
		Replayed:      oc.replayed,
	}
	r.sess.usage.Add(oc.spent...)
	addTokens(&resp, oc.spent)
	if oc.result != nil {
		r.sess.usage.Add(oc.result.Usage...)
		fillUsage(&resp, oc.result)
	}

	if oc.err != nil {
		var runErr *RunError
		if errors.As(oc.err, &runErr) {
			r.fail(ctx, n, resp, oc.err)
			return runErr
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			r.fail(ctx, n, resp, oc.err)
			return r.stopErr(ctxErr, n.ID)
		}
		if n.CatchError {
			observability.LogNodeError(logger, n.ID, oc.err, true)
			r.outputs[n.ID] = map[string]any{"errorText": oc.err.Error()}
			r.statuses[n.ID] = StatusSucceeded
			resp.Status = StatusSucceeded
			resp.Error = oc.err.Error()
			r.record(resp)
			r.emitStatus(ctx, n, string(StatusSucceeded))
			r.enqueue(r.g.setOutgoing(n.ID, []string{HandleError}, false)...)
			return nil
		}
		r.fail(ctx, n, resp, oc.err)
		r.enqueue(r.g.setOutgoing(n.ID, nil, true)...)
		return nil
	}

	res := oc.result
	if res.Interactive != nil {
		if r.suspended != nil {
			// Only one interaction per turn; run this node again on resume.
			r.statuses[n.ID] = StatusPending
			resp.Status = StatusPending
			resp.Deferred = true
			r.deferred = append(r.deferred, n.ID)
			r.record(resp)
			r.emitStatus(ctx, n, string(StatusPending))
			r.enqueue(n.ID)
			return nil
		}
		it := res.Interactive
		if it.NodeID == "" {
			it.NodeID = n.ID
		}
		if it.ResumeToken == "" {
			it.ResumeToken = uuid.NewString()
		}
		r.suspended = it
		r.statuses[n.ID] = StatusRunning
		resp.Status = StatusRunning
		resp.AwaitingInput = true
		r.record(resp)
		r.emitStatus(ctx, n, stream.StatusAwaitingInput)
		return errSuspended
	}

	if oc.replayed {
		observability.LogNodeReplayed(logger, n.ID)
	} else {
		observability.LogNodeComplete(logger, n.ID, float64(oc.duration.Microseconds())/1000)
	}
	outputs := copyMap(res.Outputs)
	if outputs == nil {
		outputs = make(map[string]any)
	}
	r.outputs[n.ID] = outputs
	if n.ReplaysFromHistory {
		r.sess.record(n.ID, outputs)
	}
	for k, v := range res.Variables {
		r.variables[k] = v
	}
	r.statuses[n.ID] = StatusSucceeded
	if res.AnswerText != "" {
		r.answers = append(r.answers, AssistantResponse{Type: ResponseText, Text: res.AnswerText})
	}
	resp.Status = StatusSucceeded
	if !res.Silent {
		r.record(resp)
	}
	r.emitStatus(ctx, n, string(StatusSucceeded))
	r.enqueue(r.g.setOutgoing(n.ID, res.Handles, false)...)
	return nil
}

func (r *run) fail(ctx context.Context, n *Node, resp NodeResponse, err error) {
	observability.LogNodeError(r.sess.cfg.logger, n.ID, err, false)
	r.statuses[n.ID] = StatusFailed
	resp.Status = StatusFailed
	resp.Error = err.Error()
	r.record(resp)
	r.emitStatus(ctx, n, string(StatusFailed))
}

func addTokens(resp *NodeResponse, records []usage.Record) {
	for _, u := range records {
		resp.Tokens += u.InputTokens + u.OutputTokens
		resp.Points += u.Points
		if resp.Model == "" {
			resp.Model = u.Model
		}
	}
}

func (r *run) record(resp NodeResponse) {
	r.responses = append(r.responses, resp)
}

// emitStatus writes a flowNodeStatus event. A failure on a cancelled run
// is still reported.
func (r *run) emitStatus(ctx context.Context, n *Node, status string) {
	w := r.sess.cfg.stream
	if w == nil {
		return
	}
	sctx, cancel := terminalContext(ctx)
	defer cancel()
	_ = w.NodeStatus(sctx, n.ID, n.DisplayName(), status)
}

func fillUsage(resp *NodeResponse, res *NodeResult) {
	addTokens(resp, res.Usage)
	if d := res.Detail; d != nil {
		resp.QuoteList = d.QuoteList
		resp.ToolDetail = d.ToolDetail
		resp.LoopDetail = d.LoopDetail
		resp.PluginDetail = d.PluginDetail
		resp.Extra = d.Extra
	}
}

// snapshot completes the suspended interaction with the state needed to
// continue this run next turn.
func (r *run) snapshot() *Interactive {
	it := r.suspended
	if it == nil {
		return nil
	}
	entries := append([]string{it.NodeID}, r.queue...)
	it.EntryNodeIDs = dedupe(entries)
	if len(r.deferred) > 0 {
		it.DeferredNodeIDs = dedupe(r.deferred)
	}
	it.MemoryEdges = r.g.EdgeStates()
	it.NodeOutputs = copyOutputs(r.outputs)
	it.Variables = copyMap(r.variables)
	return it
}

// mergeText joins consecutive text responses.
func mergeText(in []AssistantResponse) []AssistantResponse {
	var out []AssistantResponse
	for _, a := range in {
		if a.Type == ResponseText && len(out) > 0 && out[len(out)-1].Type == ResponseText {
			out[len(out)-1].Text += a.Text
			continue
		}
		out = append(out, a)
	}
	return out
}

func copyStatuses(in map[string]NodeStatus) map[string]NodeStatus {
	out := make(map[string]NodeStatus, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
