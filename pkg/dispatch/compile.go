package dispatch

import (
	"errors"
	"fmt"
)

// RuntimeEdge is an edge with its per-run status.
type RuntimeEdge struct {
	Edge
	Status EdgeStatus
}

// Graph is the compiled, per-run view of one scope of a workflow: the nodes
// whose ParentID equals the scope and the edges between them. Edge statuses
// are owned by the dispatch loop.
type Graph struct {
	scope   string
	nodes   []*Node
	index   map[string]int
	edges   []*RuntimeEdge
	in      map[string][]int
	out     map[string][]int
	entries []string
	groups  map[string]*edgeGroups
}

type compileConfig struct {
	scope       string
	entryHint   []string
	memoryEdges []EdgeState
}

// CompileOption configures Compile.
type CompileOption func(*compileConfig)

// WithScope compiles the children of parentID instead of the top level.
func WithScope(parentID string) CompileOption {
	return func(c *compileConfig) {
		c.scope = parentID
	}
}

// WithEntryHint fixes the entry nodes instead of deriving them.
func WithEntryHint(ids ...string) CompileOption {
	return func(c *compileConfig) {
		c.entryHint = append([]string(nil), ids...)
	}
}

// WithMemoryEdges restores edge statuses saved by a suspended run.
func WithMemoryEdges(states []EdgeState) CompileOption {
	return func(c *compileConfig) {
		c.memoryEdges = states
	}
}

// Compile validates nodes and edges and builds the runtime graph of one
// scope. All validation problems are joined into the returned error; each
// is a *GraphError.
//
// An edge with an unknown end, a ParentID naming an unknown node, an edge
// crossing the scope boundary, and an unknown entry hint are
// DanglingReference errors. Edges wholly outside the scope are ignored.
func Compile(nodes []Node, edges []Edge, opts ...CompileOption) (*Graph, error) {
	cfg := compileConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	var errs []error

	all := make(map[string]*Node, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		if _, dup := all[n.ID]; dup {
			errs = append(errs, &GraphError{Kind: DuplicateNode, NodeID: n.ID, EdgeIndex: -1, Err: ErrDuplicateNode})
			continue
		}
		all[n.ID] = n
	}
	for i := range nodes {
		if p := nodes[i].ParentID; p != "" {
			if _, ok := all[p]; !ok {
				errs = append(errs, danglingNode(p, fmt.Errorf("%w: parent of %s", ErrDanglingReference, nodes[i].ID)))
			}
		}
	}
	if cfg.scope != "" {
		if _, ok := all[cfg.scope]; !ok {
			errs = append(errs, danglingNode(cfg.scope, fmt.Errorf("%w: scope", ErrDanglingReference)))
		}
	}

	g := &Graph{
		scope:  cfg.scope,
		index:  make(map[string]int),
		in:     make(map[string][]int),
		out:    make(map[string][]int),
		groups: make(map[string]*edgeGroups),
	}
	seen := make(map[string]bool, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		if n.ParentID != cfg.scope || seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		g.index[n.ID] = len(g.nodes)
		g.nodes = append(g.nodes, n)
	}

	for i, e := range edges {
		src, srcOK := all[e.Source]
		dst, dstOK := all[e.Target]
		if !srcOK {
			errs = append(errs, danglingEdge(i, e.Source))
		}
		if !dstOK {
			errs = append(errs, danglingEdge(i, e.Target))
		}
		if !srcOK || !dstOK {
			continue
		}
		srcIn := src.ParentID == cfg.scope
		dstIn := dst.ParentID == cfg.scope
		switch {
		case srcIn && dstIn:
			idx := len(g.edges)
			g.edges = append(g.edges, &RuntimeEdge{Edge: e, Status: EdgeWaiting})
			g.out[e.Source] = append(g.out[e.Source], idx)
			g.in[e.Target] = append(g.in[e.Target], idx)
		case srcIn != dstIn:
			id := e.Target
			if !dstIn {
				id = e.Source
			}
			errs = append(errs, &GraphError{
				Kind:      DanglingReference,
				NodeID:    id,
				EdgeIndex: i,
				Err:       fmt.Errorf("%w: edge crosses scope %q", ErrDanglingReference, cfg.scope),
			})
		}
	}

	if len(cfg.entryHint) > 0 {
		for _, id := range cfg.entryHint {
			if _, ok := g.index[id]; !ok {
				errs = append(errs, danglingNode(id, fmt.Errorf("%w: entry hint", ErrDanglingReference)))
			}
		}
		g.entries = dedupe(cfg.entryHint)
	} else {
		g.entries = g.defaultEntries()
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if len(g.entries) == 0 {
		return nil, &GraphError{Kind: NoEntryPoint, EdgeIndex: -1, Err: ErrNoEntryPoint}
	}

	g.initEdgeStatus(cfg.memoryEdges)
	for _, n := range g.nodes {
		g.groups[n.ID] = g.splitEdges(n.ID)
	}
	return g, nil
}

// defaultEntries returns the in-scope nodes without any incoming edge, in
// declaration order.
func (g *Graph) defaultEntries() []string {
	var entries []string
	for _, n := range g.nodes {
		if len(g.in[n.ID]) == 0 {
			entries = append(entries, n.ID)
		}
	}
	return entries
}

func (g *Graph) initEdgeStatus(memory []EdgeState) {
	isEntry := make(map[string]bool, len(g.entries))
	for _, id := range g.entries {
		isEntry[id] = true
	}
	for _, e := range g.edges {
		if isEntry[e.Source] && len(g.in[e.Source]) == 0 && e.SourceHandle != HandleSelectedTools {
			e.Status = EdgeActive
		}
	}
	for _, m := range memory {
		for _, e := range g.edges {
			if m.matches(e.Edge) {
				e.Status = m.Status
			}
		}
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Scope returns the ParentID of the compiled nodes.
func (g *Graph) Scope() string { return g.scope }

// Entries returns the entry node ids.
func (g *Graph) Entries() []string {
	return append([]string(nil), g.entries...)
}

// Node returns the in-scope node with id.
func (g *Graph) Node(id string) (*Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return g.nodes[i], true
}

// Nodes returns the in-scope nodes in declaration order.
func (g *Graph) Nodes() []*Node {
	return append([]*Node(nil), g.nodes...)
}

// Edges returns a snapshot of the runtime edges in declaration order.
func (g *Graph) Edges() []RuntimeEdge {
	out := make([]RuntimeEdge, len(g.edges))
	for i, e := range g.edges {
		out[i] = *e
	}
	return out
}

// EdgeStates returns the edge statuses for a suspension snapshot.
func (g *Graph) EdgeStates() []EdgeState {
	out := make([]EdgeState, len(g.edges))
	for i, e := range g.edges {
		out[i] = EdgeState{
			Source:       e.Source,
			SourceHandle: e.SourceHandle,
			Target:       e.Target,
			TargetHandle: e.TargetHandle,
			Status:       e.Status,
		}
	}
	return out
}

// Outgoing returns the in-scope edges leaving id, including selectedTools
// edges.
func (g *Graph) Outgoing(id string) []Edge {
	idx := g.out[id]
	out := make([]Edge, len(idx))
	for i, j := range idx {
		out[i] = g.edges[j].Edge
	}
	return out
}
