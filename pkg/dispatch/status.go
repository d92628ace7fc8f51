package dispatch

// RunStatus is the verdict of the run-status check for a node.
type RunStatus string

// Run status verdicts.
const (
	RunStatusRun  RunStatus = "run"
	RunStatusSkip RunStatus = "skip"
	RunStatusWait RunStatus = "wait"
)

// maxCycleSearch bounds the backward walk that classifies an edge.
const maxCycleSearch = 3000

// edgeGroups splits a node's incoming edges. Common edges come from outside
// any cycle through the node; recursive edges close a cycle and are grouped
// by the out-handle of the last branch node on that cycle.
type edgeGroups struct {
	common    []int
	recursive [][]int
}

// isBranch reports whether a node picks among its out-handles.
func isBranch(n *Node) bool {
	switch n.Type {
	case NodeConditional, NodeClassify, NodeUserSelect:
		return true
	}
	return n.CatchError
}

func (g *Graph) splitEdges(nodeID string) *edgeGroups {
	groups := &edgeGroups{}
	keys := make(map[string]int)

	for _, ei := range g.in[nodeID] {
		e := g.edges[ei]
		if e.SourceHandle == HandleSelectedTools {
			continue
		}
		handle, recursive := g.lastBranchHandle(ei, nodeID)
		if !recursive {
			groups.common = append(groups.common, ei)
			continue
		}
		k, ok := keys[handle]
		if !ok {
			k = len(groups.recursive)
			keys[handle] = k
			groups.recursive = append(groups.recursive, nil)
		}
		groups.recursive[k] = append(groups.recursive[k], ei)
	}
	return groups
}

// lastBranchHandle walks backwards from edge start looking for target. It
// reports whether the edge closes a cycle through target and, if so, the
// out-handle of the last branch node met on the way back. A cycle without
// any branch node gives "".
func (g *Graph) lastBranchHandle(start int, target string) (string, bool) {
	type frame struct {
		edge    int
		visited map[string]bool
		handle  string
	}
	stack := []frame{{edge: start, visited: map[string]bool{target: true}}}

	for iter := 0; len(stack) > 0 && iter < maxCycleSearch; iter++ {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		e := g.edges[f.edge]

		if e.Source == target {
			if n, ok := g.Node(e.Source); ok && isBranch(n) {
				return e.SourceHandle, true
			}
			return f.handle, true
		}
		if f.visited[e.Source] {
			continue
		}
		visited := make(map[string]bool, len(f.visited)+1)
		for k := range f.visited {
			visited[k] = true
		}
		visited[e.Source] = true

		handle := f.handle
		if n, ok := g.Node(e.Source); ok && isBranch(n) {
			handle = e.SourceHandle
		}
		for _, prev := range g.in[e.Source] {
			if g.edges[prev].SourceHandle == HandleSelectedTools {
				continue
			}
			stack = append(stack, frame{edge: prev, visited: visited, handle: handle})
		}
	}
	return "", false
}

// RunStatus decides whether a node can run now.
//
// A node runs when it has no incoming edges, or when its common edges (or
// one of its recursive groups) hold an active edge and no waiting edge. It
// is skipped when all common edges, or all edges of one recursive group, are
// skipped. Otherwise it waits.
func (g *Graph) RunStatus(nodeID string) RunStatus {
	groups, ok := g.groups[nodeID]
	if !ok {
		return RunStatusWait
	}
	if len(groups.common) == 0 && len(groups.recursive) == 0 {
		return RunStatusRun
	}

	if g.readySet(groups.common) {
		return RunStatusRun
	}
	for _, set := range groups.recursive {
		if g.readySet(set) {
			return RunStatusRun
		}
	}

	if len(groups.common) > 0 && g.allSkipped(groups.common) {
		return RunStatusSkip
	}
	for _, set := range groups.recursive {
		if g.allSkipped(set) {
			return RunStatusSkip
		}
	}
	return RunStatusWait
}

func (g *Graph) readySet(set []int) bool {
	active := false
	for _, i := range set {
		switch g.edges[i].Status {
		case EdgeWaiting:
			return false
		case EdgeActive:
			active = true
		}
	}
	return active
}

func (g *Graph) allSkipped(set []int) bool {
	for _, i := range set {
		if g.edges[i].Status != EdgeSkipped {
			return false
		}
	}
	return true
}

// resetIncoming returns a node's incoming edges to waiting after it runs or
// is skipped so loop-back edges can fire again.
func (g *Graph) resetIncoming(nodeID string) {
	for _, i := range g.in[nodeID] {
		g.edges[i].Status = EdgeWaiting
	}
}

// setOutgoing updates the edges leaving nodeID and returns their targets in
// edge order. With handles nil every edge except the error handle becomes
// active; otherwise only edges whose source handle is listed become active.
// selectedTools edges are never touched.
func (g *Graph) setOutgoing(nodeID string, handles []string, allSkip bool) []string {
	var take map[string]bool
	if handles != nil {
		take = make(map[string]bool, len(handles))
		for _, h := range handles {
			take[h] = true
		}
	}

	var targets []string
	for _, i := range g.out[nodeID] {
		e := g.edges[i]
		if e.SourceHandle == HandleSelectedTools {
			continue
		}
		switch {
		case allSkip:
			e.Status = EdgeSkipped
		case take != nil:
			e.Status = statusFor(take[e.SourceHandle])
		default:
			e.Status = statusFor(e.SourceHandle != HandleError)
		}
		targets = append(targets, e.Target)
	}
	return targets
}

func statusFor(active bool) EdgeStatus {
	if active {
		return EdgeActive
	}
	return EdgeSkipped
}
