package dispatch

// DefaultHistoryDepth is how many history items a replaying node searches
// when it does not set HistoryDepth.
const DefaultHistoryDepth = 3

// Replay is the state recovered from history before a run starts.
type Replay struct {
	// Outputs holds the recorded outputs of nodes that replay instead of
	// executing.
	Outputs map[string]map[string]any
	// Restored holds the node outputs saved by a suspended run that this
	// turn continues.
	Restored map[string]map[string]any
}

// Replays reports whether nodeID takes its outputs from history.
func (r *Replay) Replays(nodeID string) bool {
	if r == nil {
		return false
	}
	_, ok := r.Outputs[nodeID]
	return ok
}

// RewriteHistory finds, for every in-scope node with ReplaysFromHistory set,
// the newest of the last HistoryDepth items that recorded its outputs. Those
// nodes are marked succeeded with the recorded outputs and never reach
// their executor. A pending interaction in histories also contributes the
// outputs it saved.
func RewriteHistory(g *Graph, histories []HistoryItem) *Replay {
	r := &Replay{
		Outputs:  make(map[string]map[string]any),
		Restored: make(map[string]map[string]any),
	}

	for _, n := range g.nodes {
		if !n.ReplaysFromHistory {
			continue
		}
		depth := n.HistoryDepth
		if depth <= 0 {
			depth = DefaultHistoryDepth
		}
		for i, seen := len(histories)-1, 0; i >= 0 && seen < depth; i, seen = i-1, seen+1 {
			if out, ok := histories[i].NodeOutputs[n.ID]; ok {
				r.Outputs[n.ID] = copyMap(out)
				break
			}
		}
	}

	if it := LastInteractive(histories); it != nil {
		r.Restored = copyOutputs(it.NodeOutputs)
	}
	return r
}
