package dispatch

import "fmt"

// LastInteractive returns the pending interaction of a conversation: the
// newest history item when it is an unanswered assistant interaction.
func LastInteractive(histories []HistoryItem) *Interactive {
	if len(histories) == 0 {
		return nil
	}
	last := histories[len(histories)-1]
	if last.Role != RoleAI || last.Interactive == nil || last.Interactive.Answered {
		return nil
	}
	return last.Interactive
}

// ResolveEntries returns the nodes that start this turn.
//
// A turn that continues a pending interaction starts at the nodes the
// suspended run saved. Otherwise a non-empty hint is used as given, and
// without a hint every top-level node lacking incoming edges is an entry.
// The interaction is returned for continuation turns.
func ResolveEntries(nodes []Node, edges []Edge, histories []HistoryItem, hint []string) ([]string, *Interactive, error) {
	top := make(map[string]bool, len(nodes))
	for i := range nodes {
		if nodes[i].ParentID == "" {
			top[nodes[i].ID] = true
		}
	}

	validate := func(ids []string, what string) error {
		for _, id := range ids {
			if !top[id] {
				return danglingNode(id, fmt.Errorf("%w: %s", ErrDanglingReference, what))
			}
		}
		return nil
	}

	if it := LastInteractive(histories); it != nil {
		entries := it.EntryNodeIDs
		if len(entries) == 0 && it.NodeID != "" {
			entries = []string{it.NodeID}
		}
		if len(entries) > 0 {
			if err := validate(entries, "interactive entry"); err != nil {
				return nil, nil, err
			}
			return dedupe(entries), it, nil
		}
	}

	if len(hint) > 0 {
		if err := validate(hint, "entry hint"); err != nil {
			return nil, nil, err
		}
		return dedupe(hint), nil, nil
	}

	hasIncoming := make(map[string]bool)
	for _, e := range edges {
		if top[e.Source] && top[e.Target] {
			hasIncoming[e.Target] = true
		}
	}
	var entries []string
	for i := range nodes {
		if n := &nodes[i]; top[n.ID] && !hasIncoming[n.ID] {
			entries = append(entries, n.ID)
		}
	}
	if len(entries) == 0 {
		return nil, nil, &GraphError{Kind: NoEntryPoint, EdgeIndex: -1, Err: ErrNoEntryPoint}
	}
	return dedupe(entries), nil, nil
}
