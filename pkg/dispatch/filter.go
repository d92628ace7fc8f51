package dispatch

// FilterOrphanEdges splits edges into those whose source and target both
// exist in nodes and those that reference a missing node. Order is kept.
func FilterOrphanEdges(edges []Edge, nodes []Node) (kept, dropped []Edge) {
	ids := make(map[string]struct{}, len(nodes))
	for i := range nodes {
		ids[nodes[i].ID] = struct{}{}
	}

	kept = make([]Edge, 0, len(edges))
	for _, e := range edges {
		_, src := ids[e.Source]
		_, dst := ids[e.Target]
		if src && dst {
			kept = append(kept, e)
			continue
		}
		dropped = append(dropped, e)
	}
	return kept, dropped
}
