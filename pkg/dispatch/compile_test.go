package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_DefaultEntries(t *testing.T) {
	nodes := []Node{node("a", typeStep), node("b", typeStep), node("c", typeStep)}
	edges := []Edge{edge("a", "b")}

	g, err := Compile(nodes, edges)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, g.Entries())
	assert.Equal(t, "", g.Scope())
	assert.Len(t, g.Nodes(), 3)
}

func TestCompile_EntryEdgesStartActive(t *testing.T) {
	nodes := []Node{node("a", typeStep), node("b", typeStep), node("c", typeStep)}
	edges := []Edge{edge("a", "b"), edge("b", "c")}

	g, err := Compile(nodes, edges)
	require.NoError(t, err)

	got := g.Edges()
	assert.Equal(t, EdgeActive, got[0].Status)
	assert.Equal(t, EdgeWaiting, got[1].Status)
}

func TestCompile_SelectedToolsEdgesStayWaiting(t *testing.T) {
	nodes := []Node{node("agent", NodeToolCall), node("tool", typeStep)}
	edges := []Edge{handleEdge("agent", HandleSelectedTools, "tool")}

	g, err := Compile(nodes, edges, WithEntryHint("agent"))
	require.NoError(t, err)
	assert.Equal(t, EdgeWaiting, g.Edges()[0].Status)
}

func TestCompile_MemoryEdgesOverride(t *testing.T) {
	nodes := []Node{node("a", typeStep), node("b", typeStep)}
	edges := []Edge{edge("a", "b")}
	memory := []EdgeState{{
		Source:       "a",
		SourceHandle: "a-source-right",
		Target:       "b",
		TargetHandle: "b-target-left",
		Status:       EdgeSkipped,
	}}

	g, err := Compile(nodes, edges, WithMemoryEdges(memory))
	require.NoError(t, err)
	assert.Equal(t, EdgeSkipped, g.Edges()[0].Status)
}

func TestCompile_Scope(t *testing.T) {
	nodes := []Node{
		node("loop", NodeLoop),
		child("ls", NodeLoopStart, "loop"),
		child("body", typeStep, "loop"),
		node("after", typeStep),
	}
	edges := []Edge{edge("ls", "body"), edge("loop", "after")}

	g, err := Compile(nodes, edges, WithScope("loop"))
	require.NoError(t, err)
	assert.Equal(t, "loop", g.Scope())
	assert.Equal(t, []string{"ls"}, g.Entries())
	assert.Len(t, g.Edges(), 1)

	_, ok := g.Node("after")
	assert.False(t, ok)
}

func TestCompile_Errors(t *testing.T) {
	t.Run("duplicate node", func(t *testing.T) {
		_, err := Compile([]Node{node("a", typeStep), node("a", typeStep)}, nil)
		require.Error(t, err)

		var gerr *GraphError
		require.True(t, errors.As(err, &gerr))
		assert.Equal(t, DuplicateNode, gerr.Kind)
		assert.ErrorIs(t, err, ErrDuplicateNode)
	})

	t.Run("dangling edge", func(t *testing.T) {
		_, err := Compile([]Node{node("a", typeStep)}, []Edge{edge("a", "ghost")})
		require.Error(t, err)

		var gerr *GraphError
		require.True(t, errors.As(err, &gerr))
		assert.Equal(t, DanglingReference, gerr.Kind)
		assert.Equal(t, "ghost", gerr.NodeID)
		assert.Equal(t, 0, gerr.EdgeIndex)
	})

	t.Run("unknown parent", func(t *testing.T) {
		_, err := Compile([]Node{node("a", typeStep), child("b", typeStep, "nope")}, nil)
		assert.ErrorIs(t, err, ErrDanglingReference)
	})

	t.Run("edge crossing scope", func(t *testing.T) {
		nodes := []Node{node("loop", NodeLoop), child("body", typeStep, "loop"), node("x", typeStep)}
		_, err := Compile(nodes, []Edge{edge("x", "body")})
		assert.ErrorIs(t, err, ErrDanglingReference)
	})

	t.Run("unknown entry hint", func(t *testing.T) {
		_, err := Compile([]Node{node("a", typeStep)}, nil, WithEntryHint("zzz"))
		assert.ErrorIs(t, err, ErrDanglingReference)
	})

	t.Run("no entry point", func(t *testing.T) {
		nodes := []Node{node("a", typeStep), node("b", typeStep)}
		_, err := Compile(nodes, []Edge{edge("a", "b"), edge("b", "a")})

		var gerr *GraphError
		require.True(t, errors.As(err, &gerr))
		assert.Equal(t, NoEntryPoint, gerr.Kind)
	})

	t.Run("all problems joined", func(t *testing.T) {
		nodes := []Node{node("a", typeStep), node("a", typeStep)}
		_, err := Compile(nodes, []Edge{edge("a", "x")})
		assert.ErrorIs(t, err, ErrDuplicateNode)
		assert.ErrorIs(t, err, ErrDanglingReference)
	})
}

func TestFilterOrphanEdges(t *testing.T) {
	nodes := []Node{node("a", typeStep), node("b", typeStep)}
	edges := []Edge{edge("a", "b"), edge("a", "gone"), edge("gone", "b"), edge("b", "a")}

	kept, dropped := FilterOrphanEdges(edges, nodes)
	assert.Equal(t, []Edge{edge("a", "b"), edge("b", "a")}, kept)
	assert.Len(t, dropped, 2)
}

func TestGraph_Outgoing(t *testing.T) {
	nodes := []Node{node("a", typeStep), node("b", typeStep), node("c", typeStep)}
	edges := []Edge{edge("a", "b"), handleEdge("a", HandleSelectedTools, "c")}

	g, err := Compile(nodes, edges)
	require.NoError(t, err)
	assert.Len(t, g.Outgoing("a"), 2)
	assert.Empty(t, g.Outgoing("b"))
}
