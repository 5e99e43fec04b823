package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasCycle(t *testing.T) {
	g := NewGraph()
	for _, id := range []string{"a", "b", "c"} {
		g.AddNode(id)
	}
	require.NoError(t, g.AddEdge("a", "b"))
	require.NoError(t, g.AddEdge("b", "c"))

	hasCycle, _ := g.HasCycle()
	assert.False(t, hasCycle)

	require.NoError(t, g.AddEdge("c", "a"))
	hasCycle, path := g.HasCycle()
	assert.True(t, hasCycle)
	assert.Equal(t, path[0], path[len(path)-1], "环路径首尾应相同")
	assert.Len(t, path, 4)
}

func TestAddEdgeRejectsSelfLoopAndUnknownNodes(t *testing.T) {
	g := NewGraph()
	g.AddNode("a")

	assert.Error(t, g.AddEdge("a", "a"))
	assert.Error(t, g.AddEdge("a", "missing"))
	assert.Error(t, g.AddEdge("missing", "a"))
}

func TestUpstream(t *testing.T) {
	g := NewGraph()
	for _, id := range []string{"title", "summary", "tags", "other"} {
		g.AddNode(id)
	}
	require.NoError(t, g.AddEdge("title", "summary"))
	require.NoError(t, g.AddEdge("summary", "tags"))

	assert.Equal(t, []string{"summary", "title"}, g.Upstream("tags"))
	assert.Empty(t, g.Upstream("other"))
}
