package affinity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zde37/tessera/internal/cluster"
)

func TestNeighborhoodIndex(t *testing.T) {
	nodes := createHostNodes(3, 2)
	idx := NewNeighborhoodIndex(nodes)

	assert.Equal(t, 3, idx.Groups())

	neighbors := idx.Neighbors(nodes[0].ID)
	assert.ElementsMatch(t, []cluster.NodeID{nodes[0].ID, nodes[1].ID}, neighbors)

	assert.True(t, idx.AreNeighbors(nodes[0], nodes[1]))
	assert.True(t, idx.AreNeighbors(nodes[2], nodes[2]))
	assert.False(t, idx.AreNeighbors(nodes[1], nodes[2]))

	assert.Nil(t, idx.Neighbors(cluster.NewNodeID()))
}

func TestNeighborhoodIndex_HostFallback(t *testing.T) {
	// No MAC attribute: grouping falls back to the host name.
	a := cluster.NewNode(cluster.NewNodeID(), "box-1", 1, nil)
	b := cluster.NewNode(cluster.NewNodeID(), "box-1", 2, nil)
	c := cluster.NewNode(cluster.NewNodeID(), "box-2", 1, nil)
	idx := NewNeighborhoodIndex([]*cluster.Node{a, b, c})

	assert.Equal(t, 2, idx.Groups())
	assert.True(t, idx.AreNeighbors(a, b))
	assert.False(t, idx.AreNeighbors(a, c))

	// A node joining after the index was built is grouped by host.
	late := cluster.NewNode(cluster.NewNodeID(), "box-2", 3, nil)
	assert.True(t, idx.AreNeighbors(c, late))

	stranger := cluster.NewNode(cluster.NewNodeID(), "box-9", 1, nil)
	assert.False(t, idx.AreNeighbors(a, stranger))
}

func TestHostSet(t *testing.T) {
	nodes := createHostNodes(2, 2)
	set := newHostSet(NewNeighborhoodIndex(nodes), 2)

	set.add(nodes[0])
	assert.True(t, set.excludes(nodes[0]))
	assert.True(t, set.excludes(nodes[1]))
	assert.False(t, set.excludes(nodes[2]))

	stranger := cluster.NewNode(cluster.NewNodeID(), "elsewhere", 1, map[string]string{cluster.AttrMACs: "zz"})
	assert.False(t, set.excludes(stranger))
	set.add(stranger)
	assert.True(t, set.excludes(stranger))
}
