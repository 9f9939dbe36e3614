package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNode(t *testing.T) {
	attrs := map[string]string{AttrMACs: "aa:bb"}
	id := NewNodeID()
	n := NewNode(id, "10.0.0.1", 8440, attrs)

	attrs[AttrMACs] = "changed"
	assert.Equal(t, "aa:bb", n.Attribute(AttrMACs), "attributes must be copied")
	assert.Equal(t, "10.0.0.1:8440", n.Address())
	assert.Contains(t, n.String(), id.String())
}

func TestNodeHostKey(t *testing.T) {
	tests := []struct {
		name string
		node *Node
		want string
	}{
		{
			name: "mac attribute wins",
			node: NewNode(NewNodeID(), "10.0.0.1", 1, map[string]string{AttrMACs: "aa"}),
			want: "aa",
		},
		{
			name: "falls back to host",
			node: NewNode(NewNodeID(), "10.0.0.2", 1, nil),
			want: "10.0.0.2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.node.HostKey())
		})
	}
}

func TestNodeCopyAndEquals(t *testing.T) {
	n := NewNode(NewNodeID(), "h", 1, map[string]string{AttrRack: "r1"})
	n.Order = 4

	cp := n.Copy()
	require.NotSame(t, n, cp)
	assert.True(t, n.Equals(cp))
	assert.Equal(t, int64(4), cp.Order)

	cp.Attributes[AttrRack] = "r2"
	assert.Equal(t, "r1", n.Attribute(AttrRack))

	var nilNode *Node
	assert.True(t, nilNode.Equals(nil))
	assert.False(t, nilNode.Equals(n))
	assert.Nil(t, nilNode.Copy())
	assert.Equal(t, "", nilNode.Attribute(AttrRack))
}

func TestCompareNodeIDs(t *testing.T) {
	a, err := ParseNodeID("00000000-0000-0000-0000-000000000001")
	require.NoError(t, err)
	b, err := ParseNodeID("00000000-0000-0000-0000-000000000002")
	require.NoError(t, err)

	assert.Equal(t, -1, CompareNodeIDs(a, b))
	assert.Equal(t, 1, CompareNodeIDs(b, a))
	assert.Equal(t, 0, CompareNodeIDs(a, a))
}

func TestSnapshot(t *testing.T) {
	n1 := NewNode(NewNodeID(), "h1", 1, nil)
	n1.Order = 2
	n2 := NewNode(NewNodeID(), "h2", 1, nil)
	n2.Order = 1

	snap := NewSnapshot(7, []*Node{n1, n2})
	assert.Equal(t, int64(7), snap.Version)
	assert.Equal(t, 2, snap.Size())
	assert.Equal(t, []NodeID{n2.ID, n1.ID}, snap.IDs())
	assert.True(t, snap.Node(n1.ID).Equals(n1))
	assert.Nil(t, snap.Node(NewNodeID()))

	var empty *Snapshot
	assert.Equal(t, 0, empty.Size())
	assert.Nil(t, empty.Node(n1.ID))
}
