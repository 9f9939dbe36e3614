package cluster

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Node attribute names.
const (
	// AttrMACs holds the comma separated MAC addresses of the host. Nodes with
	// the same value run on the same physical machine.
	AttrMACs = "tessera.macs"

	// AttrRack is a free-form placement attribute usable by backup filters.
	AttrRack = "tessera.rack"
)

// NodeID identifies a node for the lifetime of its process. It changes on restart.
type NodeID = uuid.UUID

// NewNodeID returns a random node id.
func NewNodeID() NodeID {
	return uuid.New()
}

// ParseNodeID parses the canonical string form of a node id.
func ParseNodeID(s string) (NodeID, error) {
	return uuid.Parse(s)
}

// CompareNodeIDs orders node ids bytewise. It is the total order used to break
// rendezvous hash ties.
func CompareNodeIDs(a, b NodeID) int {
	return bytes.Compare(a[:], b[:])
}

// Node is a grid member as seen by the partition-ownership algorithm.
type Node struct {
	ID         NodeID            // Volatile process identity
	Host       string            // Network host (IP address or hostname)
	Port       int               // Network port
	Order      int64             // Join order within the topology
	Attributes map[string]string // Immutable node attributes
}

// NewNode creates a node. The attribute map is copied to prevent external modification.
func NewNode(id NodeID, host string, port int, attrs map[string]string) *Node {
	cp := make(map[string]string, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	return &Node{
		ID:         id,
		Host:       host,
		Port:       port,
		Attributes: cp,
	}
}

// Attribute returns the value of a node attribute, or "" if absent.
func (n *Node) Attribute(name string) string {
	if n == nil || n.Attributes == nil {
		return ""
	}
	return n.Attributes[name]
}

// HostKey returns the grouping key used for neighbour detection: the MAC
// attribute when present, the host otherwise.
func (n *Node) HostKey() string {
	if macs := n.Attribute(AttrMACs); macs != "" {
		return macs
	}
	return n.Host
}

// Address returns the network address in "host:port" format.
func (n *Node) Address() string {
	if n == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// String returns a human-readable representation of the node.
func (n *Node) String() string {
	if n == nil {
		return "Node{nil}"
	}
	return fmt.Sprintf("Node{ID: %s, Addr: %s:%d}", n.ID, n.Host, n.Port)
}

// Equals reports whether two nodes share the same id.
func (n *Node) Equals(other *Node) bool {
	if n == nil || other == nil {
		return n == other
	}
	return n.ID == other.ID
}

// Copy creates a deep copy of the node.
func (n *Node) Copy() *Node {
	if n == nil {
		return nil
	}
	cp := NewNode(n.ID, n.Host, n.Port, n.Attributes)
	cp.Order = n.Order
	return cp
}

// Snapshot is an immutable view of the topology at one version.
type Snapshot struct {
	Version int64
	Nodes   []*Node
}

// NewSnapshot copies nodes and sorts them by join order, then id.
func NewSnapshot(version int64, nodes []*Node) *Snapshot {
	cp := make([]*Node, len(nodes))
	for i, n := range nodes {
		cp[i] = n.Copy()
	}
	sort.SliceStable(cp, func(i, j int) bool {
		if cp[i].Order != cp[j].Order {
			return cp[i].Order < cp[j].Order
		}
		return CompareNodeIDs(cp[i].ID, cp[j].ID) < 0
	})
	return &Snapshot{Version: version, Nodes: cp}
}

// Node returns the node with the given id, or nil.
func (s *Snapshot) Node(id NodeID) *Node {
	if s == nil {
		return nil
	}
	for _, n := range s.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Size returns the number of nodes in the snapshot.
func (s *Snapshot) Size() int {
	if s == nil {
		return 0
	}
	return len(s.Nodes)
}

// IDs returns the node ids in snapshot order.
func (s *Snapshot) IDs() []NodeID {
	if s == nil {
		return nil
	}
	ids := make([]NodeID, len(s.Nodes))
	for i, n := range s.Nodes {
		ids[i] = n.ID
	}
	return ids
}
