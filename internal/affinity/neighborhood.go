package affinity

import (
	"github.com/zde37/tessera/internal/cluster"
)

// NeighborhoodIndex groups nodes that share a physical host. It is built once
// per topology snapshot and shared, read-only, by every partition computation.
type NeighborhoodIndex struct {
	groupOf map[cluster.NodeID]int
	byHost  map[string]int
	groups  [][]cluster.NodeID
}

// NewNeighborhoodIndex groups nodes by their host key in O(N).
func NewNeighborhoodIndex(nodes []*cluster.Node) *NeighborhoodIndex {
	idx := &NeighborhoodIndex{
		groupOf: make(map[cluster.NodeID]int, len(nodes)),
		byHost:  make(map[string]int, len(nodes)),
	}

	for _, n := range nodes {
		key := n.HostKey()
		g, ok := idx.byHost[key]
		if !ok {
			g = len(idx.groups)
			idx.byHost[key] = g
			idx.groups = append(idx.groups, nil)
		}
		if _, seen := idx.groupOf[n.ID]; seen {
			continue
		}
		idx.groupOf[n.ID] = g
		idx.groups[g] = append(idx.groups[g], n.ID)
	}

	return idx
}

// group returns the group of n. Nodes unknown to the index are grouped by host
// key, or get a private group of their own.
func (idx *NeighborhoodIndex) group(n *cluster.Node) int {
	if g, ok := idx.groupOf[n.ID]; ok {
		return g
	}
	if g, ok := idx.byHost[n.HostKey()]; ok {
		return g
	}
	return -1
}

// Neighbors returns the ids of every node on the same host as id, id included.
func (idx *NeighborhoodIndex) Neighbors(id cluster.NodeID) []cluster.NodeID {
	g, ok := idx.groupOf[id]
	if !ok {
		return nil
	}
	out := make([]cluster.NodeID, len(idx.groups[g]))
	copy(out, idx.groups[g])
	return out
}

// AreNeighbors reports whether a and b run on the same host.
func (idx *NeighborhoodIndex) AreNeighbors(a, b *cluster.Node) bool {
	if a.ID == b.ID {
		return true
	}
	ga, gb := idx.group(a), idx.group(b)
	return ga >= 0 && ga == gb
}

// Groups returns the number of distinct hosts.
func (idx *NeighborhoodIndex) Groups() int {
	return len(idx.groups)
}

// hostSet tracks the hosts already used by a partition's owner list.
type hostSet struct {
	idx    *NeighborhoodIndex
	groups map[int]struct{}
	ids    map[cluster.NodeID]struct{}
}

func newHostSet(idx *NeighborhoodIndex, capacity int) *hostSet {
	return &hostSet{
		idx:    idx,
		groups: make(map[int]struct{}, capacity),
		ids:    make(map[cluster.NodeID]struct{}, capacity),
	}
}

func (s *hostSet) add(n *cluster.Node) {
	s.ids[n.ID] = struct{}{}
	if g := s.idx.group(n); g >= 0 {
		s.groups[g] = struct{}{}
	}
}

// excludes reports whether n is, or neighbours, a node already in the set.
func (s *hostSet) excludes(n *cluster.Node) bool {
	if _, ok := s.ids[n.ID]; ok {
		return true
	}
	g := s.idx.group(n)
	if g < 0 {
		return false
	}
	_, ok := s.groups[g]
	return ok
}
