package affinity

import (
	"github.com/zde37/tessera/internal/cluster"
)

// Assignment is the partition table of one topology version: for every
// partition, its owners with the primary first. It is never mutated.
type Assignment struct {
	Version int64
	Backups int
	owners  [][]*cluster.Node
}

// NewAssignment wraps a precomputed owner table.
func NewAssignment(version int64, backups int, owners [][]*cluster.Node) *Assignment {
	return &Assignment{Version: version, Backups: backups, owners: owners}
}

// Partitions returns the number of partitions in the table.
func (a *Assignment) Partitions() int {
	return len(a.owners)
}

// Owners returns the owners of part, primary first.
func (a *Assignment) Owners(part int) []*cluster.Node {
	if part < 0 || part >= len(a.owners) {
		return nil
	}
	out := make([]*cluster.Node, len(a.owners[part]))
	copy(out, a.owners[part])
	return out
}

// Primary returns the primary owner of part, or nil for an empty topology.
func (a *Assignment) Primary(part int) *cluster.Node {
	if part < 0 || part >= len(a.owners) || len(a.owners[part]) == 0 {
		return nil
	}
	return a.owners[part][0]
}

// BackupNodes returns the backups of part.
func (a *Assignment) BackupNodes(part int) []*cluster.Node {
	owners := a.Owners(part)
	if len(owners) <= 1 {
		return nil
	}
	return owners[1:]
}

// PartitionsOf returns every partition id owns as primary or backup.
func (a *Assignment) PartitionsOf(id cluster.NodeID) []int {
	var parts []int
	for p, owners := range a.owners {
		for _, n := range owners {
			if n.ID == id {
				parts = append(parts, p)
				break
			}
		}
	}
	return parts
}

// PrimaryPartitionsOf returns every partition id owns as primary.
func (a *Assignment) PrimaryPartitionsOf(id cluster.NodeID) []int {
	var parts []int
	for p, owners := range a.owners {
		if len(owners) > 0 && owners[0].ID == id {
			parts = append(parts, p)
		}
	}
	return parts
}

// Moved returns the partitions whose primary differs between prev and next.
func Moved(prev, next *Assignment) []int {
	if prev == nil || next == nil {
		return nil
	}
	n := prev.Partitions()
	if next.Partitions() < n {
		n = next.Partitions()
	}

	var moved []int
	for p := 0; p < n; p++ {
		a, b := prev.Primary(p), next.Primary(p)
		if a == nil || b == nil || a.ID != b.ID {
			moved = append(moved, p)
		}
	}
	return moved
}
