package affinity

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/zde37/tessera/internal/cluster"
	"github.com/zde37/tessera/pkg"
	"github.com/zde37/tessera/pkg/hash"
)

const (
	// DefaultPartitions is the partition count used when none is configured.
	DefaultPartitions = 1024

	// AllBackups requests every node as owner of every partition.
	AllBackups = math.MaxInt
)

// Config configures a rendezvous affinity function.
type Config struct {
	// Partitions is the number of key partitions. It should be much larger
	// than the number of nodes.
	Partitions int

	// ExcludeNeighbors keeps nodes on the same host from owning the same
	// partition. BackupFilter is ignored when set.
	ExcludeNeighbors bool

	// BackupFilter optionally restricts which nodes may back up a primary.
	BackupFilter BackupFilter

	// HashIDResolver resolves node hash identities. Defaults to the address.
	HashIDResolver HashIDResolver
}

// AssignContext is the input of a full assignment.
type AssignContext struct {
	Snapshot *cluster.Snapshot
	Backups  int
}

// Rendezvous is a highest-random-weight affinity function. It holds no mutable
// state: the same configuration and topology always yield the same owners.
type Rendezvous struct {
	parts            int
	excludeNeighbors bool
	backupFilter     BackupFilter
	resolver         HashIDResolver
}

// New creates a rendezvous affinity function.
func New(cfg Config) (*Rendezvous, error) {
	if cfg.Partitions <= 0 || cfg.Partitions > math.MaxInt32 {
		return nil, fmt.Errorf("partitions must be between 1 and %d, got %d", math.MaxInt32, cfg.Partitions)
	}

	resolver := cfg.HashIDResolver
	if resolver == nil {
		resolver = AddressHashResolver{}
	}

	return &Rendezvous{
		parts:            cfg.Partitions,
		excludeNeighbors: cfg.ExcludeNeighbors,
		backupFilter:     cfg.BackupFilter,
		resolver:         resolver,
	}, nil
}

// Partitions returns the total partition count.
func (r *Rendezvous) Partitions() int { return r.parts }

// ExcludeNeighbors reports whether same-host neighbours are kept apart.
func (r *Rendezvous) ExcludeNeighbors() bool { return r.excludeNeighbors }

// HashIDResolver returns the configured resolver.
func (r *Rendezvous) HashIDResolver() HashIDResolver { return r.resolver }

// BackupFilter returns the configured backup filter, or nil.
func (r *Rendezvous) BackupFilter() BackupFilter { return r.backupFilter }

// Partition maps a key to its partition.
func (r *Rendezvous) Partition(key []byte) int {
	return hash.KeyPartition(key, r.parts)
}

// PartitionOf maps a string key to its partition.
func (r *Rendezvous) PartitionOf(key string) int {
	return r.Partition([]byte(key))
}

// Reset is a no-op: the function keeps no state between calls.
func (r *Rendezvous) Reset() {}

// RemoveNode is a no-op: departed nodes simply stop appearing in snapshots.
func (r *Rendezvous) RemoveNode(cluster.NodeID) {}

type weighted struct {
	weight uint64
	node   *cluster.Node
}

// AssignPartition returns the owners of part, primary first. neighborhood may
// be nil; it is built on the fly when neighbour exclusion needs it.
func (r *Rendezvous) AssignPartition(part int, nodes []*cluster.Node, backups int, neighborhood *NeighborhoodIndex) ([]*cluster.Node, error) {
	if len(nodes) <= 1 {
		return nodes, nil
	}

	ids, err := r.resolveAll(nodes)
	if err != nil {
		return nil, err
	}

	if r.excludeNeighbors && neighborhood == nil {
		neighborhood = NewNeighborhoodIndex(nodes)
	}

	return r.assign(part, nodes, ids, backups, neighborhood), nil
}

func (r *Rendezvous) resolveAll(nodes []*cluster.Node) ([][]byte, error) {
	ids := make([][]byte, len(nodes))
	for i, n := range nodes {
		id, err := r.resolver.ResolveHashID(n)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve hash id of %v: %v", pkg.ErrFatalConfiguration, n, err)
		}
		ids[i] = id
	}
	return ids, nil
}

func (r *Rendezvous) assign(part int, nodes []*cluster.Node, ids [][]byte, backups int, neighborhood *NeighborhoodIndex) []*cluster.Node {
	if len(nodes) <= 1 {
		return nodes
	}

	lst := make([]weighted, len(nodes))
	for i, n := range nodes {
		lst[i] = weighted{weight: hash.PartitionWeight(ids[i], part), node: n}
	}

	sort.Slice(lst, func(i, j int) bool {
		if lst[i].weight != lst[j].weight {
			return lst[i].weight < lst[j].weight
		}
		return cluster.CompareNodeIDs(lst[i].node.ID, lst[j].node.ID) < 0
	})

	quota := len(nodes)
	if backups < len(nodes)-1 {
		quota = backups + 1
	}
	if quota < 1 {
		quota = 1
	}

	res := make([]*cluster.Node, 0, quota)
	primary := lst[0].node
	res = append(res, primary)

	var used *hostSet
	if r.excludeNeighbors {
		used = newHostSet(neighborhood, quota)
		used.add(primary)
	}

	if backups > 0 {
		for i := 1; i < len(lst) && len(res) < quota; i++ {
			n := lst[i].node

			if r.excludeNeighbors {
				if used.excludes(n) {
					continue
				}
				used.add(n)
				res = append(res, n)
				continue
			}

			if r.backupFilter == nil || r.backupFilter.AcceptBackup(primary, n) {
				res = append(res, n)
			}
		}
	}

	// Exclusion was too strict: take any node not selected yet, in weight order.
	if r.excludeNeighbors && len(res) < quota {
		for i := 1; i < len(lst) && len(res) < quota; i++ {
			n := lst[i].node
			if !contains(res, n.ID) {
				res = append(res, n)
			}
		}
	}

	return res
}

func contains(nodes []*cluster.Node, id cluster.NodeID) bool {
	for _, n := range nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

// AssignPartitions computes owners for every partition of the snapshot. The
// neighbourhood index is built once; partitions are computed in parallel.
func (r *Rendezvous) AssignPartitions(ctx context.Context, actx AssignContext) (*Assignment, error) {
	if actx.Backups < 0 {
		return nil, fmt.Errorf("backups cannot be negative, got %d", actx.Backups)
	}

	var nodes []*cluster.Node
	var version int64
	if actx.Snapshot != nil {
		nodes = actx.Snapshot.Nodes
		version = actx.Snapshot.Version
	}

	ids, err := r.resolveAll(nodes)
	if err != nil {
		return nil, err
	}

	var neighborhood *NeighborhoodIndex
	if r.excludeNeighbors {
		neighborhood = NewNeighborhoodIndex(nodes)
	}

	owners := make([][]*cluster.Node, r.parts)

	workers := runtime.GOMAXPROCS(0)
	if workers > r.parts {
		workers = r.parts
	}
	chunk := (r.parts + workers - 1) / workers

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < r.parts; start += chunk {
		lo, hi := start, start+chunk
		if hi > r.parts {
			hi = r.parts
		}
		g.Go(func() error {
			for p := lo; p < hi; p++ {
				if p%256 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				owners[p] = r.assign(p, nodes, ids, actx.Backups, neighborhood)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("assign partitions: %w", err)
	}

	return &Assignment{
		Version: version,
		Backups: actx.Backups,
		owners:  owners,
	}, nil
}
