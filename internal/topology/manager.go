package topology

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zde37/tessera/internal/affinity"
	"github.com/zde37/tessera/internal/cluster"
	"github.com/zde37/tessera/pkg"
)

// DefaultHistorySize is the number of past assignments kept by default.
const DefaultHistorySize = 16

// Observer is told about every computed assignment.
type Observer interface {
	AssignmentComputed(d time.Duration, a *affinity.Assignment)
}

// Config configures a Manager.
type Config struct {
	// Function computes partition owners. Required.
	Function *affinity.Rendezvous

	// Backups is the number of backups per partition.
	Backups int

	// HistorySize bounds the assignments kept by version.
	HistorySize int

	Observer    Observer
	Broadcaster UpdateBroadcaster
	Logger      *pkg.Logger
}

// Manager owns the topology: the member list, its version and the partition
// assignment computed for every version. Changes are serialized; lookups read
// the latest published assignment.
type Manager struct {
	fn      *affinity.Rendezvous
	backups int
	logger  *pkg.Logger

	mu          sync.RWMutex
	members     map[cluster.NodeID]*cluster.Node
	nextOrder   int64
	snapshot    *cluster.Snapshot
	current     *affinity.Assignment
	history     map[int64]*affinity.Assignment
	versions    []int64
	historySize int
	observer    Observer
	broadcaster UpdateBroadcaster
}

// NewManager creates a manager with an empty topology at version zero.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Function == nil {
		return nil, fmt.Errorf("%w: affinity function is required", pkg.ErrFatalConfiguration)
	}
	if cfg.Backups < 0 {
		return nil, fmt.Errorf("backups cannot be negative, got %d", cfg.Backups)
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}

	empty := cluster.NewSnapshot(0, nil)
	initial, err := cfg.Function.AssignPartitions(context.Background(), affinity.AssignContext{Snapshot: empty, Backups: cfg.Backups})
	if err != nil {
		return nil, err
	}

	m := &Manager{
		fn:          cfg.Function,
		backups:     cfg.Backups,
		logger:      pkg.OrNop(cfg.Logger).Component("topology"),
		members:     make(map[cluster.NodeID]*cluster.Node),
		snapshot:    empty,
		history:     make(map[int64]*affinity.Assignment),
		historySize: cfg.HistorySize,
		observer:    cfg.Observer,
		broadcaster: cfg.Broadcaster,
	}
	m.remember(initial)
	return m, nil
}

// SetBroadcaster replaces the update broadcaster.
func (m *Manager) SetBroadcaster(b UpdateBroadcaster) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcaster = b
}

// Function returns the affinity function.
func (m *Manager) Function() *affinity.Rendezvous { return m.fn }

// Backups returns the configured backup count.
func (m *Manager) Backups() int { return m.backups }

// Join adds node to the topology and returns the new assignment. The node's
// join order is assigned by the manager.
func (m *Manager) Join(ctx context.Context, node *cluster.Node) (*affinity.Assignment, error) {
	if node == nil {
		return nil, fmt.Errorf("%w: nil node", pkg.ErrIllegalState)
	}

	m.mu.Lock()
	if _, ok := m.members[node.ID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: node %s already joined", pkg.ErrIllegalState, node.ID)
	}
	n := node.Copy()
	m.nextOrder++
	n.Order = m.nextOrder
	m.members[n.ID] = n

	prev, next, err := m.recomputeLocked(ctx)
	if err != nil {
		delete(m.members, n.ID)
		m.mu.Unlock()
		return nil, err
	}
	b, size := m.broadcaster, m.snapshot.Size()
	m.mu.Unlock()

	m.announce(b, EventNodeJoin, n, size, prev, next)
	return next, nil
}

// Leave removes the node with the given id and returns the new assignment.
func (m *Manager) Leave(ctx context.Context, id cluster.NodeID) (*affinity.Assignment, error) {
	m.mu.Lock()
	n, ok := m.members[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: node %s is not a member", pkg.ErrIllegalState, id)
	}
	delete(m.members, id)

	prev, next, err := m.recomputeLocked(ctx)
	if err != nil {
		m.members[id] = n
		m.mu.Unlock()
		return nil, err
	}
	b, size := m.broadcaster, m.snapshot.Size()
	m.mu.Unlock()

	m.fn.RemoveNode(id)
	m.announce(b, EventNodeLeave, n, size, prev, next)
	return next, nil
}

func (m *Manager) recomputeLocked(ctx context.Context) (prev, next *affinity.Assignment, err error) {
	nodes := make([]*cluster.Node, 0, len(m.members))
	for _, n := range m.members {
		nodes = append(nodes, n)
	}
	snap := cluster.NewSnapshot(m.snapshot.Version+1, nodes)

	start := time.Now()
	next, err = m.fn.AssignPartitions(ctx, affinity.AssignContext{Snapshot: snap, Backups: m.backups})
	if err != nil {
		m.logger.Error().Err(err).Int64("version", snap.Version).Msg("partition assignment failed")
		return nil, nil, err
	}
	if m.observer != nil {
		m.observer.AssignmentComputed(time.Since(start), next)
	}

	prev = m.current
	m.snapshot = snap
	m.remember(next)
	return prev, next, nil
}

func (m *Manager) remember(a *affinity.Assignment) {
	m.current = a
	m.history[a.Version] = a
	m.versions = append(m.versions, a.Version)
	for len(m.versions) > m.historySize {
		delete(m.history, m.versions[0])
		m.versions = m.versions[1:]
	}
}

func (m *Manager) announce(b UpdateBroadcaster, typ string, n *cluster.Node, nodes int, prev, next *affinity.Assignment) {
	moved := len(affinity.Moved(prev, next))

	m.logger.Info().
		Str("event", typ).
		Str("node", n.String()).
		Int64("version", next.Version).
		Int("nodes", nodes).
		Int("moved", moved).
		Int("partitions", next.Partitions()).
		Msg("topology changed")

	if b == nil {
		return
	}

	verb := "joined"
	if typ == EventNodeLeave {
		verb = "left"
	}
	ev := UpdateEvent{
		Type:      typ,
		NodeID:    n.ID.String(),
		Version:   next.Version,
		Nodes:     nodes,
		Moved:     moved,
		Timestamp: time.Now().Unix(),
		Message:   fmt.Sprintf("node %s %s, %d partitions moved", n.Address(), verb, moved),
	}
	if err := b.BroadcastTopologyUpdate(ev); err != nil {
		m.logger.Warn().Err(err).Msg("failed to broadcast topology update")
	}
}

// Snapshot returns the current topology.
func (m *Manager) Snapshot() *cluster.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// Version returns the current topology version.
func (m *Manager) Version() int64 {
	return m.Snapshot().Version
}

// Current returns the assignment of the current topology version.
func (m *Manager) Current() *affinity.Assignment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Assignment returns the assignment computed for version, or nil if it is
// unknown or fell out of the history.
func (m *Manager) Assignment(version int64) *affinity.Assignment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.history[version]
}

// Node returns the member with the given id, or nil.
func (m *Manager) Node(id cluster.NodeID) *cluster.Node {
	return m.Snapshot().Node(id)
}

// Partition maps key to its partition.
func (m *Manager) Partition(key string) int {
	return m.fn.PartitionOf(key)
}

// Owners returns the owners of key's partition, primary first.
func (m *Manager) Owners(key string) []*cluster.Node {
	return m.Current().Owners(m.Partition(key))
}

// Primary returns the primary owner of key, or nil for an empty topology.
func (m *Manager) Primary(key string) *cluster.Node {
	return m.Current().Primary(m.Partition(key))
}

// IsPrimary reports whether id is the primary owner of key.
func (m *Manager) IsPrimary(id cluster.NodeID, key string) bool {
	p := m.Primary(key)
	return p != nil && p.ID == id
}

// IsBackup reports whether id backs up key.
func (m *Manager) IsBackup(id cluster.NodeID, key string) bool {
	for _, n := range m.Current().BackupNodes(m.Partition(key)) {
		if n.ID == id {
			return true
		}
	}
	return false
}
