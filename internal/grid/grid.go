package grid

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/zde37/tessera/internal/affinity"
	"github.com/zde37/tessera/internal/cache"
	"github.com/zde37/tessera/internal/cluster"
	"github.com/zde37/tessera/internal/config"
	"github.com/zde37/tessera/internal/metrics"
	"github.com/zde37/tessera/internal/mvcc"
	"github.com/zde37/tessera/internal/topology"
	"github.com/zde37/tessera/internal/tx"
	"github.com/zde37/tessera/pkg"
)

// Option customizes a Grid.
type Option func(*options)

type options struct {
	backend cache.Backend
	nodeID  *cluster.NodeID
}

// WithBackend writes every committed change through b.
func WithBackend(b cache.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithNodeID fixes the node id instead of generating one.
func WithNodeID(id cluster.NodeID) Option {
	return func(o *options) { o.nodeID = &id }
}

// Grid is one node of the data grid: its topology view, its lock registry,
// the cache on top of it and the transaction manager.
type Grid struct {
	cfg    *config.Config
	logger *pkg.Logger
	local  *cluster.Node

	topology *topology.Manager
	registry *mvcc.Registry
	store    *cache.EntryStore
	cache    *cache.Cache
	txm      *tx.Manager
	metrics  *metrics.Metrics
	events   *EventFanout
	codec    *affinity.Codec

	listenerID int64
}

// New builds a node from cfg. The node is not part of its own topology until
// Start.
func New(cfg *config.Config, logger *pkg.Logger, opts ...Option) (*Grid, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	id, err := resolveNodeID(cfg, o.nodeID)
	if err != nil {
		return nil, err
	}
	local := LocalNode(id, cfg)
	logger = pkg.OrNop(logger).WithFields(pkg.Fields{"node": local.Address()})

	fn, err := AffinityFunction(cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New(id)
	events := NewEventFanout()
	events.Subscribe(m)

	topo, err := topology.NewManager(topology.Config{
		Function: fn,
		Backups:  cfg.Backups,
		Observer: m,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	reg := mvcc.NewRegistry(&mvcc.RegistryConfig{
		NodeID:   id,
		EventBus: events,
		Logger:   logger,
	})
	m.WatchRegistry(reg)
	listenerID := reg.AddOwnerListener(m.OwnerChanged)

	store := cache.NewEntryStore(reg, &cache.StoreConfig{
		CleanupInterval: cfg.CleanupInterval,
		Shards:          cfg.StoreShards,
		Logger:          logger,
	})
	c := cache.New(reg, store, &cache.Config{
		LockTimeout: cfg.LockTimeout,
		TTL:         cfg.EntryTTL,
		Backend:     o.backend,
		Logger:      logger,
	})
	txm := tx.NewManager(c, &tx.Config{
		DefaultConcurrency: cfg.Concurrency(),
		DefaultIsolation:   cfg.Isolation(),
		DefaultTimeout:     cfg.TxTimeout,
		LockTimeout:        cfg.LockTimeout,
		Observer:           m,
		Logger:             logger,
	})

	return &Grid{
		cfg:        cfg,
		logger:     logger.Component("grid"),
		local:      local,
		topology:   topo,
		registry:   reg,
		store:      store,
		cache:      c,
		txm:        txm,
		metrics:    m,
		events:     events,
		codec:      affinity.NewCodec(),
		listenerID: listenerID,
	}, nil
}

func resolveNodeID(cfg *config.Config, fixed *cluster.NodeID) (cluster.NodeID, error) {
	if fixed != nil {
		return *fixed, nil
	}
	if cfg.NodeID == "" {
		return cluster.NewNodeID(), nil
	}
	id, err := cluster.ParseNodeID(cfg.NodeID)
	if err != nil {
		return cluster.NodeID{}, fmt.Errorf("invalid node id %q: %w", cfg.NodeID, err)
	}
	return id, nil
}

// LocalNode describes the node cfg configures.
func LocalNode(id cluster.NodeID, cfg *config.Config) *cluster.Node {
	attrs := make(map[string]string, len(cfg.Tags)+2)
	for k, v := range cfg.Tags {
		attrs[k] = v
	}
	if cfg.MACs != "" {
		attrs[cluster.AttrMACs] = cfg.MACs
	}
	if cfg.Rack != "" {
		attrs[cluster.AttrRack] = cfg.Rack
	}
	return cluster.NewNode(id, cfg.Host, cfg.Port, attrs)
}

// AffinityFunction builds the affinity function cfg describes.
func AffinityFunction(cfg *config.Config) (*affinity.Rendezvous, error) {
	resolver, err := affinity.ResolverByName(cfg.HashResolver)
	if err != nil {
		return nil, err
	}
	fc := affinity.Config{
		Partitions:       cfg.Partitions,
		ExcludeNeighbors: cfg.ExcludeNeighbors,
		HashIDResolver:   resolver,
	}
	if cfg.BackupRackFilter {
		fc.BackupFilter = &affinity.DifferentAttributeFilter{Attribute: cluster.AttrRack}
	}
	return affinity.New(fc)
}

// Start adds the local node to its own topology.
func (g *Grid) Start(ctx context.Context) error {
	if _, err := g.topology.Join(ctx, g.local); err != nil {
		return fmt.Errorf("join local node: %w", err)
	}
	g.logger.Info().Str("node_id", g.local.ID.String()).Int("partitions", g.cfg.Partitions).
		Int("backups", g.cfg.Backups).Msg("grid node started")
	return nil
}

// Join adds a remote member to the topology. Joining a known member is a no-op.
func (g *Grid) Join(ctx context.Context, n *cluster.Node) error {
	if g.topology.Node(n.ID) != nil {
		return nil
	}
	_, err := g.topology.Join(ctx, n)
	return err
}

// Leave removes a member from the topology. Unknown members are ignored.
func (g *Grid) Leave(ctx context.Context, id cluster.NodeID) error {
	if g.topology.Node(id) == nil {
		return nil
	}
	_, err := g.topology.Leave(ctx, id)
	return err
}

// Config returns the node configuration.
func (g *Grid) Config() *config.Config { return g.cfg }

// Local returns the local node.
func (g *Grid) Local() *cluster.Node { return g.local }

// Logger returns the node logger.
func (g *Grid) Logger() *pkg.Logger { return g.logger }

// Topology returns the topology manager.
func (g *Grid) Topology() *topology.Manager { return g.topology }

// Registry returns the lock registry.
func (g *Grid) Registry() *mvcc.Registry { return g.registry }

// Cache returns the local cache.
func (g *Grid) Cache() *cache.Cache { return g.cache }

// Transactions returns the transaction manager.
func (g *Grid) Transactions() *tx.Manager { return g.txm }

// Metrics returns the node's collectors.
func (g *Grid) Metrics() *metrics.Metrics { return g.metrics }

// Events returns the lock event fan-out.
func (g *Grid) Events() *EventFanout { return g.events }

// Codec returns the codec that decodes shipped affinity functions.
func (g *Grid) Codec() *affinity.Codec { return g.codec }

// Owners returns the owners of key, primary first.
func (g *Grid) Owners(key string) []*cluster.Node {
	return g.topology.Owners(key)
}

// IsPrimary reports whether the local node is the primary owner of key.
func (g *Grid) IsPrimary(key string) bool {
	return g.topology.IsPrimary(g.local.ID, key)
}

// Begin starts a transaction on a fresh execution context. A zero timeout
// uses the configured one.
func (g *Grid) Begin(c tx.Concurrency, iso tx.Isolation, timeout time.Duration) (*tx.Tx, error) {
	return g.txm.Begin(g.registry.NewContext(), c, iso, timeout)
}

// BeginDefault starts a transaction with the configured defaults.
func (g *Grid) BeginDefault() (*tx.Tx, error) {
	return g.txm.BeginDefault(g.registry.NewContext())
}

// AffinityConfig returns the serialized affinity function, for peers to
// verify they partition keys the same way.
func (g *Grid) AffinityConfig() ([]byte, error) {
	return g.topology.Function().MarshalBinary()
}

// CheckAffinity verifies that data encodes an affinity function that assigns
// partitions like the local one.
func (g *Grid) CheckAffinity(data []byte) error {
	remote, err := g.codec.Unmarshal(data)
	if err != nil {
		return err
	}
	local := g.topology.Function()
	if remote.Partitions() != local.Partitions() || remote.ExcludeNeighbors() != local.ExcludeNeighbors() {
		return fmt.Errorf("%w: peer uses %d partitions (exclude neighbors %t), local uses %d (%t)",
			pkg.ErrFatalConfiguration, remote.Partitions(), remote.ExcludeNeighbors(),
			local.Partitions(), local.ExcludeNeighbors())
	}
	rk, lk := kindOf(remote.HashIDResolver()), kindOf(local.HashIDResolver())
	if rk != lk {
		return fmt.Errorf("%w: peer resolves hash ids by %q, local by %q", pkg.ErrFatalConfiguration, rk, lk)
	}

	// Resolver payloads and backup filters must match too.
	want, err := local.MarshalBinary()
	if err != nil {
		return err
	}
	got, err := remote.MarshalBinary()
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		rf, lf := kindOf(remote.BackupFilter()), kindOf(local.BackupFilter())
		return fmt.Errorf("%w: peer affinity function differs (backup filter %q, local %q)",
			pkg.ErrFatalConfiguration, rf, lf)
	}
	return nil
}

func kindOf(v any) string {
	if k, ok := v.(affinity.Kinded); ok {
		return k.Kind()
	}
	return fmt.Sprintf("%T", v)
}

// Shutdown rolls back active transactions and stops the entry store.
func (g *Grid) Shutdown(ctx context.Context) error {
	g.logger.Info().Msg("shutting down grid node")

	if err := g.txm.Shutdown(ctx); err != nil {
		g.logger.Warn().Err(err).Msg("failed to roll back active transactions")
	}
	g.registry.RemoveOwnerListener(g.listenerID)
	return g.store.Close()
}
