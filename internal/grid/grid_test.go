package grid

import (
	"context"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/tessera/internal/affinity"
	"github.com/zde37/tessera/internal/cluster"
	"github.com/zde37/tessera/internal/config"
	"github.com/zde37/tessera/internal/mvcc"
	"github.com/zde37/tessera/internal/tx"
	"github.com/zde37/tessera/pkg"
)

type memoryBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (b *memoryBackend) Store(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = append([]byte{}, value...)
	return nil
}

func (b *memoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []mvcc.Event
}

func (r *eventRecorder) Publish(ev mvcc.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Partitions = 128
	cfg.LockTimeout = time.Second
	return cfg
}

func setupGrid(t *testing.T, cfg *config.Config, opts ...Option) *Grid {
	t.Helper()
	g, err := New(cfg, nil, opts...)
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(func() { g.Shutdown(context.Background()) })
	return g
}

func TestNew(t *testing.T) {
	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig()
		cfg.Partitions = 0
		_, err := New(cfg, nil)
		assert.Error(t, err)
	})

	t.Run("invalid node id", func(t *testing.T) {
		cfg := testConfig()
		cfg.NodeID = "not-a-uuid"
		_, err := New(cfg, nil)
		assert.Error(t, err)
	})

	t.Run("configured node id and attributes", func(t *testing.T) {
		id := cluster.NewNodeID()
		cfg := testConfig()
		cfg.NodeID = id.String()
		cfg.MACs = "aa:bb"
		cfg.Rack = "r1"
		cfg.Tags = map[string]string{"zone": "z"}

		g, err := New(cfg, nil)
		require.NoError(t, err)
		defer g.Shutdown(context.Background())

		assert.Equal(t, id, g.Local().ID)
		assert.Equal(t, "aa:bb", g.Local().Attribute(cluster.AttrMACs))
		assert.Equal(t, "r1", g.Local().Attribute(cluster.AttrRack))
		assert.Equal(t, "z", g.Local().Attribute("zone"))
		assert.Equal(t, id, g.Registry().NodeID())
	})
}

func TestGrid_SingleNodeOwnsEverything(t *testing.T) {
	g := setupGrid(t, testConfig())

	for _, key := range []string{"a", "b", "user:42"} {
		owners := g.Owners(key)
		require.Len(t, owners, 1)
		assert.Equal(t, g.Local().ID, owners[0].ID)
		assert.True(t, g.IsPrimary(key))
	}
}

func TestGrid_JoinLeave(t *testing.T) {
	g := setupGrid(t, testConfig())
	ctx := context.Background()

	peer := cluster.NewNode(cluster.NewNodeID(), "10.0.0.9", 8440, nil)
	require.NoError(t, g.Join(ctx, peer))
	require.NoError(t, g.Join(ctx, peer), "joining twice is a no-op")
	assert.Equal(t, int64(2), g.Topology().Version())

	primaries := map[cluster.NodeID]int{}
	for p := 0; p < 128; p++ {
		owners := g.Topology().Current().Owners(p)
		require.Len(t, owners, 2)
		primaries[owners[0].ID]++
	}
	assert.Len(t, primaries, 2)

	require.NoError(t, g.Leave(ctx, peer.ID))
	require.NoError(t, g.Leave(ctx, peer.ID))
	assert.Equal(t, int64(3), g.Topology().Version())
	assert.Len(t, g.Owners("k"), 1)
}

func TestGrid_TransactionsAndEvents(t *testing.T) {
	backend := &memoryBackend{data: map[string][]byte{}}
	g := setupGrid(t, testConfig(), WithBackend(backend))
	ctx := context.Background()

	rec := &eventRecorder{}
	unsubscribe := g.Events().Subscribe(rec)

	txn, err := g.BeginDefault()
	require.NoError(t, err)
	assert.Equal(t, tx.Pessimistic, txn.Concurrency())
	require.NoError(t, txn.Put(ctx, "k", []byte("v")))
	require.NoError(t, txn.Commit(ctx))

	v, err := g.Cache().Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	assert.Equal(t, []byte("v"), backend.data["k"])
	assert.Equal(t, 2, rec.count(), "acquired and released")

	unsubscribe()
	require.NoError(t, g.Cache().Put(ctx, nil, "k", []byte("w")))
	assert.Equal(t, 2, rec.count())

	srv := httptest.NewServer(g.Metrics().Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `tessera_tx_finished_total{concurrency="PESSIMISTIC",isolation="REPEATABLE_READ",outcome="COMMITTED"} 1`)
	assert.Contains(t, string(body), `tessera_lock_events_total{origin="local",type="lock_acquired"} 2`)
	assert.Contains(t, string(body), `tessera_affinity_partitions{role="primary"} 128`)
}

func TestGrid_AffinityConfig(t *testing.T) {
	g := setupGrid(t, testConfig())

	data, err := g.AffinityConfig()
	require.NoError(t, err)
	require.NoError(t, g.CheckAffinity(data))

	other := testConfig()
	other.Partitions = 256
	fn, err := AffinityFunction(other)
	require.NoError(t, err)
	data, err = fn.MarshalBinary()
	require.NoError(t, err)
	assert.ErrorIs(t, g.CheckAffinity(data), pkg.ErrFatalConfiguration)

	byID, err := affinity.New(affinity.Config{Partitions: 128, HashIDResolver: affinity.NodeIDHashResolver{}})
	require.NoError(t, err)
	data, err = byID.MarshalBinary()
	require.NoError(t, err)
	assert.ErrorIs(t, g.CheckAffinity(data), pkg.ErrFatalConfiguration)
}

func TestGrid_CheckAffinityBackupFilter(t *testing.T) {
	rack := testConfig()
	rack.BackupRackFilter = true

	tests := []struct {
		name   string
		local  *config.Config
		remote affinity.Config
		ok     bool
	}{
		{
			name:   "peer adds rack filter",
			local:  testConfig(),
			remote: affinity.Config{Partitions: 128, BackupFilter: &affinity.DifferentAttributeFilter{Attribute: cluster.AttrRack}},
		},
		{
			name:   "peer drops rack filter",
			local:  rack,
			remote: affinity.Config{Partitions: 128},
		},
		{
			name:   "peer filters on another attribute",
			local:  rack,
			remote: affinity.Config{Partitions: 128, BackupFilter: &affinity.DifferentAttributeFilter{Attribute: "zone"}},
		},
		{
			name:   "same rack filter",
			local:  rack,
			remote: affinity.Config{Partitions: 128, BackupFilter: &affinity.DifferentAttributeFilter{Attribute: cluster.AttrRack}},
			ok:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := setupGrid(t, tt.local)

			fn, err := affinity.New(tt.remote)
			require.NoError(t, err)
			data, err := fn.MarshalBinary()
			require.NoError(t, err)

			err = g.CheckAffinity(data)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, pkg.ErrFatalConfiguration)
		})
	}
}

func TestGrid_ShutdownRollsBack(t *testing.T) {
	g, err := New(testConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))
	ctx := context.Background()

	txn, err := g.Begin(tx.Pessimistic, tx.Serializable, 0)
	require.NoError(t, err)
	require.NoError(t, txn.Put(ctx, "k", []byte("v")))

	require.NoError(t, g.Shutdown(ctx))
	assert.Equal(t, tx.StateRolledBack, txn.State())
	assert.False(t, g.Cache().IsLocked("k"))

	_, err = g.Cache().Get(ctx, "k")
	assert.ErrorIs(t, err, pkg.ErrStorageUnavailable)
}
