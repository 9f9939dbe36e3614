package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/tessera/internal/affinity"
	"github.com/zde37/tessera/internal/cluster"
	"github.com/zde37/tessera/internal/mvcc"
	"github.com/zde37/tessera/internal/tx"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_LockEvents(t *testing.T) {
	m := New(cluster.NewNodeID())
	reg := mvcc.NewRegistry(&mvcc.RegistryConfig{EventBus: m})
	reg.AddOwnerListener(m.OwnerChanged)
	m.WatchRegistry(reg)

	e := reg.NewEntry("k")
	ec := reg.NewContext()
	_, err := e.Lock(context.Background(), ec, reg.NextVersion(), time.Second, false)
	require.NoError(t, err)

	out := scrape(t, m)
	assert.Contains(t, out, `tessera_lock_events_total{origin="local",type="lock_acquired"} 1`)
	assert.Contains(t, out, "tessera_lock_owner_changes_total 1")
	assert.Contains(t, out, "tessera_lock_candidates 1")
	assert.Contains(t, out, "tessera_lock_owners 1")

	reg.ReleaseContext(ec)

	out = scrape(t, m)
	assert.Contains(t, out, `tessera_lock_events_total{origin="local",type="lock_released"} 1`)
	assert.Contains(t, out, "tessera_lock_owner_changes_total 2")
	assert.Contains(t, out, "tessera_lock_candidates 0")
}

func TestMetrics_TxFinished(t *testing.T) {
	m := New(cluster.NewNodeID())

	m.TxFinished(tx.StateCommitted, tx.Pessimistic, tx.RepeatableRead, 5*time.Millisecond)
	m.TxFinished(tx.StateCommitted, tx.Pessimistic, tx.RepeatableRead, 5*time.Millisecond)
	m.TxFinished(tx.StateRolledBack, tx.Optimistic, tx.Serializable, time.Millisecond)

	out := scrape(t, m)
	assert.Contains(t, out, `tessera_tx_finished_total{concurrency="PESSIMISTIC",isolation="REPEATABLE_READ",outcome="COMMITTED"} 2`)
	assert.Contains(t, out, `tessera_tx_finished_total{concurrency="OPTIMISTIC",isolation="SERIALIZABLE",outcome="ROLLED_BACK"} 1`)
	assert.Contains(t, out, `tessera_tx_duration_seconds_count{outcome="COMMITTED"} 2`)
}

func TestMetrics_AssignmentComputed(t *testing.T) {
	nodes := make([]*cluster.Node, 3)
	for i := range nodes {
		nodes[i] = cluster.NewNode(cluster.NewNodeID(), "10.0.0.1", 7000+i, nil)
	}
	snap := cluster.NewSnapshot(7, nodes)

	fn, err := affinity.New(affinity.Config{Partitions: 64})
	require.NoError(t, err)
	a, err := fn.AssignPartitions(context.Background(), affinity.AssignContext{Snapshot: snap, Backups: 1})
	require.NoError(t, err)

	local := nodes[0].ID
	m := New(local)
	m.AssignmentComputed(3*time.Millisecond, a)

	primary := len(a.PrimaryPartitionsOf(local))
	backup := len(a.PartitionsOf(local)) - primary
	require.Greater(t, primary, 0)

	out := scrape(t, m)
	assert.Contains(t, out, "tessera_affinity_assign_duration_seconds_count 1")
	assert.Contains(t, out, "tessera_topology_version 7")
	assert.Contains(t, out, `tessera_affinity_partitions{role="primary"} `+strconv.Itoa(primary))
	assert.Contains(t, out, `tessera_affinity_partitions{role="backup"} `+strconv.Itoa(backup))
}
