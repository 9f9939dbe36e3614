package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/tessera/internal/mvcc"
	"github.com/zde37/tessera/pkg"
)

func newTestStore(t *testing.T, interval time.Duration) (*mvcc.Registry, *EntryStore) {
	t.Helper()
	reg := mvcc.NewRegistry(nil)
	store := NewEntryStore(reg, &StoreConfig{CleanupInterval: interval, Shards: 4})
	t.Cleanup(func() { store.Close() })
	return reg, store
}

// TestEntryStoreEntry tests get-or-create semantics.
func TestEntryStoreEntry(t *testing.T) {
	reg, store := newTestStore(t, time.Minute)

	e1, err := store.Entry("k")
	require.NoError(t, err)
	e2, err := store.Entry("k")
	require.NoError(t, err)
	assert.Same(t, e1, e2, "Entry should return the mapped entry")
	assert.Same(t, e1, store.Lookup("k"))
	assert.Nil(t, store.Lookup("missing"))

	// An evicted entry is replaced by a fresh one.
	require.True(t, store.EvictEmpty(e1))
	assert.NotZero(t, e1.Obsolete())
	assert.Nil(t, store.Lookup("k"))

	e3, err := store.Entry("k")
	require.NoError(t, err)
	assert.NotSame(t, e1, e3)
	assert.Zero(t, e3.Obsolete())

	// Locked entries cannot be evicted.
	ec := reg.NewContext()
	_, err = e3.Lock(context.Background(), ec, reg.NextVersion(), 0, false)
	require.NoError(t, err)
	assert.False(t, store.EvictEmpty(e3))
	assert.Same(t, e3, store.Lookup("k"))
}

// TestEntryStoreEvictEmptyKeepsLateWrite tests that an entry observed empty
// is not retired once a write lands before the eviction.
func TestEntryStoreEvictEmptyKeepsLateWrite(t *testing.T) {
	reg, store := newTestStore(t, time.Minute)

	e, err := store.Entry("k")
	require.NoError(t, err)
	_, _, ok := e.Value()
	require.False(t, ok)

	// Another writer reuses the mapped entry between the check and the eviction.
	same, err := store.Entry("k")
	require.NoError(t, err)
	require.Same(t, e, same)
	ec := reg.NewContext()
	_, err = same.Lock(context.Background(), ec, reg.NextVersion(), 0, false)
	require.NoError(t, err)
	require.NoError(t, same.SetValue([]byte("committed"), reg.NextVersion()))
	same.ReleaseLocal(ec)

	assert.False(t, store.EvictEmpty(e))
	assert.Zero(t, e.Obsolete())
	require.Same(t, e, store.Lookup("k"))
	v, _, ok := store.Lookup("k").Value()
	require.True(t, ok)
	assert.Equal(t, []byte("committed"), v)
}

// TestEntryStoreEvictExpired tests that a refreshed expiry keeps the entry.
func TestEntryStoreEvictExpired(t *testing.T) {
	reg, store := newTestStore(t, time.Minute)
	now := time.Now()

	e, err := store.Entry("k")
	require.NoError(t, err)
	require.NoError(t, e.SetValue([]byte("v"), reg.NextVersion()))
	e.SetExpiry(now.Add(-time.Millisecond))
	require.True(t, e.Expired(now))

	// A write refreshes the expiry before the eviction runs.
	e.SetExpiry(now.Add(time.Minute))
	assert.False(t, store.EvictExpired(e, now))
	assert.Same(t, e, store.Lookup("k"))

	e.SetExpiry(now.Add(-time.Millisecond))
	assert.True(t, store.EvictExpired(e, now))
	assert.Nil(t, store.Lookup("k"))
	assert.Equal(t, int64(1), store.GetStats().Evictions)
}

// TestEntryStoreExpiration tests that cleanup evicts only unlocked entries.
func TestEntryStoreExpiration(t *testing.T) {
	reg, store := newTestStore(t, 10*time.Millisecond)

	free, err := store.Entry("free")
	require.NoError(t, err)
	require.NoError(t, free.SetValue([]byte("v"), reg.NextVersion()))
	free.SetExpiry(time.Now().Add(5 * time.Millisecond))

	held, err := store.Entry("held")
	require.NoError(t, err)
	require.NoError(t, held.SetValue([]byte("v"), reg.NextVersion()))
	held.SetExpiry(time.Now().Add(5 * time.Millisecond))

	ec := reg.NewContext()
	_, err = held.Lock(context.Background(), ec, reg.NextVersion(), 0, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return store.Lookup("free") == nil
	}, time.Second, 5*time.Millisecond)

	assert.NotZero(t, free.Obsolete())
	assert.Same(t, held, store.Lookup("held"), "locked entry must survive cleanup")
	assert.Equal(t, int64(1), store.GetStats().Evictions)

	held.ReleaseLocal(ec)
	require.Eventually(t, func() bool {
		return store.Lookup("held") == nil
	}, time.Second, 5*time.Millisecond)
}

// TestEntryStoreKeys tests Keys, Size, GetAll and Clear.
func TestEntryStoreKeys(t *testing.T) {
	reg, store := newTestStore(t, time.Minute)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		e, err := store.Entry(k)
		require.NoError(t, err)
		require.NoError(t, e.SetValue([]byte(k+"-value"), reg.NextVersion()))
	}
	_, err := store.Entry("empty")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a", "b", "c"}, store.Keys())
	assert.Equal(t, 3, store.Size())
	assert.Equal(t, 4, store.GetStats().Entries)

	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{
		"a": []byte("a-value"),
		"b": []byte("b-value"),
		"c": []byte("c-value"),
	}, all)

	require.NoError(t, store.Clear())
	assert.Equal(t, 0, store.Size())
	assert.Equal(t, 0, store.GetStats().Entries)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = store.GetAll(canceled)
	assert.Equal(t, pkg.ErrContextCanceled, err)
}

// TestEntryStoreClose tests closing the store.
func TestEntryStoreClose(t *testing.T) {
	_, store := newTestStore(t, time.Minute)

	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "Close should be idempotent")

	_, err := store.Entry("k")
	assert.Equal(t, pkg.ErrStorageUnavailable, err)
	assert.Equal(t, pkg.ErrStorageUnavailable, store.Clear())
	_, err = store.GetAll(context.Background())
	assert.Equal(t, pkg.ErrStorageUnavailable, err)
}
