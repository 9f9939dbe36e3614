package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zde37/tessera/internal/mvcc"
	"github.com/zde37/tessera/pkg"
)

// maxRefetch bounds how often an operation refetches an entry that was
// evicted under it.
const maxRefetch = 16

// Backend is a write-through store behind the cache. Writes reach the backend
// before they become visible in memory.
type Backend interface {
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Config configures a Cache.
type Config struct {
	// LockTimeout bounds implicit and explicit lock waits. Zero waits on the
	// caller's context only.
	LockTimeout time.Duration

	// TTL is applied to every write; zero never expires.
	TTL time.Duration

	// Backend is optional.
	Backend Backend

	Logger *pkg.Logger
}

// Cache is the key-value API on top of the entry store. Every write takes the
// key's lock for the duration of the write.
type Cache struct {
	reg     *mvcc.Registry
	store   *EntryStore
	backend Backend
	timeout time.Duration
	ttl     time.Duration
	logger  *pkg.Logger
}

// New creates a cache over store. A nil config is valid.
func New(reg *mvcc.Registry, store *EntryStore, cfg *Config) *Cache {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Cache{
		reg:     reg,
		store:   store,
		backend: cfg.Backend,
		timeout: cfg.LockTimeout,
		ttl:     cfg.TTL,
		logger:  pkg.OrNop(cfg.Logger).Component("cache"),
	}
}

func (c *Cache) Registry() *mvcc.Registry { return c.reg }
func (c *Cache) Store() *EntryStore { return c.store }
func (c *Cache) Backend() Backend { return c.backend }
func (c *Cache) LockTimeout() time.Duration { return c.timeout }

// TTL returns the expiry applied to writes.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Entry returns the live entry for key, creating it if needed.
func (c *Cache) Entry(key string) (*mvcc.Entry, error) {
	return c.store.Entry(key)
}

// Get returns the last committed value of key. Reads take no lock.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, pkg.ErrContextCanceled
	default:
	}

	if c.store.closed.Load() {
		return nil, pkg.ErrStorageUnavailable
	}

	v, _, ok := c.Peek(key)
	if !ok {
		c.store.misses.Add(1)
		return nil, pkg.ErrKeyNotFound
	}
	c.store.hits.Add(1)
	return v, nil
}

// GetMultiple retrieves multiple values. Missing keys are omitted.
func (c *Cache) GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, err := c.Get(ctx, k)
		if errors.Is(err, pkg.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result[k] = v
	}
	return result, nil
}

// Peek returns the value and data version of key without touching stats.
func (c *Cache) Peek(key string) ([]byte, mvcc.Version, bool) {
	e := c.store.Lookup(key)
	if e == nil {
		return nil, 0, false
	}
	if now := time.Now(); e.Expired(now) {
		// A concurrent write may refresh the expiry; only a retired or
		// still expired entry reads as missing.
		if c.store.EvictExpired(e, now) || e.Expired(time.Now()) {
			return nil, 0, false
		}
	}
	return e.Value()
}

// Put writes value under key. ec identifies the caller for reentrancy; nil
// uses a one-off context.
func (c *Cache) Put(ctx context.Context, ec *mvcc.ExecContext, key string, value []byte) error {
	err := c.withLock(ctx, ec, key, func(e *mvcc.Entry) error {
		if c.backend != nil {
			if err := c.backend.Store(ctx, key, value); err != nil {
				return fmt.Errorf("backend store %q: %w", key, err)
			}
		}
		return c.Apply(e, value, false)
	})
	if err != nil {
		return err
	}
	c.store.sets.Add(1)
	return nil
}

// Remove deletes key and reports whether a value was present.
func (c *Cache) Remove(ctx context.Context, ec *mvcc.ExecContext, key string) (bool, error) {
	var existed bool
	var entry *mvcc.Entry

	err := c.withLock(ctx, ec, key, func(e *mvcc.Entry) error {
		entry = e
		_, _, existed = e.Value()
		if !existed {
			return nil
		}
		if c.backend != nil {
			if err := c.backend.Delete(ctx, key); err != nil {
				return fmt.Errorf("backend delete %q: %w", key, err)
			}
		}
		return c.Apply(e, nil, true)
	})
	if err != nil {
		return false, err
	}

	if existed {
		c.store.deletes.Add(1)
	}
	// Drop the empty entry unless someone wrote or queued on it meanwhile.
	if entry != nil {
		c.store.EvictEmpty(entry)
	}
	return existed, nil
}

// Apply writes value (or the removal) into e under a fresh data version. The
// caller must own e's lock.
func (c *Cache) Apply(e *mvcc.Entry, value []byte, remove bool) error {
	ver := c.reg.NextVersion()
	if remove {
		return e.ClearValue(ver)
	}
	if err := e.SetValue(value, ver); err != nil {
		return err
	}
	if c.ttl > 0 {
		e.SetExpiry(time.Now().Add(c.ttl))
	} else {
		e.SetExpiry(time.Time{})
	}
	return nil
}

// Lock explicitly locks key for ec until Unlock. A zero timeout uses the
// configured lock timeout.
func (c *Cache) Lock(ctx context.Context, ec *mvcc.ExecContext, key string, timeout time.Duration) (*mvcc.Candidate, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	var lastErr error
	for i := 0; i < maxRefetch; i++ {
		e, err := c.store.Entry(key)
		if err != nil {
			return nil, err
		}
		cand, err := e.Lock(ctx, ec, c.reg.NextVersion(), timeout, false)
		if errors.Is(err, pkg.ErrEntryRemoved) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}
		return cand, nil
	}
	return nil, lastErr
}

// Unlock releases one acquisition of key by ec.
func (c *Cache) Unlock(ec *mvcc.ExecContext, key string) error {
	e := c.store.Lookup(key)
	if e == nil || !e.IsOwnedBy(ec) {
		return fmt.Errorf("%w: %q is not locked by context %d", pkg.ErrIllegalState, key, ec.ID())
	}
	e.ReleaseLocal(ec)
	return nil
}

// IsLocked reports whether any candidate owns key.
func (c *Cache) IsLocked(key string) bool {
	e := c.store.Lookup(key)
	return e != nil && e.IsLocked()
}

// IsLockedBy reports whether ec owns key.
func (c *Cache) IsLockedBy(ec *mvcc.ExecContext, key string) bool {
	e := c.store.Lookup(key)
	return e != nil && e.IsOwnedBy(ec)
}

// Size returns the number of keys holding a value.
func (c *Cache) Size() int {
	return c.store.Size()
}

// withLock runs fn while holding key's lock, refetching the entry when it is
// evicted between lookup and lock.
func (c *Cache) withLock(ctx context.Context, ec *mvcc.ExecContext, key string, fn func(*mvcc.Entry) error) error {
	if ec == nil {
		ec = c.reg.NewContext()
	}

	var lastErr error
	for i := 0; i < maxRefetch; i++ {
		e, err := c.store.Entry(key)
		if err != nil {
			return err
		}

		cand, err := e.Lock(ctx, ec, c.reg.NextVersion(), c.timeout, false)
		if errors.Is(err, pkg.ErrEntryRemoved) {
			lastErr = err
			continue
		}
		if err != nil {
			return err
		}

		err = fn(e)
		e.ReleaseLocal(ec)
		if errors.Is(err, pkg.ErrEntryRemoved) {
			lastErr = err
			continue
		}
		if err == nil {
			c.logger.Trace().Str("key", key).Uint64("lock_version", uint64(cand.Version())).Msg("write applied")
		}
		return err
	}
	return lastErr
}
