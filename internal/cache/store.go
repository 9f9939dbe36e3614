package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zde37/tessera/internal/mvcc"
	"github.com/zde37/tessera/pkg"
	"github.com/zde37/tessera/pkg/hash"
)

const defaultShards = 32

// StoreConfig holds configuration for the entry store.
type StoreConfig struct {
	// CleanupInterval determines how often expired entries are evicted.
	// Default is 1 minute if not specified.
	CleanupInterval time.Duration

	// Shards is the number of independently locked key maps.
	Shards int

	Logger *pkg.Logger
}

type shard struct {
	mu   sync.RWMutex
	data map[string]*mvcc.Entry
}

// EntryStore maps keys to live entries. It provides thread-safe operations
// with periodic eviction of expired entries; entries with queued lock
// candidates are never evicted.
type EntryStore struct {
	reg           *mvcc.Registry
	shards        []*shard
	cleanupTicker *time.Ticker
	done          chan struct{}
	closed        atomic.Bool
	logger        *pkg.Logger

	// Metrics for monitoring
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
}

// NewEntryStore creates a store whose entries belong to reg.
// If config is nil, default values are used.
func NewEntryStore(reg *mvcc.Registry, config *StoreConfig) *EntryStore {
	cleanupInterval := time.Minute
	shards := defaultShards
	var logger *pkg.Logger
	if config != nil {
		if config.CleanupInterval > 0 {
			cleanupInterval = config.CleanupInterval
		}
		if config.Shards > 0 {
			shards = config.Shards
		}
		logger = config.Logger
	}

	s := &EntryStore{
		reg:           reg,
		shards:        make([]*shard, shards),
		cleanupTicker: time.NewTicker(cleanupInterval),
		done:          make(chan struct{}),
		logger:        pkg.OrNop(logger).Component("entry-store"),
	}
	for i := range s.shards {
		s.shards[i] = &shard{data: make(map[string]*mvcc.Entry)}
	}

	go s.cleanupExpired()

	return s
}

func (s *EntryStore) shardFor(key string) *shard {
	return s.shards[hash.HashString(key)%uint64(len(s.shards))]
}

// Entry returns the live entry for key, creating it if needed. An obsolete
// entry still mapped under key is replaced.
func (s *EntryStore) Entry(key string) (*mvcc.Entry, error) {
	if s.closed.Load() {
		return nil, pkg.ErrStorageUnavailable
	}

	sh := s.shardFor(key)

	sh.mu.RLock()
	e, ok := sh.data[key]
	sh.mu.RUnlock()
	if ok && e.Obsolete() == 0 {
		return e, nil
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.data == nil {
		return nil, pkg.ErrStorageUnavailable
	}
	if e, ok := sh.data[key]; ok && e.Obsolete() == 0 {
		return e, nil
	}
	e = s.reg.NewEntry(key)
	sh.data[key] = e
	return e, nil
}

// Lookup returns the entry mapped under key, or nil.
func (s *EntryStore) Lookup(key string) *mvcc.Entry {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.data[key]
}

// EvictEmpty retires e and unmaps it if it holds no value and no lock
// candidate. It fails when a write or a lock got there first.
func (s *EntryStore) EvictEmpty(e *mvcc.Entry) bool {
	if !e.MarkObsoleteIfEmpty(s.reg.NextVersion()) {
		return false
	}
	s.unmap(e)
	return true
}

// EvictExpired retires e and unmaps it if it is expired at now and unlocked.
func (s *EntryStore) EvictExpired(e *mvcc.Entry, now time.Time) bool {
	if !e.MarkObsoleteIfExpired(s.reg.NextVersion(), now) {
		return false
	}
	s.unmap(e)
	s.evictions.Add(1)
	return true
}

func (s *EntryStore) unmap(e *mvcc.Entry) {
	sh := s.shardFor(e.Key())
	sh.mu.Lock()
	if cur, ok := sh.data[e.Key()]; ok && cur == e {
		delete(sh.data, e.Key())
	}
	sh.mu.Unlock()
}

// Keys returns the keys of entries holding a value.
func (s *EntryStore) Keys() []string {
	var keys []string
	now := time.Now()
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, e := range sh.data {
			if _, _, ok := e.Value(); ok && !e.Expired(now) {
				keys = append(keys, k)
			}
		}
		sh.mu.RUnlock()
	}
	return keys
}

// Size returns the number of entries holding a value.
func (s *EntryStore) Size() int {
	return len(s.Keys())
}

// GetAll returns all key-value pairs (excluding expired entries).
func (s *EntryStore) GetAll(ctx context.Context) (map[string][]byte, error) {
	select {
	case <-ctx.Done():
		return nil, pkg.ErrContextCanceled
	default:
	}

	if s.closed.Load() {
		return nil, pkg.ErrStorageUnavailable
	}

	result := make(map[string][]byte)
	now := time.Now()
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, e := range sh.data {
			if e.Expired(now) {
				continue
			}
			if v, _, ok := e.Value(); ok {
				result[k] = v
			}
		}
		sh.mu.RUnlock()
	}
	return result, nil
}

// Clear evicts every unlocked entry but keeps the store operational.
func (s *EntryStore) Clear() error {
	if s.closed.Load() {
		return pkg.ErrStorageUnavailable
	}

	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.data {
			if e.MarkObsolete(s.reg.NextVersion()) {
				delete(sh.data, k)
			}
		}
		sh.mu.Unlock()
	}
	return nil
}

// Close gracefully shuts down the store and releases resources.
func (s *EntryStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.cleanupTicker.Stop()
	close(s.done)

	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.data = nil
		sh.mu.Unlock()
	}
	return nil
}

// cleanupExpired runs periodically to evict expired entries.
func (s *EntryStore) cleanupExpired() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.removeExpiredEntries()
		case <-s.done:
			return
		}
	}
}

// removeExpiredEntries evicts expired entries that nobody holds a lock on.
func (s *EntryStore) removeExpiredEntries() {
	now := time.Now()
	skipped := 0

	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.data {
			if !e.Expired(now) {
				continue
			}
			if e.MarkObsoleteIfExpired(s.reg.NextVersion(), now) {
				delete(sh.data, k)
				s.evictions.Add(1)
			} else {
				skipped++
			}
		}
		sh.mu.Unlock()
	}

	if skipped > 0 {
		s.logger.Debug().Int("skipped", skipped).Msg("expired entries still locked")
	}
}

// Stats holds entry store statistics.
type Stats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Sets      int64
	Deletes   int64
	Evictions int64
}

// GetStats returns current store statistics.
func (s *EntryStore) GetStats() Stats {
	entries := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		entries += len(sh.data)
		sh.mu.RUnlock()
	}

	return Stats{
		Entries:   entries,
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Sets:      s.sets.Load(),
		Deletes:   s.deletes.Load(),
		Evictions: s.evictions.Load(),
	}
}
