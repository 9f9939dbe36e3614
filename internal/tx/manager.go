package tx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zde37/tessera/internal/cache"
	"github.com/zde37/tessera/internal/mvcc"
	"github.com/zde37/tessera/pkg"
)

// Observer is told about every finished transaction.
type Observer interface {
	TxFinished(state State, concurrency Concurrency, isolation Isolation, d time.Duration)
}

// Config configures a Manager.
type Config struct {
	DefaultConcurrency Concurrency
	DefaultIsolation   Isolation

	// DefaultTimeout applies to transactions begun without a timeout. Zero
	// means no timeout.
	DefaultTimeout time.Duration

	// LockTimeout bounds each lock wait; zero waits up to the transaction
	// timeout.
	LockTimeout time.Duration

	Observer Observer
	Logger   *pkg.Logger
}

// Stats holds transaction counters.
type Stats struct {
	Active     int
	Started    int64
	Committed  int64
	RolledBack int64
	Unknown    int64
}

// Manager begins transactions and tracks the active ones. An execution
// context runs at most one transaction at a time.
type Manager struct {
	cache       *cache.Cache
	reg         *mvcc.Registry
	cfg         Config
	lockTimeout time.Duration
	logger      *pkg.Logger

	mu       sync.RWMutex
	byID     map[string]*Tx
	byCtx    map[uint64]*Tx
	started  atomic.Int64
	commits  atomic.Int64
	rollback atomic.Int64
	unknown  atomic.Int64
}

// NewManager creates a transaction manager over c. A nil config uses
// pessimistic, repeatable-read transactions without timeouts.
func NewManager(c *cache.Cache, cfg *Config) *Manager {
	if cfg == nil {
		cfg = &Config{DefaultConcurrency: Pessimistic, DefaultIsolation: RepeatableRead}
	}
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = c.LockTimeout()
	}
	return &Manager{
		cache:       c,
		reg:         c.Registry(),
		cfg:         *cfg,
		lockTimeout: lockTimeout,
		logger:      pkg.OrNop(cfg.Logger).Component("tx"),
		byID:        make(map[string]*Tx),
		byCtx:       make(map[uint64]*Tx),
	}
}

// Begin starts a transaction for ec. A zero timeout uses the default.
func (m *Manager) Begin(ec *mvcc.ExecContext, c Concurrency, iso Isolation, timeout time.Duration) (*Tx, error) {
	if ec == nil {
		return nil, fmt.Errorf("%w: nil execution context", pkg.ErrIllegalState)
	}
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}

	m.mu.Lock()
	if cur, ok := m.byCtx[ec.ID()]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: context %d already runs transaction %s", pkg.ErrIllegalState, ec.ID(), cur.ID())
	}
	t := newTx(m, ec, c, iso, timeout)
	m.byID[t.id] = t
	m.byCtx[ec.ID()] = t
	m.mu.Unlock()

	m.started.Add(1)
	t.logger.Debug().Str("concurrency", c.String()).Str("isolation", iso.String()).
		Dur("timeout", timeout).Msg("transaction started")
	return t, nil
}

// BeginDefault starts a transaction with the configured defaults.
func (m *Manager) BeginDefault(ec *mvcc.ExecContext) (*Tx, error) {
	return m.Begin(ec, m.cfg.DefaultConcurrency, m.cfg.DefaultIsolation, 0)
}

// Tx returns the active transaction with the given id, or nil.
func (m *Manager) Tx(id string) *Tx {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[id]
}

// Active returns the transaction ec is running, or nil.
func (m *Manager) Active(ec *mvcc.ExecContext) *Tx {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byCtx[ec.ID()]
}

// Stats returns the current counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	active := len(m.byID)
	m.mu.RUnlock()
	return Stats{
		Active:     active,
		Started:    m.started.Load(),
		Committed:  m.commits.Load(),
		RolledBack: m.rollback.Load(),
		Unknown:    m.unknown.Load(),
	}
}

// Shutdown rolls back every active transaction. Transactions already
// committing finish on their own.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	active := make([]*Tx, 0, len(m.byID))
	for _, t := range m.byID {
		active = append(active, t)
	}
	m.mu.RUnlock()

	var rolledBack int
	for _, t := range active {
		err := t.Rollback(ctx)
		switch {
		case err == nil:
			rolledBack++
		case errors.Is(err, pkg.ErrIllegalState):
		default:
			return err
		}
	}
	if rolledBack > 0 {
		m.logger.Info().Int("count", rolledBack).Msg("rolled back active transactions")
	}
	return nil
}

// finish unregisters t once it reached a terminal state.
func (m *Manager) finish(t *Tx) {
	m.mu.Lock()
	if m.byID[t.id] != t {
		m.mu.Unlock()
		return
	}
	delete(m.byID, t.id)
	if m.byCtx[t.ec.ID()] == t {
		delete(m.byCtx, t.ec.ID())
	}
	m.mu.Unlock()

	st := t.State()
	switch st {
	case StateCommitted, StateCommitting:
		m.commits.Add(1)
	case StateUnknown:
		m.unknown.Add(1)
	default:
		m.rollback.Add(1)
	}

	if m.cfg.Observer != nil {
		m.cfg.Observer.TxFinished(st, t.concurrency, t.isolation, time.Since(t.started))
	}
}
