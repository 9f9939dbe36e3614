package tx

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zde37/tessera/internal/cache"
	"github.com/zde37/tessera/internal/mvcc"
	"github.com/zde37/tessera/pkg"
)

type opKind int

const (
	opRead opKind = iota
	opPut
	opRemove
)

// txEntry is one participant key.
type txEntry struct {
	key   string
	op    opKind
	value []byte

	// observed is the data version seen on first access; checked at commit
	// by optimistic transactions.
	observed    mvcc.Version
	hasObserved bool

	// first read, served again under REPEATABLE_READ and SERIALIZABLE
	read    []byte
	readOK  bool
	hasRead bool

	entry *mvcc.Entry
	cand  *mvcc.Candidate
}

// Tx is a single-node transaction. It is driven by one execution context until
// Prepare; from then on only its commit or rollback path mutates it.
type Tx struct {
	id          string
	version     mvcc.Version
	mgr         *Manager
	cache       *cache.Cache
	reg         *mvcc.Registry
	ec          *mvcc.ExecContext
	concurrency Concurrency
	isolation   Isolation
	timeout     time.Duration
	lockTimeout time.Duration
	started     time.Time
	deadline    time.Time
	logger      *pkg.Logger

	state        atomic.Int32
	rollbackOnly atomic.Bool
	timedOut     atomic.Bool

	mu      sync.Mutex
	entries map[string]*txEntry

	prepareDone chan struct{}
	prepareOnce sync.Once

	commitMu  sync.Mutex
	commitFut *Future

	rollbackMu  sync.Mutex
	rollbackFut *Future

	timer *time.Timer
}

func newTx(m *Manager, ec *mvcc.ExecContext, c Concurrency, iso Isolation, timeout time.Duration) *Tx {
	t := &Tx{
		id:          uuid.NewString(),
		version:     m.reg.NextVersion(),
		mgr:         m,
		cache:       m.cache,
		reg:         m.reg,
		ec:          ec,
		concurrency: c,
		isolation:   iso,
		timeout:     timeout,
		lockTimeout: m.lockTimeout,
		started:     time.Now(),
		entries:     make(map[string]*txEntry),
		prepareDone: make(chan struct{}),
	}
	t.logger = m.logger.WithFields(pkg.Fields{"tx_id": t.id})
	t.state.Store(int32(StateActive))

	if timeout > 0 {
		t.deadline = t.started.Add(timeout)
		t.timer = time.AfterFunc(timeout, t.onTimeout)
	}
	return t
}

func (t *Tx) ID() string { return t.id }
func (t *Tx) Version() mvcc.Version { return t.version }
func (t *Tx) Context() *mvcc.ExecContext { return t.ec }
func (t *Tx) Concurrency() Concurrency { return t.concurrency }
func (t *Tx) Isolation() Isolation { return t.isolation }
func (t *Tx) Timeout() time.Duration { return t.timeout }
func (t *Tx) State() State { return State(t.state.Load()) }
func (t *Tx) IsRollbackOnly() bool { return t.rollbackOnly.Load() }
func (t *Tx) StartTime() time.Time { return t.started }

// SetRollbackOnly forbids the transaction from committing.
func (t *Tx) SetRollbackOnly() {
	t.rollbackOnly.Store(true)
}

// Keys returns the participant keys in order.
func (t *Tx) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sortedKeysLocked(func(*txEntry) bool { return true })
}

func (t *Tx) transition(from, to State) bool {
	if !CanTransition(from, to) {
		return false
	}
	if !t.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	t.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("transaction state changed")
	return true
}

func (t *Tx) fail(kind error, format string, args ...any) error {
	err := kind
	if format != "" {
		err = fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
	}
	return pkg.NewTxError(t.id, t.State().String(), err)
}

// checkActive returns the error an operation on a finished transaction gets.
func (t *Tx) checkActive() error {
	if t.State() == StateActive {
		return nil
	}
	if t.timedOut.Load() {
		return t.fail(pkg.ErrTimeout, "transaction timed out after %s", t.timeout)
	}
	return t.fail(pkg.ErrIllegalState, "transaction is %s", t.State())
}

// Get reads key within the transaction.
func (t *Tx) Get(ctx context.Context, key string) ([]byte, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	te := t.entries[key]
	if te != nil {
		switch {
		case te.op == opPut:
			v := append([]byte{}, te.value...)
			t.mu.Unlock()
			return v, nil
		case te.op == opRemove:
			t.mu.Unlock()
			return nil, pkg.ErrKeyNotFound
		case te.hasRead && t.isolation != ReadCommitted:
			v, ok := te.read, te.readOK
			t.mu.Unlock()
			if !ok {
				return nil, pkg.ErrKeyNotFound
			}
			return append([]byte{}, v...), nil
		}
	}
	t.mu.Unlock()

	if t.isolation == ReadCommitted {
		v, _, ok := t.cache.Peek(key)
		if !ok {
			return nil, pkg.ErrKeyNotFound
		}
		return v, nil
	}

	if t.concurrency == Pessimistic {
		if err := t.lockKey(ctx, key); err != nil {
			return nil, err
		}
	}

	v, ver, ok := t.cache.Peek(key)

	t.mu.Lock()
	te = t.entryLocked(key)
	te.read, te.readOK, te.hasRead = v, ok, true
	if !te.hasObserved {
		te.observed, te.hasObserved = t.observedVersion(key, ver, ok), true
	}
	t.mu.Unlock()

	if !ok {
		return nil, pkg.ErrKeyNotFound
	}
	return append([]byte{}, v...), nil
}

// Put buffers a write of key. Pessimistic transactions lock the key first.
func (t *Tx) Put(ctx context.Context, key string, value []byte) error {
	return t.write(ctx, key, opPut, value)
}

// Remove buffers a removal of key and reports whether the transaction saw a
// value under it.
func (t *Tx) Remove(ctx context.Context, key string) (bool, error) {
	existed := false
	if _, err := t.Get(ctx, key); err == nil {
		existed = true
	} else if !errors.Is(err, pkg.ErrKeyNotFound) {
		return false, err
	}
	return existed, t.write(ctx, key, opRemove, nil)
}

func (t *Tx) write(ctx context.Context, key string, op opKind, value []byte) error {
	if err := t.checkActive(); err != nil {
		return err
	}

	if t.concurrency == Pessimistic {
		if err := t.lockKey(ctx, key); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	te := t.entryLocked(key)
	if !te.hasObserved {
		_, ver, ok := t.cache.Peek(key)
		te.observed, te.hasObserved = t.observedVersion(key, ver, ok), true
	}
	te.op = op
	te.value = append([]byte{}, value...)
	return nil
}

// observedVersion returns the version to validate key against. A missing key
// is recorded under the version of its (possibly empty) entry.
func (t *Tx) observedVersion(key string, ver mvcc.Version, ok bool) mvcc.Version {
	if ok {
		return ver
	}
	if e := t.cache.Store().Lookup(key); e != nil {
		return e.DataVersion()
	}
	return 0
}

func (t *Tx) entryLocked(key string) *txEntry {
	te := t.entries[key]
	if te == nil {
		te = &txEntry{key: key, op: opRead}
		t.entries[key] = te
	}
	return te
}

func (t *Tx) sortedKeysLocked(match func(*txEntry) bool) []string {
	keys := make([]string, 0, len(t.entries))
	for k, te := range t.entries {
		if match(te) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// lockKey acquires key for the transaction unless it already holds it. A
// failed acquisition rolls the transaction back.
func (t *Tx) lockKey(ctx context.Context, key string) error {
	t.mu.Lock()
	if te := t.entries[key]; te != nil && te.cand != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	timeout := t.lockTimeout
	if !t.deadline.IsZero() {
		remaining := time.Until(t.deadline)
		if remaining <= 0 {
			t.onTimeout()
			return t.checkActive()
		}
		if timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}

	var e *mvcc.Entry
	var cand *mvcc.Candidate
	var err error
	for i := 0; i < 16; i++ {
		e, err = t.cache.Entry(key)
		if err != nil {
			break
		}
		cand, err = e.Lock(ctx, t.ec, t.version, timeout, true)
		if !errors.Is(err, pkg.ErrEntryRemoved) {
			break
		}
		if st := t.State(); st != StateActive && st != StatePrepared {
			break
		}
	}

	if err != nil {
		if st := t.State(); st != StateActive && st != StatePrepared {
			// Rolled back underneath us.
			return t.checkActive()
		}
		t.logger.Debug().Err(err).Str("key", key).Msg("lock acquisition failed")
		t.rollbackAfterFailure()
		return pkg.NewTxError(t.id, t.State().String(), err)
	}

	t.mu.Lock()
	te := t.entryLocked(key)
	te.entry, te.cand = e, cand
	t.mu.Unlock()

	if st := t.State(); st != StateActive && st != StatePrepared {
		t.releaseCandidates()
		return t.checkActive()
	}
	return nil
}

// Prepare moves the transaction from ACTIVE to PREPARED. A concurrent or
// repeated Prepare of an already preparing or later transaction succeeds
// without doing anything. Any other state marks the transaction rollback-only
// and fails with ErrIllegalState.
func (t *Tx) Prepare(ctx context.Context) error {
	if !t.transition(StateActive, StatePreparing) {
		switch st := t.State(); st {
		case StatePreparing, StatePrepared, StateCommitting, StateCommitted:
			return nil
		default:
			t.SetRollbackOnly()
			if t.timedOut.Load() {
				return t.fail(pkg.ErrTimeout, "prepare after timeout")
			}
			return t.fail(pkg.ErrIllegalState, "cannot prepare %s transaction", st)
		}
	}
	defer t.prepareOnce.Do(func() { close(t.prepareDone) })

	if err := t.prepare(ctx); err != nil {
		t.SetRollbackOnly()
		t.rollbackAfterFailure()
		return err
	}

	if !t.transition(StatePreparing, StatePrepared) {
		return t.checkActive()
	}
	return nil
}

func (t *Tx) prepare(ctx context.Context) error {
	if t.rollbackOnly.Load() {
		return t.fail(pkg.ErrRollbackOnly, "")
	}
	if err := ctx.Err(); err != nil {
		return t.fail(pkg.ErrContextCanceled, "prepare: %v", err)
	}
	if !t.deadline.IsZero() && time.Now().After(t.deadline) {
		t.timedOut.Store(true)
		return t.fail(pkg.ErrTimeout, "transaction timed out after %s", t.timeout)
	}

	if t.concurrency == Optimistic {
		// Optimistic transactions only carry their read/write sets until commit.
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range t.sortedKeysLocked(func(te *txEntry) bool { return te.op != opRead }) {
		te := t.entries[k]
		if te.cand == nil || !te.cand.IsOwner() || te.cand.IsRemoved() {
			return t.fail(pkg.ErrIllegalState, "lost lock on %q", k)
		}
	}
	return nil
}

// PrepareAsync runs Prepare in the background.
func (t *Tx) PrepareAsync(ctx context.Context) *Future {
	f := newFuture(nil)
	go func() { f.complete(t.Prepare(ctx)) }()
	return f
}

// Commit commits the transaction and waits for the outcome.
func (t *Tx) Commit(ctx context.Context) error {
	return t.CommitAsync(ctx).Get(ctx)
}

// CommitAsync prepares the transaction and starts committing it. Concurrent
// callers share one future.
func (t *Tx) CommitAsync(ctx context.Context) *Future {
	t.commitMu.Lock()
	if t.commitFut != nil {
		f := t.commitFut
		t.commitMu.Unlock()
		return f
	}
	t.commitMu.Unlock()

	if err := t.Prepare(ctx); err != nil {
		return completedFuture(err)
	}

	t.commitMu.Lock()
	defer t.commitMu.Unlock()
	if t.commitFut != nil {
		return t.commitFut
	}

	// The commit outlives the caller's context; Cancel stops it.
	commitCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.commitFut = newFuture(cancel)
	go t.finishCommit(commitCtx, t.commitFut)
	return t.commitFut
}

func (t *Tx) finishCommit(ctx context.Context, f *Future) {
	<-t.prepareDone

	if t.State() != StatePrepared {
		f.complete(t.checkActive())
		return
	}

	if t.concurrency == Optimistic {
		if err := t.lockForCommit(ctx); err != nil {
			f.complete(err)
			return
		}
	}

	// Canceled before any write is applied: roll back instead.
	if err := ctx.Err(); err != nil {
		t.rollbackAfterFailure()
		f.complete(t.fail(pkg.ErrContextCanceled, "commit canceled"))
		return
	}

	if !t.transition(StatePrepared, StateCommitting) {
		t.releaseCandidates()
		f.complete(t.checkActive())
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}

	if err := t.apply(ctx); err != nil {
		t.transition(StateCommitting, StateUnknown)
		t.logger.WithError(err).Error().Msg("commit failed while applying writes; outcome unknown")
		t.releaseCandidates()
		t.mgr.finish(t)
		f.complete(pkg.NewTxError(t.id, StateUnknown.String(), fmt.Errorf("%w: %v", pkg.ErrTxUnknown, err)))
		return
	}

	t.releaseCandidates()
	t.evictRemoved()
	t.transition(StateCommitting, StateCommitted)
	t.mgr.finish(t)
	f.complete(nil)
}

// lockForCommit acquires every write key (and, under SERIALIZABLE, every read
// key) in key order, then validates the versions observed earlier.
func (t *Tx) lockForCommit(ctx context.Context) error {
	t.mu.Lock()
	keys := t.sortedKeysLocked(func(te *txEntry) bool {
		return te.op != opRead || t.isolation == Serializable
	})
	t.mu.Unlock()

	for _, k := range keys {
		if err := t.lockKey(ctx, k); err != nil {
			if errors.Is(err, pkg.ErrContextCanceled) && ctx.Err() != nil {
				return t.fail(pkg.ErrContextCanceled, "commit canceled")
			}
			return err
		}
	}

	t.mu.Lock()
	var conflict string
	for _, k := range keys {
		te := t.entries[k]
		if !te.hasObserved {
			continue
		}
		_, ver, ok := t.cache.Peek(k)
		if cur := t.observedVersion(k, ver, ok); cur != te.observed {
			conflict = k
			break
		}
	}
	t.mu.Unlock()

	if conflict != "" {
		t.logger.Debug().Str("key", conflict).Msg("optimistic validation failed")
		t.rollbackAfterFailure()
		return t.fail(pkg.ErrOptimisticConflict, "key %q changed since it was read", conflict)
	}
	return nil
}

func (t *Tx) apply(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	backend := t.cache.Backend()
	for _, k := range t.sortedKeysLocked(func(te *txEntry) bool { return te.op != opRead }) {
		te := t.entries[k]
		if te.entry == nil || te.cand == nil || !te.cand.IsOwner() {
			return fmt.Errorf("key %q is not locked", k)
		}
		if backend != nil {
			var err error
			if te.op == opRemove {
				err = backend.Delete(ctx, k)
			} else {
				err = backend.Store(ctx, k, te.value)
			}
			if err != nil {
				return fmt.Errorf("backend write %q: %w", k, err)
			}
		}
		if err := t.cache.Apply(te.entry, te.value, te.op == opRemove); err != nil {
			return fmt.Errorf("apply %q: %w", k, err)
		}
	}
	return nil
}

// Rollback rolls the transaction back and waits for it.
func (t *Tx) Rollback(ctx context.Context) error {
	return t.RollbackAsync(ctx).Get(ctx)
}

// RollbackAsync rolls the transaction back. Rolling back a rolled back
// transaction succeeds; rolling back a committing or finished one fails with
// ErrIllegalState.
func (t *Tx) RollbackAsync(ctx context.Context) *Future {
	t.rollbackMu.Lock()
	defer t.rollbackMu.Unlock()

	if t.rollbackFut != nil {
		return t.rollbackFut
	}

	for {
		st := t.State()
		switch st {
		case StateRolledBack:
			return completedFuture(nil)
		case StateCommitting, StateCommitted, StateUnknown:
			return completedFuture(t.fail(pkg.ErrIllegalState, "cannot roll back %s transaction", st))
		}
		if t.transition(st, StateRollingBack) {
			break
		}
	}

	t.rollbackFut = newFuture(nil)
	t.doRollback()
	t.rollbackFut.complete(nil)
	return t.rollbackFut
}

func (t *Tx) doRollback() {
	if t.timer != nil {
		t.timer.Stop()
	}

	t.commitMu.Lock()
	if t.commitFut != nil {
		t.commitFut.Cancel()
	}
	t.commitMu.Unlock()

	t.releaseCandidates()

	t.mu.Lock()
	for _, te := range t.entries {
		te.value = nil
	}
	t.mu.Unlock()

	t.transition(StateRollingBack, StateRolledBack)
	t.prepareOnce.Do(func() { close(t.prepareDone) })
	t.mgr.finish(t)
}

// rollbackAfterFailure rolls back after an operation failed. Timeouts and
// conflicts surface their own errors, so the rollback outcome is ignored.
func (t *Tx) rollbackAfterFailure() {
	t.SetRollbackOnly()
	_ = t.RollbackAsync(context.Background())
}

func (t *Tx) onTimeout() {
	switch t.State() {
	case StateActive, StatePreparing, StatePrepared:
	default:
		return
	}
	t.timedOut.Store(true)
	t.logger.Debug().Dur("timeout", t.timeout).Msg("transaction timed out, rolling back")
	t.rollbackAfterFailure()
}

// releaseCandidates drops every candidate the transaction holds.
func (t *Tx) releaseCandidates() {
	t.reg.ReleaseVersion(t.ec, t.version)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, te := range t.entries {
		if te.cand == nil {
			continue
		}
		// The key was already held by the context outside the transaction;
		// the transaction only added a re-entry.
		if te.cand.Version() != t.version && !te.cand.IsRemoved() {
			te.entry.ReleaseLocal(t.ec)
		}
		te.cand = nil
	}
}

// evictRemoved drops entries the commit left empty.
func (t *Tx) evictRemoved() {
	t.mu.Lock()
	var empty []*mvcc.Entry
	for _, te := range t.entries {
		if te.op == opRemove && te.entry != nil {
			empty = append(empty, te.entry)
		}
	}
	t.mu.Unlock()

	for _, e := range empty {
		t.cache.Store().EvictEmpty(e)
	}
}
