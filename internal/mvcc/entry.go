package mvcc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zde37/tessera/internal/cluster"
	"github.com/zde37/tessera/pkg"
)

// Entry is a cache entry: a value slot with its data version and the lock
// chain of the key. The chain is created on first use and dropped when its last
// candidate leaves. Every chain mutation happens under the entry's own mutex;
// no operation holds two entries' mutexes at once.
type Entry struct {
	reg *Registry
	key string

	mu        sync.Mutex
	value     []byte
	hasValue  bool
	version   Version
	obsolete  Version
	expiresAt time.Time
	chain     []Handle // FIFO, head is the owner once promoted
}

// Key returns the entry's key.
func (e *Entry) Key() string { return e.key }

// AddLocal appends a local candidate for ec. Transactional candidates are added
// not ready and need ReadyLocal before they can be promoted.
//
// If ec already has a candidate with the same version on this entry, that
// candidate is returned and counted as a re-entry instead; with reenter set the
// same holds for any candidate ec already owns here. Returns ErrEntryRemoved
// when the entry was marked obsolete; the caller must refetch it.
func (e *Entry) AddLocal(ec *ExecContext, ver Version, timeout time.Duration, reenter, tx bool) (*Candidate, error) {
	e.mu.Lock()

	if e.obsolete != 0 {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", pkg.ErrEntryRemoved, e.key)
	}

	for _, h := range e.chain {
		c := e.reg.Candidate(h)
		if c == nil || !c.local || c.ctxID != ec.id {
			continue
		}
		if c.version == ver || (reenter && c.owner.Load()) {
			c.reentry++
			e.mu.Unlock()
			e.reg.reentries.Add(1)
			return c, nil
		}
	}

	c := &Candidate{
		entry:   e,
		version: ver,
		ctxID:   ec.id,
		ec:      ec,
		nodeID:  e.reg.nodeID,
		local:   true,
		tx:      tx,
		timeout: timeout,
		ready:   !tx,
		signal:  make(chan struct{}),
	}
	e.reg.register(c)
	e.chain = append(e.chain, c.handle)
	ec.push(c.handle)

	var p pending
	e.reassign(&p)
	e.mu.Unlock()

	e.reg.flush(e, &p)
	return c, nil
}

// AddRemote appends a candidate on behalf of another node. Remote candidates
// are ready on arrival.
func (e *Entry) AddRemote(nodeID cluster.NodeID, ctxID uint64, ver Version) (*Candidate, error) {
	e.mu.Lock()

	if e.obsolete != 0 {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", pkg.ErrEntryRemoved, e.key)
	}

	for _, h := range e.chain {
		c := e.reg.Candidate(h)
		if c != nil && !c.local && c.nodeID == nodeID && c.version == ver {
			e.mu.Unlock()
			return c, nil
		}
	}

	c := &Candidate{
		entry:   e,
		version: ver,
		ctxID:   ctxID,
		nodeID:  nodeID,
		ready:   true,
		signal:  make(chan struct{}),
	}
	e.reg.register(c)
	e.chain = append(e.chain, c.handle)

	var p pending
	e.reassign(&p)
	e.mu.Unlock()

	e.reg.flush(e, &p)
	return c, nil
}

// ReadyLocal marks the local candidate with version ver ready and promotes it
// if the chain allows. It returns the resulting owner, which may be unchanged
// or nil.
func (e *Entry) ReadyLocal(ver Version) (*Candidate, error) {
	e.mu.Lock()

	if e.obsolete != 0 {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", pkg.ErrEntryRemoved, e.key)
	}

	c := e.findLocked(func(c *Candidate) bool { return c.local && c.version == ver })
	if c == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: no candidate with version %d on %q", pkg.ErrIllegalState, ver, e.key)
	}
	c.ready = true

	var p pending
	owner := e.reassign(&p)
	e.mu.Unlock()

	e.reg.flush(e, &p)
	return owner, nil
}

// RemoveLock removes the candidate with version ver, owner or not, ignoring
// re-entries. It returns the owner after removal.
func (e *Entry) RemoveLock(ver Version) *Candidate {
	e.mu.Lock()
	c := e.findLocked(func(c *Candidate) bool { return c.version == ver })
	e.mu.Unlock()

	if c != nil {
		e.removeCandidate(c)
	}
	return e.Owner()
}

// ReleaseLocal releases one acquisition of ec's candidate. A re-entered
// candidate only drops a re-entry; the last release removes it. It returns the
// owner after release.
func (e *Entry) ReleaseLocal(ec *ExecContext) *Candidate {
	e.mu.Lock()
	c := e.findLocked(func(c *Candidate) bool { return c.local && c.ctxID == ec.id })
	if c == nil {
		owner := e.ownerLocked()
		e.mu.Unlock()
		return owner
	}
	if c.reentry > 0 {
		c.reentry--
		owner := e.ownerLocked()
		e.mu.Unlock()
		return owner
	}
	e.mu.Unlock()

	e.removeCandidate(c)
	return e.Owner()
}

// Recheck re-evaluates ownership without adding or removing candidates.
func (e *Entry) Recheck() *Candidate {
	e.mu.Lock()
	var p pending
	owner := e.reassign(&p)
	e.mu.Unlock()

	e.reg.flush(e, &p)
	return owner
}

// Lock acquires the entry for ec, blocking until the candidate is promoted,
// timeout elapses or ctx is done. A zero timeout waits on ctx only. On failure
// the acquisition is withdrawn.
func (e *Entry) Lock(ctx context.Context, ec *ExecContext, ver Version, timeout time.Duration, tx bool) (*Candidate, error) {
	c, err := e.AddLocal(ec, ver, timeout, true, tx)
	if err != nil {
		return nil, err
	}
	if !c.Ready() {
		if _, err := e.ReadyLocal(c.version); err != nil {
			e.release(c)
			return nil, err
		}
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := c.Wait(waitCtx); err != nil {
		e.release(c)
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			e.reg.logger.Debug().Str("key", e.key).Uint64("version", uint64(ver)).
				Dur("timeout", timeout).Msg("lock wait timed out")
			e.reg.publish(Event{
				Type:      EventLockTimeout,
				Key:       e.key,
				Version:   ver,
				ContextID: ec.ID(),
				NodeID:    e.reg.nodeID,
				Local:     true,
				Time:      time.Now(),
			})
			return nil, fmt.Errorf("%w: lock %q after %s", pkg.ErrTimeout, e.key, timeout)
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w: lock %q: %v", pkg.ErrContextCanceled, e.key, ctx.Err())
		default:
			return nil, err
		}
	}
	return c, nil
}

// release undoes one acquisition of c: a re-entry, or the candidate itself.
func (e *Entry) release(c *Candidate) {
	e.mu.Lock()
	if c.reentry > 0 {
		c.reentry--
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.removeCandidate(c)
}

// Owner returns the current owner, or nil.
func (e *Entry) Owner() *Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ownerLocked()
}

// Candidates returns the chain in arrival order.
func (e *Entry) Candidates() []*Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Candidate, 0, len(e.chain))
	for _, h := range e.chain {
		if c := e.reg.Candidate(h); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// IsOwnedBy reports whether ec owns the entry.
func (e *Entry) IsOwnedBy(ec *ExecContext) bool {
	owner := e.Owner()
	return owner != nil && owner.local && owner.ctxID == ec.id
}

// IsLocked reports whether any candidate owns the entry.
func (e *Entry) IsLocked() bool {
	return e.Owner() != nil
}

// HasCandidates reports whether the lock chain exists.
func (e *Entry) HasCandidates() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.chain) > 0
}

// MarkObsolete retires the entry under version ver. It fails while any
// candidate is queued. Marking an already obsolete entry succeeds only with
// the same version.
func (e *Entry) MarkObsolete(ver Version) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.markObsoleteLocked(ver)
}

// MarkObsoleteIfEmpty retires the entry under ver only while it holds no
// value and no candidate. The check and the marking are atomic, so a write
// that lands first keeps the entry alive.
func (e *Entry) MarkObsoleteIfEmpty(ver Version) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.obsolete == 0 && e.hasValue {
		return false
	}
	return e.markObsoleteLocked(ver)
}

// MarkObsoleteIfExpired retires the entry under ver only while it is expired
// at now and has no candidate.
func (e *Entry) MarkObsoleteIfExpired(ver Version, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.obsolete == 0 && !e.expiredLocked(now) {
		return false
	}
	return e.markObsoleteLocked(ver)
}

func (e *Entry) markObsoleteLocked(ver Version) bool {
	if e.obsolete != 0 {
		return e.obsolete == ver
	}
	if len(e.chain) > 0 {
		return false
	}
	e.obsolete = ver
	return true
}

// Obsolete returns the obsolete marker, zero for a live entry.
func (e *Entry) Obsolete() Version {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.obsolete
}

// CheckObsolete returns ErrEntryRemoved unless the obsolete marker equals
// expected. Live entries carry the zero marker.
func (e *Entry) CheckObsolete(expected Version) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.obsolete != expected {
		return fmt.Errorf("%w: %q", pkg.ErrEntryRemoved, e.key)
	}
	return nil
}

// Value returns a copy of the value, its data version and whether it is set.
func (e *Entry) Value() ([]byte, Version, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasValue {
		return nil, e.version, false
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, e.version, true
}

// DataVersion returns the version of the last write.
func (e *Entry) DataVersion() Version {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// SetValue stores value under version ver.
func (e *Entry) SetValue(value []byte, ver Version) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.obsolete != 0 {
		return fmt.Errorf("%w: %q", pkg.ErrEntryRemoved, e.key)
	}
	e.value = make([]byte, len(value))
	copy(e.value, value)
	e.hasValue = true
	e.version = ver
	return nil
}

// ClearValue removes the value under version ver.
func (e *Entry) ClearValue(ver Version) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.obsolete != 0 {
		return fmt.Errorf("%w: %q", pkg.ErrEntryRemoved, e.key)
	}
	e.value = nil
	e.hasValue = false
	e.version = ver
	return nil
}

// SetExpiry sets the expiry time; the zero time never expires.
func (e *Entry) SetExpiry(t time.Time) {
	e.mu.Lock()
	e.expiresAt = t
	e.mu.Unlock()
}

// Expired reports whether the entry expired at now.
func (e *Entry) Expired(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.expiredLocked(now)
}

func (e *Entry) expiredLocked(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

func (e *Entry) findLocked(match func(*Candidate) bool) *Candidate {
	for _, h := range e.chain {
		if c := e.reg.Candidate(h); c != nil && match(c) {
			return c
		}
	}
	return nil
}

func (e *Entry) ownerLocked() *Candidate {
	if len(e.chain) == 0 {
		return nil
	}
	c := e.reg.Candidate(e.chain[0])
	if c == nil || !c.owner.Load() {
		return nil
	}
	return c
}

// removeCandidate takes c out of the chain, the arena and its context, then
// promotes the next eligible candidate. It reports whether c was still queued.
func (e *Entry) removeCandidate(c *Candidate) bool {
	e.mu.Lock()

	idx := -1
	for i, h := range e.chain {
		if h == c.handle {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return false
	}

	var p pending

	// The context's next candidate may have been waiting on this one.
	if c.ec != nil {
		if nh, ok := c.ec.next(c.handle); ok {
			if nc := e.reg.Candidate(nh); nc != nil {
				p.cascade(e, nc.entry)
			}
		}
		c.ec.remove(c.handle)
	}

	e.chain = append(e.chain[:idx], e.chain[idx+1:]...)
	if len(e.chain) == 0 {
		e.chain = nil
	}
	e.reg.unregister(c)
	c.removed.Store(true)

	if c.owner.Load() {
		c.owner.Store(false)
		e.reg.owners.Add(-1)
		p.changed = true
		p.prev = c
		p.event(EventLockReleased, e.key, c)
	}
	c.wake()

	if next := e.reassign(&p); p.changed {
		p.next = next
	}
	e.mu.Unlock()

	e.reg.flush(e, &p)
	return true
}

// reassign promotes the chain head if it is ready and its context's previous
// candidate already owns its own entry. The owner never changes while it is
// queued. Must be called with e.mu held.
func (e *Entry) reassign(p *pending) *Candidate {
	if len(e.chain) == 0 {
		return nil
	}

	head := e.reg.Candidate(e.chain[0])
	if head == nil {
		return nil
	}
	if head.owner.Load() {
		return head
	}
	if !head.ready || !e.predecessorOwned(head) {
		return nil
	}

	head.owner.Store(true)
	e.reg.owners.Add(1)
	e.reg.promotions.Add(1)
	head.wake()

	p.changed = true
	p.next = head
	p.event(EventLockAcquired, e.key, head)

	if head.ec != nil {
		if nh, ok := head.ec.next(head.handle); ok {
			if nc := e.reg.Candidate(nh); nc != nil {
				p.cascade(e, nc.entry)
			}
		}
	}
	return head
}

func (e *Entry) predecessorOwned(c *Candidate) bool {
	if c.ec == nil {
		return true
	}
	ph, ok := c.ec.prev(c.handle)
	if !ok {
		return true
	}
	pc := e.reg.Candidate(ph)
	return pc == nil || pc.entry == e || pc.owner.Load()
}
