package mvcc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zde37/tessera/internal/cluster"
	"github.com/zde37/tessera/pkg"
)

// Candidate is a pending or granted lock request on an entry.
type Candidate struct {
	handle  Handle
	entry   *Entry
	version Version
	ctxID   uint64
	ec      *ExecContext // nil for remote candidates
	nodeID  cluster.NodeID
	local   bool
	tx      bool
	timeout time.Duration

	// guarded by entry.mu
	ready   bool
	reentry int

	owner   atomic.Bool
	removed atomic.Bool

	signal     chan struct{}
	signalOnce sync.Once
}

func (c *Candidate) Handle() Handle { return c.handle }
func (c *Candidate) Version() Version { return c.version }
func (c *Candidate) Key() string { return c.entry.key }
func (c *Candidate) Entry() *Entry { return c.entry }
func (c *Candidate) ContextID() uint64 { return c.ctxID }
func (c *Candidate) NodeID() cluster.NodeID { return c.nodeID }
func (c *Candidate) Local() bool { return c.local }
func (c *Candidate) Tx() bool { return c.tx }
func (c *Candidate) Timeout() time.Duration { return c.timeout }
func (c *Candidate) IsOwner() bool { return c.owner.Load() }
func (c *Candidate) IsRemoved() bool { return c.removed.Load() }
func (c *Candidate) Done() <-chan struct{} { return c.signal }

// Ready reports whether the candidate may be promoted.
func (c *Candidate) Ready() bool {
	c.entry.mu.Lock()
	defer c.entry.mu.Unlock()
	return c.ready
}

// Reentries returns how many times the candidate was re-acquired on top of
// the first acquisition.
func (c *Candidate) Reentries() int {
	c.entry.mu.Lock()
	defer c.entry.mu.Unlock()
	return c.reentry
}

// Wait blocks until the candidate owns its entry, is removed, or ctx is done.
func (c *Candidate) Wait(ctx context.Context) error {
	select {
	case <-c.signal:
	case <-ctx.Done():
		if c.owner.Load() {
			return nil
		}
		return ctx.Err()
	}

	if c.owner.Load() {
		return nil
	}
	return fmt.Errorf("%w: candidate %d on %q", pkg.ErrEntryRemoved, c.version, c.entry.key)
}

func (c *Candidate) String() string {
	return fmt.Sprintf("candidate{key=%q ver=%d ctx=%d local=%t owner=%t}",
		c.entry.key, c.version, c.ctxID, c.local, c.owner.Load())
}

func (c *Candidate) wake() {
	c.signalOnce.Do(func() { close(c.signal) })
}
