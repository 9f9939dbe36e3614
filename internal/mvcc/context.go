package mvcc

import "sync"

// ExecContext identifies a logical caller (a goroutine, a request, a
// transaction) to the lock layer. It replaces thread identity: reentrancy and
// release are keyed by the context, not by who happens to run the code.
//
// The context keeps the ordered list of candidates it holds across entries.
// A candidate becomes owner only after the context's previous candidate does,
// so the list doubles as the cascade path on promotion and release.
type ExecContext struct {
	id uint64

	mu      sync.Mutex
	handles []Handle
}

// ID returns the context id.
func (ec *ExecContext) ID() uint64 { return ec.id }

// Handles returns the candidates held by the context, oldest first.
func (ec *ExecContext) Handles() []Handle {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]Handle, len(ec.handles))
	copy(out, ec.handles)
	return out
}

// Len returns the number of candidates held.
func (ec *ExecContext) Len() int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return len(ec.handles)
}

func (ec *ExecContext) push(h Handle) {
	ec.mu.Lock()
	ec.handles = append(ec.handles, h)
	ec.mu.Unlock()
}

func (ec *ExecContext) remove(h Handle) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for i, x := range ec.handles {
		if x == h {
			ec.handles = append(ec.handles[:i], ec.handles[i+1:]...)
			return
		}
	}
}

func (ec *ExecContext) prev(h Handle) (Handle, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for i, x := range ec.handles {
		if x == h {
			if i == 0 {
				return 0, false
			}
			return ec.handles[i-1], true
		}
	}
	return 0, false
}

func (ec *ExecContext) next(h Handle) (Handle, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for i, x := range ec.handles {
		if x == h {
			if i == len(ec.handles)-1 {
				return 0, false
			}
			return ec.handles[i+1], true
		}
	}
	return 0, false
}
