package tx

import (
	"context"
	"sync"
)

// Future is the result of an asynchronous transaction operation. It completes
// once; every caller of Get observes the same error.
type Future struct {
	done   chan struct{}
	once   sync.Once
	err    error
	cancel context.CancelFunc
}

func newFuture(cancel context.CancelFunc) *Future {
	return &Future{done: make(chan struct{}), cancel: cancel}
}

func completedFuture(err error) *Future {
	f := newFuture(nil)
	f.complete(err)
	return f
}

// Done is closed when the operation finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Get waits for the result. If ctx ends first, Get returns ctx's error and the
// operation keeps running.
func (f *Future) Get(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the result without waiting; nil while the operation runs.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Cancel asks the operation to stop. A commit canceled before it starts
// applying writes releases its locks and rolls back.
func (f *Future) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *Future) complete(err error) {
	f.once.Do(func() {
		f.err = err
		if f.cancel != nil {
			f.cancel()
		}
		close(f.done)
	})
}
