package grid

import (
	"sync"

	"github.com/zde37/tessera/internal/mvcc"
)

// EventFanout delivers lock events to every subscriber. Subscribers must not
// block; they run on the goroutine that released or acquired the lock.
type EventFanout struct {
	mu   sync.RWMutex
	subs map[int]mvcc.EventBus
	next int
}

// NewEventFanout creates an empty fan-out.
func NewEventFanout() *EventFanout {
	return &EventFanout{subs: make(map[int]mvcc.EventBus)}
}

// Subscribe adds bus and returns a function removing it again.
func (f *EventFanout) Subscribe(bus mvcc.EventBus) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	f.subs[id] = bus
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

// Publish satisfies mvcc.EventBus.
func (f *EventFanout) Publish(ev mvcc.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.subs {
		s.Publish(ev)
	}
}
