package mvcc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zde37/tessera/internal/cluster"
	"github.com/zde37/tessera/pkg"
)

// Handle is the stable arena index of a candidate.
type Handle uint64

// Version orders lock attempts. Versions are unique per registry and increase
// monotonically; zero means "no version".
type Version uint64

const arenaShards = 64

// EventType identifies lock events published to the event bus.
type EventType string

const (
	EventLockAcquired EventType = "lock_acquired"
	EventLockReleased EventType = "lock_released"
	EventLockTimeout  EventType = "lock_timeout"
)

// Event is a lock event. Events are published after the entry's critical
// section is left and are never awaited.
type Event struct {
	Type      EventType      `json:"type"`
	Key       string         `json:"key"`
	Version   Version        `json:"version"`
	ContextID uint64         `json:"context_id"`
	NodeID    cluster.NodeID `json:"node_id"`
	Local     bool           `json:"local"`
	Time      time.Time      `json:"time"`
}

// EventBus receives lock events. Publish must not block.
type EventBus interface {
	Publish(Event)
}

// OwnerListener is notified when the owner of an entry changes. prev or next
// may be nil. Listeners run outside the entry's critical section and may call
// back into the entry.
type OwnerListener func(key string, prev, next *Candidate)

// Stats is a point-in-time view of the registry counters.
type Stats struct {
	Candidates int64
	Owners     int64
	Listeners  int64
	Promotions int64
	Reentries  int64
	Contexts   int64
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// NodeID stamps local candidates.
	NodeID cluster.NodeID

	// EventBus receives lock events; nil disables publishing.
	EventBus EventBus

	Logger *pkg.Logger
}

type arenaShard struct {
	mu    sync.RWMutex
	items map[Handle]*Candidate
}

// Registry owns the shared state of the lock layer: the candidate arena, the
// version and context id generators, owner listeners and counters. There is no
// registry-wide lock on the lock path; the arena is sharded.
type Registry struct {
	nodeID cluster.NodeID
	bus    EventBus
	logger *pkg.Logger

	arena [arenaShards]arenaShard

	nextHandle  atomic.Uint64
	nextVersion atomic.Uint64
	nextContext atomic.Uint64

	listenersMu sync.RWMutex
	listeners   map[int64]OwnerListener
	nextListen  int64

	candidates atomic.Int64
	owners     atomic.Int64
	promotions atomic.Int64
	reentries  atomic.Int64
	contexts   atomic.Int64
}

// NewRegistry creates a registry. A nil config is valid.
func NewRegistry(cfg *RegistryConfig) *Registry {
	if cfg == nil {
		cfg = &RegistryConfig{}
	}

	r := &Registry{
		nodeID:    cfg.NodeID,
		bus:       cfg.EventBus,
		logger:    pkg.OrNop(cfg.Logger).Component("mvcc"),
		listeners: make(map[int64]OwnerListener),
	}
	for i := range r.arena {
		r.arena[i].items = make(map[Handle]*Candidate)
	}
	return r
}

// NodeID returns the id stamped on local candidates.
func (r *Registry) NodeID() cluster.NodeID { return r.nodeID }

// NextVersion returns a fresh lock version.
func (r *Registry) NextVersion() Version {
	return Version(r.nextVersion.Add(1))
}

// NewContext returns a fresh execution context.
func (r *Registry) NewContext() *ExecContext {
	r.contexts.Add(1)
	return &ExecContext{id: r.nextContext.Add(1)}
}

// NewEntry creates a live entry for key.
func (r *Registry) NewEntry(key string) *Entry {
	return &Entry{reg: r, key: key}
}

// AddOwnerListener registers l and returns its id.
func (r *Registry) AddOwnerListener(l OwnerListener) int64 {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.nextListen++
	r.listeners[r.nextListen] = l
	return r.nextListen
}

// RemoveOwnerListener unregisters the listener with the given id.
func (r *Registry) RemoveOwnerListener(id int64) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	delete(r.listeners, id)
}

// Candidate returns the live candidate behind h, or nil.
func (r *Registry) Candidate(h Handle) *Candidate {
	s := &r.arena[h%arenaShards]
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[h]
}

// ReleaseContext removes every candidate ec holds, newest first and one entry
// at a time, and returns how many were removed.
func (r *Registry) ReleaseContext(ec *ExecContext) int {
	n := 0
	handles := ec.Handles()
	for i := len(handles) - 1; i >= 0; i-- {
		h := handles[i]
		c := r.Candidate(h)
		if c == nil {
			ec.remove(h)
			continue
		}
		if c.entry.removeCandidate(c) {
			n++
		}
	}
	return n
}

// ReleaseVersion removes the candidates ec holds under ver, newest first, and
// returns how many were removed. Candidates of other versions stay.
func (r *Registry) ReleaseVersion(ec *ExecContext, ver Version) int {
	n := 0
	handles := ec.Handles()
	for i := len(handles) - 1; i >= 0; i-- {
		c := r.Candidate(handles[i])
		if c == nil || c.version != ver {
			continue
		}
		if c.entry.removeCandidate(c) {
			n++
		}
	}
	return n
}

// Stats returns the current counters.
func (r *Registry) Stats() Stats {
	r.listenersMu.RLock()
	listeners := int64(len(r.listeners))
	r.listenersMu.RUnlock()

	return Stats{
		Candidates: r.candidates.Load(),
		Owners:     r.owners.Load(),
		Listeners:  listeners,
		Promotions: r.promotions.Load(),
		Reentries:  r.reentries.Load(),
		Contexts:   r.contexts.Load(),
	}
}

func (r *Registry) register(c *Candidate) {
	c.handle = Handle(r.nextHandle.Add(1))
	s := &r.arena[c.handle%arenaShards]
	s.mu.Lock()
	s.items[c.handle] = c
	s.mu.Unlock()
	r.candidates.Add(1)
}

func (r *Registry) unregister(c *Candidate) {
	s := &r.arena[c.handle%arenaShards]
	s.mu.Lock()
	delete(s.items, c.handle)
	s.mu.Unlock()
	r.candidates.Add(-1)
}

// pending collects the side effects of one critical section. They are applied
// by flush once the entry mutex is released.
type pending struct {
	changed bool
	prev    *Candidate
	next    *Candidate
	events  []Event
	recheck []*Entry
}

func (p *pending) event(t EventType, key string, c *Candidate) {
	p.events = append(p.events, Event{
		Type:      t,
		Key:       key,
		Version:   c.version,
		ContextID: c.ctxID,
		NodeID:    c.nodeID,
		Local:     c.local,
		Time:      time.Now(),
	})
}

// publish sends a single event outside any critical section.
func (r *Registry) publish(ev Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}

func (p *pending) cascade(from *Entry, e *Entry) {
	if e == nil || e == from {
		return
	}
	for _, x := range p.recheck {
		if x == e {
			return
		}
	}
	p.recheck = append(p.recheck, e)
}

func (r *Registry) flush(e *Entry, p *pending) {
	if p.changed {
		r.listenersMu.RLock()
		ls := make([]OwnerListener, 0, len(r.listeners))
		for _, l := range r.listeners {
			ls = append(ls, l)
		}
		r.listenersMu.RUnlock()

		for _, l := range ls {
			l(e.key, p.prev, p.next)
		}
	}

	if r.bus != nil {
		for _, ev := range p.events {
			r.bus.Publish(ev)
		}
	}

	for _, other := range p.recheck {
		other.Recheck()
	}
}
