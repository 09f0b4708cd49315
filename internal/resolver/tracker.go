package resolver

import (
	"context"
	"sync"
)

// Tracker sequences results per identity. Each Begin issues a new sequence
// number; only a result carrying the latest number for its identity can be
// committed. Switch moves the tracker to a new identity and invalidates
// everything in flight for the others without aborting network calls.
type Tracker[K comparable, V any] struct {
	mu        sync.Mutex
	latest    map[K]uint64
	committed map[K]committed[V]
	stops     map[K]map[uint64]context.CancelFunc
	active    K
	hasActive bool
}

type committed[V any] struct {
	seq   uint64
	value V
}

func NewTracker[K comparable, V any]() *Tracker[K, V] {
	return &Tracker[K, V]{
		latest:    map[K]uint64{},
		committed: map[K]committed[V]{},
		stops:     map[K]map[uint64]context.CancelFunc{},
	}
}

// Begin issues the next sequence number for id. The returned context is
// cancelled when Switch moves away from id or when done is called; the
// caller must call done.
func (t *Tracker[K, V]) Begin(ctx context.Context, id K) (context.Context, uint64, func()) {
	qctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	seq := t.latest[id] + 1
	t.latest[id] = seq
	if t.stops[id] == nil {
		t.stops[id] = map[uint64]context.CancelFunc{}
	}
	t.stops[id][seq] = cancel
	t.mu.Unlock()

	done := func() {
		t.mu.Lock()
		delete(t.stops[id], seq)
		if len(t.stops[id]) == 0 {
			delete(t.stops, id)
		}
		t.mu.Unlock()
		cancel()
	}
	return qctx, seq, done
}

// Commit stores value if seq is still the latest issued for id.
func (t *Tracker[K, V]) Commit(id K, seq uint64, value V) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest[id] != seq {
		return false
	}
	t.committed[id] = committed[V]{seq: seq, value: value}
	return true
}

// Latest returns the last committed value for id.
func (t *Tracker[K, V]) Latest(id K) (V, uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.committed[id]
	return c.value, c.seq, ok
}

// Switch makes id the active identity. Every other identity's in-flight
// queries are cancelled, their sequence bumped and their results dropped.
func (t *Tracker[K, V]) Switch(id K) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hasActive && t.active == id {
		return
	}
	for other, stops := range t.stops {
		if other == id {
			continue
		}
		for _, stop := range stops {
			stop()
		}
		delete(t.stops, other)
	}
	for other := range t.latest {
		if other != id {
			t.latest[other]++
		}
	}
	for other := range t.committed {
		if other != id {
			delete(t.committed, other)
		}
	}
	t.active = id
	t.hasActive = true
}

// Active returns the identity set by the last Switch.
func (t *Tracker[K, V]) Active() (K, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active, t.hasActive
}
