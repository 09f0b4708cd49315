// Package diag fans out passive diagnostic events: the latest gateway health
// and the last transaction-planning context. Delivery is best effort; a
// subscriber that falls behind loses events and nothing else is affected.
package diag

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggonzalez94/dexkit/internal/rpc"
)

type Kind string

const (
	KindHealth Kind = "health"
	KindPlan   Kind = "plan"
)

// PlanContext describes the most recent planning or submission attempt.
type PlanContext struct {
	Operation    string    `json:"operation"`
	ChainID      int64     `json:"chain_id"`
	Router       string    `json:"router,omitempty"`
	Method       string    `json:"method,omitempty"`
	Path         []string  `json:"path,omitempty"`
	AmountIn     string    `json:"amount_in,omitempty"`
	AmountOutMin string    `json:"amount_out_min,omitempty"`
	AmountInMax  string    `json:"amount_in_max,omitempty"`
	Deadline     uint64    `json:"deadline,omitempty"`
	FeeSource    string    `json:"fee_source,omitempty"`
	TxHash       string    `json:"tx_hash,omitempty"`
	Error        string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}

// Event always carries both the latest health and the latest plan context.
type Event struct {
	Kind   Kind         `json:"kind"`
	At     time.Time    `json:"at"`
	Health rpc.Health   `json:"health"`
	Plan   *PlanContext `json:"plan,omitempty"`
}

type Bus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	health  rpc.Health
	plan    *PlanContext
	now     func() time.Time
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: map[int]chan Event{}, now: time.Now}
}

// Subscribe returns a channel of events and a func that unsubscribes and
// closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// PublishHealth is safe to use as rpc.Config.OnHealth.
func (b *Bus) PublishHealth(h rpc.Health) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.health = h
	b.broadcast(KindHealth)
	b.mu.Unlock()
}

func (b *Bus) PublishPlan(p PlanContext) {
	if b == nil {
		return
	}
	if p.At.IsZero() {
		p.At = b.now()
	}
	b.mu.Lock()
	b.plan = &p
	b.broadcast(KindPlan)
	b.mu.Unlock()
}

// Snapshot returns the latest health and plan context.
func (b *Bus) Snapshot() Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.event("")
}

// Dropped counts events discarded because a subscriber buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) event(kind Kind) Event {
	ev := Event{Kind: kind, At: b.now(), Health: b.health}
	if b.plan != nil {
		p := *b.plan
		p.Path = append([]string(nil), b.plan.Path...)
		ev.Plan = &p
	}
	return ev
}

// broadcast must be called with mu held.
func (b *Bus) broadcast(kind Kind) {
	if len(b.subs) == 0 {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- b.event(kind):
		default:
			b.dropped.Add(1)
		}
	}
}
