package events

import (
	"context"
	"sync"
	"time"
)

type Kind string

const (
	CartUpdated    Kind = "cart.updated"
	CartCleared    Kind = "cart.cleared"
	ProductAdded   Kind = "catalog.product_added"
	ProductDeleted Kind = "catalog.product_deleted"
)

// Event describes one completed state transition of a store.
// Key is the slot key of the store that emitted it.
type Event struct {
	Kind    Kind        `json:"kind"`
	Key     string      `json:"key"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload,omitempty"`
}

// Publisher receives events after a store operation completed. Publishing
// must not fail the operation, so there is no error return.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Multi publishes to every publisher in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, e)
		}
	}
}

// Hub fans events out to in-process subscribers.
type Hub struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Event)
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a function that removes it.
func (h *Hub) Subscribe(fn func(Event)) (cancel func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) Publish(_ context.Context, e Event) {
	h.mu.RLock()
	fns := make([]func(Event), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(e)
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
