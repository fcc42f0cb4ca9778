package cart

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/repository"
)

// DefaultSessionLimit bounds how many session carts a Registry keeps in memory.
const DefaultSessionLimit = 10000

// Registry hands out one cart per session, each persisted under
// cart:<sessionID> in the shared slot. Only the most recently used carts
// stay in memory; an evicted cart is rehydrated from the slot on next use.
type Registry struct {
	slot   repository.Slot
	opts   []Option
	stores *lru.Cache
	sf     singleflight.Group
}

// NewRegistry keeps at most limit carts in memory, DefaultSessionLimit
// when limit is not positive.
func NewRegistry(slot repository.Slot, limit int, opts ...Option) *Registry {
	if limit <= 0 {
		limit = DefaultSessionLimit
	}
	// lru.New only fails for a non-positive size.
	stores, _ := lru.New(limit)
	r := &Registry{
		slot:   slot,
		opts:   opts,
		stores: stores,
	}
	r.registerMetrics()
	return r
}

func (r *Registry) registerMetrics() {
	meter := otel.GetMeterProvider().Meter("storefrontservice.cart")
	_, _ = meter.Int64ObservableGauge(
		"cart_sessions_active",
		metric.WithUnit("{sessions}"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(r.Len()))
			return nil
		}),
	)
}

// Get returns the session's cart, rehydrating it on first use. Concurrent
// first uses of one session share a single rehydration, and the slot read
// never blocks other sessions.
func (r *Registry) Get(ctx context.Context, sessionID string) *Store {
	if s, ok := r.stores.Get(sessionID); ok {
		return s.(*Store)
	}
	v, _, _ := r.sf.Do(sessionID, func() (interface{}, error) {
		if s, ok := r.stores.Get(sessionID); ok {
			return s, nil
		}
		opts := append(append([]Option(nil), r.opts...), WithKey(repository.CartKeyFor(sessionID)))
		s := New(ctx, r.slot, opts...)
		r.stores.Add(sessionID, s)
		return s, nil
	})
	return v.(*Store)
}

// Len reports how many carts are held in memory.
func (r *Registry) Len() int {
	return r.stores.Len()
}
