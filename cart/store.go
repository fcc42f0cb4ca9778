package cart

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/events"
	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/repository"
)

const defaultSlotTimeout = 500 * time.Millisecond

type Option func(*Store)

// WithKey sets the slot key the cart is persisted under. Defaults to "cart".
func WithKey(key string) Option {
	return func(s *Store) { s.key = key }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Store) { s.log = log }
}

// WithPublisher forwards every state change to p in addition to local subscribers.
func WithPublisher(p events.Publisher) Option {
	return func(s *Store) { s.pub = p }
}

func WithSlotTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// Store is the single source of truth for one shopping cart. Every
// operation runs under one mutex, including the persistence write, so a
// read-modify-write never interleaves with another operation on the same cart.
type Store struct {
	mu      sync.Mutex
	slot    repository.Slot
	key     string
	log     logrus.FieldLogger
	pub     events.Publisher
	hub     *events.Hub
	timeout time.Duration
	now     func() time.Time

	items      []model.CartItem
	index      map[int]int
	totalItems int
	totalPrice decimal.Decimal
	notice     *model.Notification
	durable    bool
}

// New creates a cart and rehydrates it from the slot. A missing, corrupt
// or unreadable snapshot yields an empty cart.
func New(ctx context.Context, slot repository.Slot, opts ...Option) *Store {
	s := &Store{
		slot:    slot,
		key:     repository.CartKey,
		log:     discardLogger(),
		pub:     events.Nop{},
		hub:     events.NewHub(),
		timeout: defaultSlotTimeout,
		now:     time.Now,
		items:   []model.CartItem{},
		index:   make(map[int]int),
		durable: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithField("slot", s.key)
	s.rehydrate(ctx)
	return s
}

func (s *Store) rehydrate(ctx context.Context) {
	ioCtx, cancel := s.ioContext(ctx)
	defer cancel()

	raw, ok, err := s.slot.Get(ioCtx, s.key)
	if err != nil {
		s.degrade("read", err)
		return
	}
	if !ok {
		return
	}

	state, err := DecodeSnapshot(raw)
	if err != nil {
		s.log.WithError(err).Warn("discarding persisted cart")
		if err := s.slot.Delete(ioCtx, s.key); err != nil {
			s.degrade("delete", err)
		}
		return
	}

	s.items = state.Items
	for i, it := range s.items {
		s.index[it.ID] = i
	}
	s.totalItems, s.totalPrice = Totals(s.items)
	s.log.WithField("items", len(s.items)).Debug("cart rehydrated")
}

// AddToCart adds one unit of p. A product already in the cart keeps the
// price it was first added with.
func (s *Store) AddToCart(ctx context.Context, p model.Product) model.CartState {
	s.mu.Lock()
	if i, ok := s.index[p.ID]; ok {
		s.items[i].Quantity++
		s.totalPrice = s.totalPrice.Add(decimal.NewFromFloat(s.items[i].Price))
	} else {
		s.index[p.ID] = len(s.items)
		s.items = append(s.items, model.NewCartItem(p))
		s.totalPrice = s.totalPrice.Add(decimal.NewFromFloat(p.Price))
	}
	s.totalItems++

	name := p.Name
	if name == "" {
		name = "Item"
	}
	s.notice = &model.Notification{
		Message:   fmt.Sprintf("%s added to cart", name),
		ProductID: p.ID,
		CreatedAt: s.now(),
	}

	state := s.stateLocked()
	s.persistLocked(ctx, state)
	s.mu.Unlock()

	s.emit(ctx, events.CartUpdated, state)
	return state
}

// RemoveFromCart removes one unit of the product. The totals are reduced by
// the price stored on the cart item. Unknown ids are a no-op.
func (s *Store) RemoveFromCart(ctx context.Context, productID int) model.CartState {
	s.mu.Lock()
	i, ok := s.index[productID]
	if !ok {
		state := s.stateLocked()
		s.mu.Unlock()
		return state
	}

	price := decimal.NewFromFloat(s.items[i].Price)
	if s.items[i].Quantity == 1 {
		s.items = append(s.items[:i], s.items[i+1:]...)
		delete(s.index, productID)
		for j := i; j < len(s.items); j++ {
			s.index[s.items[j].ID] = j
		}
	} else {
		s.items[i].Quantity--
	}
	s.totalItems--
	s.totalPrice = s.totalPrice.Sub(price)

	state := s.stateLocked()
	s.persistLocked(ctx, state)
	s.mu.Unlock()

	s.emit(ctx, events.CartUpdated, state)
	return state
}

// ClearCart resets to the empty cart and deletes the persisted snapshot.
func (s *Store) ClearCart(ctx context.Context) model.CartState {
	s.mu.Lock()
	s.items = []model.CartItem{}
	s.index = make(map[int]int)
	s.totalItems = 0
	s.totalPrice = decimal.Zero

	if s.durable {
		ioCtx, cancel := s.ioContext(ctx)
		if err := s.slot.Delete(ioCtx, s.key); err != nil {
			s.degrade("delete", err)
		}
		cancel()
	}
	state := s.stateLocked()
	s.mu.Unlock()

	s.emit(ctx, events.CartCleared, state)
	return state
}

func (s *Store) State() model.CartState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Notification returns the pending notification, if any.
func (s *Store) Notification() (model.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notice == nil {
		return model.Notification{}, false
	}
	return *s.notice, true
}

func (s *Store) DismissNotification() {
	s.mu.Lock()
	s.notice = nil
	s.mu.Unlock()
}

// Subscribe calls fn with the new state after every mutation. fn runs
// outside the store lock and may call back into the store.
func (s *Store) Subscribe(fn func(model.CartState)) (cancel func()) {
	return s.hub.Subscribe(func(e events.Event) {
		if state, ok := e.Payload.(model.CartState); ok {
			fn(state)
		}
	})
}

// Durable reports whether the cart is still being persisted. It turns
// false for good after the first storage failure.
func (s *Store) Durable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durable
}

func (s *Store) Key() string {
	return s.key
}

func (s *Store) stateLocked() model.CartState {
	items := make([]model.CartItem, len(s.items))
	copy(items, s.items)
	return model.CartState{
		Items:      items,
		TotalItems: s.totalItems,
		TotalPrice: s.totalPrice.InexactFloat64(),
	}
}

func (s *Store) persistLocked(ctx context.Context, state model.CartState) {
	if !s.durable {
		return
	}
	raw, err := encodeSnapshot(state)
	if err != nil {
		s.degrade("encode", err)
		return
	}
	ioCtx, cancel := s.ioContext(ctx)
	defer cancel()
	if err := s.slot.Set(ioCtx, s.key, raw); err != nil {
		s.degrade("write", err)
	}
}

// degrade switches the store to in-memory operation for the rest of its life.
func (s *Store) degrade(op string, err error) {
	if !s.durable {
		return
	}
	s.durable = false
	s.log.WithError(err).Warnf("cart slot %s failed, continuing without persistence", op)
}

// ioContext detaches slot I/O from the caller's cancellation; a cancelled
// request must not be mistaken for a storage failure.
func (s *Store) ioContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
}

func (s *Store) emit(ctx context.Context, kind events.Kind, state model.CartState) {
	e := events.Event{Kind: kind, Key: s.key, At: s.now(), Payload: state}
	s.hub.Publish(ctx, e)
	s.pub.Publish(ctx, e)
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}
