package catalog

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/events"
	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/storefrontservice/repository"
)

const (
	defaultSlotTimeout = 500 * time.Millisecond
	defaultRating      = 4.0
)

type Option func(*Store)

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Store) { s.log = log }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Store) { s.pub = p }
}

func WithSlotTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// Store merges the built-in products with the dynamic products kept in
// the dynamicProducts slot, and owns id assignment for new products.
type Store struct {
	mu      sync.Mutex
	builtin *Builtin
	slot    repository.Slot
	log     logrus.FieldLogger
	pub     events.Publisher
	hub     *events.Hub
	timeout time.Duration

	// dynamic is the last list read from or written to the slot. Once the
	// store is no longer durable it is the only copy.
	dynamic []model.Product
	durable bool
	// warnedRaw is the last slot value reported for dropped entries.
	warnedRaw string

	addedTotal   uint64
	deletedTotal uint64
}

func New(builtin *Builtin, slot repository.Slot, opts ...Option) *Store {
	s := &Store{
		builtin: builtin,
		slot:    slot,
		log:     discardLogger(),
		pub:     events.Nop{},
		hub:     events.NewHub(),
		timeout: defaultSlotTimeout,
		dynamic: []model.Product{},
		durable: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerMetrics()
	return s
}

func (s *Store) registerMetrics() {
	meter := otel.GetMeterProvider().Meter("storefrontservice.catalog")
	_, err := meter.Int64ObservableGauge(
		"catalog_product_added_total",
		metric.WithUnit("{products}"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(atomic.LoadUint64(&s.addedTotal)))
			return nil
		}),
	)
	if err != nil {
		s.log.Warnf("failed to register metrics: %v", err)
	}
	_, err = meter.Int64ObservableGauge(
		"catalog_product_deleted_total",
		metric.WithUnit("{products}"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(atomic.LoadUint64(&s.deletedTotal)))
			return nil
		}),
	)
	if err != nil {
		s.log.Warnf("failed to register metrics: %v", err)
	}
}

// GetAllProducts returns the built-in products followed by the dynamic ones.
func (s *Store) GetAllProducts(ctx context.Context) []model.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allLocked(ctx)
}

func (s *Store) GetProductsByCategory(ctx context.Context, category string) []model.Product {
	out := []model.Product{}
	for _, p := range s.GetAllProducts(ctx) {
		if p.Category == category {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) GetProductByID(ctx context.Context, id int) (model.Product, bool) {
	for _, p := range s.GetAllProducts(ctx) {
		if p.ID == id {
			return p, true
		}
	}
	return model.Product{}, false
}

// GetAllCategories returns every category in the catalog in first-seen order.
func (s *Store) GetAllCategories(ctx context.Context) []string {
	out := s.builtin.Categories()
	seen := make(map[string]bool, len(out))
	for _, c := range out {
		seen[c] = true
	}
	for _, p := range s.DynamicProducts(ctx) {
		if !seen[p.Category] {
			seen[p.Category] = true
			out = append(out, p.Category)
		}
	}
	return out
}

// DynamicProducts returns only the products added at runtime.
func (s *Store) DynamicProducts(ctx context.Context) []model.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

// AddProduct assigns the next id and appends the product to the dynamic
// list. The id is one above the highest id in the whole catalog, rescanned
// on every call; there is no stored counter, so new built-in products
// shipped in a later release can never collide with dynamic ones.
// Input validation is the caller's job.
func (s *Store) AddProduct(ctx context.Context, draft model.ProductDraft) model.Product {
	s.mu.Lock()
	dynamic := s.loadLocked(ctx)

	p := model.Product{
		ID:          nextID(s.builtin.MaxID(), dynamic),
		Name:        draft.Name,
		Image:       draft.Image,
		Description: draft.Description,
		Category:    draft.Category,
		Features:    append([]string{}, draft.Features...),
		InStock:     true,
		Rating:      defaultRating,
	}
	if draft.Price != nil {
		p.Price = *draft.Price
	}
	if draft.InStock != nil {
		p.InStock = *draft.InStock
	}
	if draft.Rating != nil {
		p.Rating = *draft.Rating
	}

	dynamic = append(dynamic, p)
	s.storeLocked(ctx, dynamic)
	s.mu.Unlock()

	atomic.AddUint64(&s.addedTotal, 1)
	s.log.WithField("product_id", p.ID).Infof("added product %q", p.Name)
	s.emit(ctx, events.ProductAdded, p.Clone())
	return p.Clone()
}

// DeleteProduct removes id from the dynamic list and returns what is left.
// A built-in id is a no-op, even when a dynamic entry shares it.
func (s *Store) DeleteProduct(ctx context.Context, id int) []model.Product {
	s.mu.Lock()
	dynamic := s.loadLocked(ctx)
	if s.builtin.Contains(id) {
		s.mu.Unlock()
		return dynamic
	}

	filtered := make([]model.Product, 0, len(dynamic))
	for _, p := range dynamic {
		if p.ID != id {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) == len(dynamic) {
		s.mu.Unlock()
		return filtered
	}

	s.storeLocked(ctx, filtered)
	s.mu.Unlock()

	atomic.AddUint64(&s.deletedTotal, 1)
	s.log.WithField("product_id", id).Info("deleted product")
	s.emit(ctx, events.ProductDeleted, id)
	return cloneAll(filtered)
}

// Subscribe calls fn after every catalog change.
func (s *Store) Subscribe(fn func(events.Event)) (cancel func()) {
	return s.hub.Subscribe(fn)
}

func (s *Store) Durable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durable
}

func nextID(builtinMax int, dynamic []model.Product) int {
	maxID := builtinMax
	for _, p := range dynamic {
		if p.ID > maxID {
			maxID = p.ID
		}
	}
	return maxID + 1
}

func (s *Store) allLocked(ctx context.Context) []model.Product {
	return append(s.builtin.Products(), s.loadLocked(ctx)...)
}

// loadLocked returns a copy of the dynamic list, refreshed from the slot
// while the store is durable.
func (s *Store) loadLocked(ctx context.Context) []model.Product {
	if s.durable {
		ioCtx, cancel := s.ioContext(ctx)
		raw, ok, err := s.slot.Get(ioCtx, repository.DynamicProductsKey)
		cancel()
		switch {
		case err != nil:
			s.degrade("read", err)
		case !ok:
			s.dynamic = []model.Product{}
		default:
			var dropped int
			s.dynamic, dropped = decodeDynamic(raw)
			if dropped > 0 && raw != s.warnedRaw {
				s.warnedRaw = raw
				s.log.WithField("dropped", dropped).Warn("ignoring dynamic products without a valid unique id")
			}
		}
	}
	return cloneAll(s.dynamic)
}

func (s *Store) storeLocked(ctx context.Context, dynamic []model.Product) {
	s.dynamic = cloneAll(dynamic)
	if !s.durable {
		return
	}
	raw, err := encodeDynamic(dynamic)
	if err != nil {
		s.degrade("encode", err)
		return
	}
	ioCtx, cancel := s.ioContext(ctx)
	defer cancel()
	if err := s.slot.Set(ioCtx, repository.DynamicProductsKey, raw); err != nil {
		s.degrade("write", err)
	}
}

func (s *Store) degrade(op string, err error) {
	if !s.durable {
		return
	}
	s.durable = false
	s.log.WithError(err).Warnf("dynamic products slot %s failed, continuing without persistence", op)
}

func (s *Store) ioContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
}

func (s *Store) emit(ctx context.Context, kind events.Kind, payload interface{}) {
	e := events.Event{Kind: kind, Key: repository.DynamicProductsKey, At: time.Now(), Payload: payload}
	s.hub.Publish(ctx, e)
	s.pub.Publish(ctx, e)
}

func cloneAll(in []model.Product) []model.Product {
	out := make([]model.Product, len(in))
	for i, p := range in {
		out[i] = p.Clone()
	}
	return out
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}
