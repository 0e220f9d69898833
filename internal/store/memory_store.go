package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fjod/go_cart/storefront/domain"
	"github.com/google/uuid"
)

// MemoryStore implements Store with in-memory storage
type MemoryStore struct {
	mu       sync.RWMutex
	products map[string]*domain.Product // productID -> product
	orders   map[string]*domain.Order   // orderID -> order
	outbox   []*outboxRecord
	eventSeq int64
}

type outboxRecord struct {
	event     domain.OutboxEvent
	processed bool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[string]*domain.Product),
		orders:   make(map[string]*domain.Order),
	}
}

// WithinTx holds the write lock for the whole scope, so scopes are serializable.
// Every mutation made through the Tx registers an undo step that is replayed in
// reverse when fn fails, panics or the context expires before commit.
// fn must only use the Tx it is given; calling the store directly would deadlock.
func (s *MemoryStore) WithinTx(ctx context.Context, fn TxFunc) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{s: s}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
	}()

	if err = fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	if err = ctx.Err(); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type memoryTx struct {
	s    *MemoryStore
	undo []func()
}

func (tx *memoryTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memoryTx) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	return tx.s.getProduct(id)
}

func (tx *memoryTx) GetProducts(_ context.Context, ids []string) ([]*domain.Product, error) {
	return tx.s.getProducts(ids), nil
}

func (tx *memoryTx) DecrementIfAvailable(_ context.Context, id string, amount int) (*domain.Product, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	p, ok := tx.s.products[id]
	if !ok || p.Stock < amount {
		return nil, nil
	}
	prevStock, prevUpdated := p.Stock, p.UpdatedAt
	p.Stock -= amount
	p.UpdatedAt = time.Now().UTC()
	tx.undo = append(tx.undo, func() {
		p.Stock = prevStock
		p.UpdatedAt = prevUpdated
	})
	return cloneProduct(p), nil
}

func (tx *memoryTx) CreateOrder(_ context.Context, order *domain.Order) error {
	if err := tx.s.createOrder(order); err != nil {
		return err
	}
	id := order.ID
	tx.undo = append(tx.undo, func() { delete(tx.s.orders, id) })
	return nil
}

func (tx *memoryTx) GetOrderByID(_ context.Context, id string) (*domain.Order, error) {
	return tx.s.getOrder(id)
}

func (tx *memoryTx) ListOrdersByUserID(_ context.Context, userID string) ([]*domain.Order, error) {
	return tx.s.ordersByUser(userID), nil
}

func (tx *memoryTx) UpdateOrderStatus(_ context.Context, id string, update domain.StatusUpdate) (*domain.Order, error) {
	o, ok := tx.s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	prev := *o
	updated, err := tx.s.updateStatus(id, update)
	if err != nil {
		return nil, err
	}
	tx.undo = append(tx.undo, func() { *o = prev })
	return updated, nil
}

func (tx *memoryTx) AddOutboxEvent(_ context.Context, event *domain.OutboxEvent) error {
	tx.s.addOutboxEvent(event)
	n := len(tx.s.outbox)
	tx.undo = append(tx.undo, func() { tx.s.outbox = tx.s.outbox[:n-1] })
	return nil
}

// GetProduct returns a copy of the product with the given id
func (s *MemoryStore) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProduct(id)
}

// GetProducts returns copies of the existing products among ids
func (s *MemoryStore) GetProducts(_ context.Context, ids []string) ([]*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProducts(ids), nil
}

// DecrementIfAvailable outside a scope is a single-step transaction
func (s *MemoryStore) DecrementIfAvailable(ctx context.Context, id string, amount int) (*domain.Product, error) {
	var out *domain.Product
	err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.DecrementIfAvailable(ctx, id, amount)
		out = p
		return err
	})
	return out, err
}

func (s *MemoryStore) CreateOrder(_ context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createOrder(order)
}

func (s *MemoryStore) GetOrderByID(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getOrder(id)
}

func (s *MemoryStore) ListOrdersByUserID(_ context.Context, userID string) ([]*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ordersByUser(userID), nil
}

func (s *MemoryStore) UpdateOrderStatus(_ context.Context, id string, update domain.StatusUpdate) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateStatus(id, update)
}

func (s *MemoryStore) AddOutboxEvent(_ context.Context, event *domain.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addOutboxEvent(event)
	return nil
}

func (s *MemoryStore) GetUnprocessedEvents(_ context.Context, limit int) ([]*domain.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make([]*domain.OutboxEvent, 0)
	for _, rec := range s.outbox {
		if len(events) >= limit {
			break
		}
		if !rec.processed {
			ev := rec.event
			events = append(events, &ev)
		}
	}
	return events, nil
}

func (s *MemoryStore) MarkEventAsProcessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.outbox {
		if rec.event.ID == id {
			rec.processed = true
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) ListProducts(_ context.Context, filter domain.ProductFilter) (*domain.ProductPage, error) {
	f := filter.Normalize()

	s.mu.RLock()
	matched := make([]*domain.Product, 0)
	for _, p := range s.products {
		if matchesFilter(p, f) {
			matched = append(matched, cloneProduct(p))
		}
	}
	s.mu.RUnlock()

	sortProducts(matched, f.Sort)

	total := len(matched)
	start := min(f.Offset(), total)
	end := min(start+f.Limit, total)
	return domain.NewProductPage(matched[start:end], total, f), nil
}

func (s *MemoryStore) UpsertProduct(_ context.Context, product *domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if product.ID == "" {
		product.ID = uuid.New().String()
	}
	if existing, ok := s.products[product.ID]; ok {
		product.CreatedAt = existing.CreatedAt
	} else if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	s.products[product.ID] = cloneProduct(product)
	return nil
}

func (s *MemoryStore) DeleteProduct(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; !ok {
		return ErrProductNotFound
	}
	delete(s.products, id)
	return nil
}

func (s *MemoryStore) ListOrders(_ context.Context, filter domain.OrderFilter) ([]*domain.Order, int, error) {
	f := filter.Normalize()

	s.mu.RLock()
	matched := make([]*domain.Order, 0)
	for _, o := range s.orders {
		if f.Status == "" || o.Status == f.Status {
			matched = append(matched, cloneOrder(o))
		}
	}
	s.mu.RUnlock()

	sortOrdersNewestFirst(matched)

	total := len(matched)
	start := min(f.Offset(), total)
	end := min(start+f.Limit, total)
	return matched[start:end], total, nil
}

func (s *MemoryStore) GetOrderByIdempotencyKey(_ context.Context, userID, key string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.orders {
		if key != "" && o.UserID == userID && o.IdempotencyKey == key {
			return cloneOrder(o), nil
		}
	}
	return nil, ErrOrderNotFound
}

func (s *MemoryStore) Stats(_ context.Context) (*domain.OrderStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &domain.OrderStats{ByStatus: make(map[domain.OrderStatus]int)}
	for _, o := range s.orders {
		stats.AddOrder(o.Status, o.Total)
	}
	return stats, nil
}

// Close is a no-op; there are no background processes
func (s *MemoryStore) Close() error {
	return nil
}

// helpers below expect s.mu to be held

func (s *MemoryStore) getProduct(id string) (*domain.Product, error) {
	p, ok := s.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	return cloneProduct(p), nil
}

func (s *MemoryStore) getProducts(ids []string) []*domain.Product {
	result := make([]*domain.Product, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if p, ok := s.products[id]; ok {
			result = append(result, cloneProduct(p))
		}
	}
	return result
}

func (s *MemoryStore) createOrder(order *domain.Order) error {
	if order.IdempotencyKey != "" {
		for _, o := range s.orders {
			if o.UserID == order.UserID && o.IdempotencyKey == order.IdempotencyKey {
				return ErrDuplicateOrder
			}
		}
	}
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = order.CreatedAt
	s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (s *MemoryStore) getOrder(id string) (*domain.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (s *MemoryStore) ordersByUser(userID string) []*domain.Order {
	orders := make([]*domain.Order, 0)
	for _, o := range s.orders {
		if o.UserID == userID {
			orders = append(orders, cloneOrder(o))
		}
	}
	sortOrdersNewestFirst(orders)
	return orders
}

func (s *MemoryStore) updateStatus(id string, update domain.StatusUpdate) (*domain.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if !o.Status.CanTransitionTo(update.Status) {
		return nil, ErrIllegalTransition
	}
	o.Status = update.Status
	if update.TrackingNumber != nil {
		o.TrackingNumber = *update.TrackingNumber
	}
	o.UpdatedAt = time.Now().UTC()
	return cloneOrder(o), nil
}

func (s *MemoryStore) addOutboxEvent(event *domain.OutboxEvent) {
	s.eventSeq++
	event.ID = strconv.FormatInt(s.eventSeq, 10)
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	s.outbox = append(s.outbox, &outboxRecord{event: *event})
}

func matchesFilter(p *domain.Product, f domain.ProductFilter) bool {
	if f.Category != "" && p.Category != f.Category {
		return false
	}
	if f.Featured != nil && p.Featured != *f.Featured {
		return false
	}
	if f.MinPrice != nil && p.Price.LessThan(*f.MinPrice) {
		return false
	}
	if f.MaxPrice != nil && p.Price.GreaterThan(*f.MaxPrice) {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(p.Name), q) &&
			!strings.Contains(strings.ToLower(p.Description), q) &&
			!strings.Contains(strings.ToLower(p.Category), q) {
			return false
		}
	}
	return true
}

func sortProducts(products []*domain.Product, by domain.ProductSort) {
	less := func(a, b *domain.Product) bool { return a.CreatedAt.After(b.CreatedAt) }
	switch by {
	case domain.SortOldest:
		less = func(a, b *domain.Product) bool { return a.CreatedAt.Before(b.CreatedAt) }
	case domain.SortPriceLow:
		less = func(a, b *domain.Product) bool { return a.Price.LessThan(b.Price) }
	case domain.SortPriceHigh:
		less = func(a, b *domain.Product) bool { return a.Price.GreaterThan(b.Price) }
	case domain.SortNameAsc:
		less = func(a, b *domain.Product) bool { return a.Name < b.Name }
	case domain.SortNameDesc:
		less = func(a, b *domain.Product) bool { return a.Name > b.Name }
	case domain.SortFeatured:
		less = func(a, b *domain.Product) bool {
			if a.Featured != b.Featured {
				return a.Featured
			}
			return a.CreatedAt.After(b.CreatedAt)
		}
	}
	sort.SliceStable(products, func(i, j int) bool { return less(products[i], products[j]) })
}

func sortOrdersNewestFirst(orders []*domain.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
}

func cloneProduct(p *domain.Product) *domain.Product {
	c := *p
	if p.Tags != nil {
		c.Tags = append([]string(nil), p.Tags...)
	}
	return &c
}

func cloneOrder(o *domain.Order) *domain.Order {
	c := *o
	c.Items = append([]domain.OrderItem(nil), o.Items...)
	return &c
}
