package service

import (
	"context"
	"sync"

	"github.com/fjod/go_cart/storefront/domain"
	"github.com/fjod/go_cart/storefront/internal/cache"
	"github.com/fjod/go_cart/storefront/internal/store"
)

// FaultyStore wraps a MemoryStore and injects failures into the transactional scope.
type FaultyStore struct {
	*store.MemoryStore
	CreateOrderErr error
	OutboxErr      error
	CommitErr      error // returned after fn succeeded; the scope is rolled back
	GetByKeyErr    error
}

func NewFaultyStore() *FaultyStore {
	return &FaultyStore{MemoryStore: store.NewMemoryStore()}
}

func (f *FaultyStore) WithinTx(ctx context.Context, fn store.TxFunc) error {
	return f.MemoryStore.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := fn(ctx, &faultyTx{Tx: tx, store: f}); err != nil {
			return err
		}
		return f.CommitErr
	})
}

func (f *FaultyStore) GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Order, error) {
	if f.GetByKeyErr != nil {
		return nil, f.GetByKeyErr
	}
	return f.MemoryStore.GetOrderByIdempotencyKey(ctx, userID, key)
}

type faultyTx struct {
	store.Tx
	store *FaultyStore
}

func (t *faultyTx) CreateOrder(ctx context.Context, order *domain.Order) error {
	if t.store.CreateOrderErr != nil {
		return t.store.CreateOrderErr
	}
	return t.Tx.CreateOrder(ctx, order)
}

func (t *faultyTx) AddOutboxEvent(ctx context.Context, event *domain.OutboxEvent) error {
	if t.store.OutboxErr != nil {
		return t.store.OutboxErr
	}
	return t.Tx.AddOutboxEvent(ctx, event)
}

// MockProductCache implements cache.ProductCache for testing
type MockProductCache struct {
	mu       sync.Mutex
	Products map[string]*domain.Product
	GetErr   error
	Deleted  []string
	Sets     int
}

func NewMockProductCache() *MockProductCache {
	return &MockProductCache{Products: make(map[string]*domain.Product)}
}

func (m *MockProductCache) Get(_ context.Context, productID string) (*domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	p, ok := m.Products[productID]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return p, nil
}

func (m *MockProductCache) Set(_ context.Context, product *domain.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Products[product.ID] = product
	m.Sets++
	return nil
}

func (m *MockProductCache) Delete(_ context.Context, productIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range productIDs {
		delete(m.Products, id)
	}
	m.Deleted = append(m.Deleted, productIDs...)
	return nil
}

// CountingStore counts product lookups that reach the store.
type CountingStore struct {
	*store.MemoryStore
	mu      sync.Mutex
	Lookups int
	release chan struct{}
}

func (c *CountingStore) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	c.mu.Lock()
	c.Lookups++
	c.mu.Unlock()
	if c.release != nil {
		<-c.release
	}
	return c.MemoryStore.GetProduct(ctx, id)
}
