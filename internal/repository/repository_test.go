package repository

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fjod/go_cart/storefront/domain"
	"github.com/fjod/go_cart/storefront/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

type repoFactory func(t *testing.T) *Repository

func setupSQLite(t *testing.T) *Repository {
	creds := &Credentials{
		Dialect:           DialectSQLite,
		Path:              filepath.Join(t.TempDir(), "storefront.db"),
		MigrationsDirPath: "./migrations",
	}

	repo, err := NewRepository(creds)
	require.NoError(t, err)
	require.NoError(t, repo.RunMigrations(creds))

	t.Cleanup(func() { repo.Close() })
	return repo
}

func setupPostgres(t *testing.T) *Repository {
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)

	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	creds := &Credentials{
		Dialect:           DialectPostgres,
		Host:              host,
		Port:              port.Int(),
		User:              "testuser",
		Password:          "testpass",
		DBName:            "testdb",
		MigrationsDirPath: "./migrations",
	}

	repo, err := NewRepository(creds)
	require.NoError(t, err)
	require.NoError(t, repo.RunMigrations(creds))

	t.Cleanup(func() {
		repo.Close()
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})
	return repo
}

func TestRepository_SQLite(t *testing.T) {
	runRepositorySuite(t, setupSQLite)
}

func TestRepository_Postgres(t *testing.T) {
	runRepositorySuite(t, setupPostgres)
}

func runRepositorySuite(t *testing.T, setup repoFactory) {
	t.Run("upsert and get product", func(t *testing.T) { testUpsertAndGetProduct(t, setup(t)) })
	t.Run("get products skips missing", func(t *testing.T) { testGetProducts(t, setup(t)) })
	t.Run("decrement if available", func(t *testing.T) { testDecrementIfAvailable(t, setup(t)) })
	t.Run("rollback on error", func(t *testing.T) { testWithinTxRollback(t, setup(t)) })
	t.Run("concurrent decrement never oversells", func(t *testing.T) { testConcurrentDecrement(t, setup(t)) })
	t.Run("duplicate idempotency key", func(t *testing.T) { testDuplicateIdempotencyKey(t, setup(t)) })
	t.Run("order read back", func(t *testing.T) { testOrderReadBack(t, setup(t)) })
	t.Run("update order status", func(t *testing.T) { testUpdateOrderStatus(t, setup(t)) })
	t.Run("list products", func(t *testing.T) { testListProducts(t, setup(t)) })
	t.Run("search matches wildcards literally", func(t *testing.T) { testSearchEscapesWildcards(t, setup(t)) })
	t.Run("delete product", func(t *testing.T) { testDeleteProduct(t, setup(t)) })
	t.Run("list orders", func(t *testing.T) { testListOrders(t, setup(t)) })
	t.Run("outbox", func(t *testing.T) { testOutbox(t, setup(t)) })
	t.Run("stats", func(t *testing.T) { testStats(t, setup(t)) })
}

func newTestProduct(id string, price string, stock int) *domain.Product {
	return &domain.Product{
		ID:       id,
		Name:     "Product " + id,
		Price:    decimal.RequireFromString(price),
		Category: "general",
		Stock:    stock,
		Tags:     []string{"tag"},
	}
}

func newTestOrder(userID, key string) *domain.Order {
	items := []domain.OrderItem{
		{ProductID: "p1", Name: "Laptop", Quantity: 2, UnitPrice: decimal.RequireFromString("999.99")},
	}
	return &domain.Order{
		UserID:         userID,
		IdempotencyKey: key,
		Items:          items,
		Total:          domain.ComputeTotal(items),
		Currency:       domain.DefaultCurrency,
		Status:         domain.OrderStatusPending,
	}
}

func testUpsertAndGetProduct(t *testing.T, repo *Repository) {
	ctx := context.Background()

	p := newTestProduct("p1", "1299.99", 10)
	require.NoError(t, repo.UpsertProduct(ctx, p))
	created := p.CreatedAt

	fetched, err := repo.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Product p1", fetched.Name)
	assert.True(t, decimal.RequireFromString("1299.99").Equal(fetched.Price))
	assert.Equal(t, 10, fetched.Stock)
	assert.Equal(t, []string{"tag"}, fetched.Tags)

	p.Stock = 3
	require.NoError(t, repo.UpsertProduct(ctx, p))
	assert.True(t, created.Equal(p.CreatedAt))

	fetched, err = repo.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, fetched.Stock)

	_, err = repo.GetProduct(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrProductNotFound)
}

func testGetProducts(t *testing.T, repo *Repository) {
	ctx := context.Background()
	require.NoError(t, repo.UpsertProduct(ctx, newTestProduct("p1", "1", 1)))
	require.NoError(t, repo.UpsertProduct(ctx, newTestProduct("p2", "2", 2)))

	products, err := repo.GetProducts(ctx, []string{"p1", "p2", "p3", "p1"})
	require.NoError(t, err)
	assert.Len(t, products, 2)
}

func testDecrementIfAvailable(t *testing.T, repo *Repository) {
	ctx := context.Background()
	require.NoError(t, repo.UpsertProduct(ctx, newTestProduct("p1", "5.00", 5)))

	p, err := repo.DecrementIfAvailable(ctx, "p1", 3)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 2, p.Stock)

	p, err = repo.DecrementIfAvailable(ctx, "p1", 3)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = repo.DecrementIfAvailable(ctx, "missing", 1)
	require.NoError(t, err)
	assert.Nil(t, p)

	for _, amount := range []int{0, -3, math.MinInt} {
		p, err = repo.DecrementIfAvailable(ctx, "p1", amount)
		assert.ErrorIs(t, err, store.ErrInvalidAmount)
		assert.Nil(t, p)
	}

	fetched, err := repo.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, fetched.Stock)
}

func testWithinTxRollback(t *testing.T, repo *Repository) {
	ctx := context.Background()
	require.NoError(t, repo.UpsertProduct(ctx, newTestProduct("p1", "5.00", 5)))

	boom := errors.New("boom")
	err := repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.DecrementIfAvailable(ctx, "p1", 5)
		if err != nil {
			return err
		}
		if p == nil {
			return errors.New("expected decrement to succeed")
		}
		if err := tx.CreateOrder(ctx, newTestOrder("u1", "")); err != nil {
			return err
		}
		if err := tx.AddOutboxEvent(ctx, &domain.OutboxEvent{AggregateID: "o", EventType: "t", Payload: []byte(`{}`)}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	fetched, err := repo.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 5, fetched.Stock)

	orders, err := repo.ListOrdersByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, orders)

	events, err := repo.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func testConcurrentDecrement(t *testing.T, repo *Repository) {
	ctx := context.Background()
	require.NoError(t, repo.UpsertProduct(ctx, newTestProduct("p1", "1.00", 5)))

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
				p, err := tx.DecrementIfAvailable(ctx, "p1", 1)
				if err != nil {
					return err
				}
				if p != nil {
					succeeded.Add(1)
				}
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), succeeded.Load())
	fetched, err := repo.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, fetched.Stock)
}

func testDuplicateIdempotencyKey(t *testing.T, repo *Repository) {
	ctx := context.Background()

	require.NoError(t, repo.CreateOrder(ctx, newTestOrder("u1", "key-1")))
	err := repo.CreateOrder(ctx, newTestOrder("u1", "key-1"))
	assert.ErrorIs(t, err, store.ErrDuplicateOrder)

	// keys are scoped per user, and orders without a key never collide
	require.NoError(t, repo.CreateOrder(ctx, newTestOrder("u2", "key-1")))
	require.NoError(t, repo.CreateOrder(ctx, newTestOrder("u1", "")))
	require.NoError(t, repo.CreateOrder(ctx, newTestOrder("u1", "")))

	existing, err := repo.GetOrderByIdempotencyKey(ctx, "u1", "key-1")
	require.NoError(t, err)
	assert.Equal(t, "key-1", existing.IdempotencyKey)

	_, err = repo.GetOrderByIdempotencyKey(ctx, "u1", "other")
	assert.ErrorIs(t, err, store.ErrOrderNotFound)
}

func testOrderReadBack(t *testing.T, repo *Repository) {
	ctx := context.Background()
	order := newTestOrder("u1", "")
	require.NoError(t, repo.CreateOrder(ctx, order))

	fetched, err := repo.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.UserID, fetched.UserID)
	assert.Equal(t, domain.OrderStatusPending, fetched.Status)
	assert.True(t, decimal.RequireFromString("1999.98").Equal(fetched.Total), "got %s", fetched.Total)
	require.Len(t, fetched.Items, 1)
	assert.True(t, decimal.RequireFromString("999.99").Equal(fetched.Items[0].UnitPrice))
	assert.True(t, fetched.Total.Equal(domain.ComputeTotal(fetched.Items)))

	_, err = repo.GetOrderByID(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, store.ErrOrderNotFound)
}

func testUpdateOrderStatus(t *testing.T, repo *Repository) {
	ctx := context.Background()
	order := newTestOrder("u1", "")
	require.NoError(t, repo.CreateOrder(ctx, order))

	tracking := "TRACK-42"
	updated, err := repo.UpdateOrderStatus(ctx, order.ID, domain.StatusUpdate{
		Status:         domain.OrderStatusProcessing,
		TrackingNumber: &tracking,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusProcessing, updated.Status)
	assert.Equal(t, "TRACK-42", updated.TrackingNumber)

	// tracking number survives a status-only update
	updated, err = repo.UpdateOrderStatus(ctx, order.ID, domain.StatusUpdate{Status: domain.OrderStatusShipped})
	require.NoError(t, err)
	assert.Equal(t, "TRACK-42", updated.TrackingNumber)
	assert.True(t, order.Total.Equal(updated.Total))

	_, err = repo.UpdateOrderStatus(ctx, order.ID, domain.StatusUpdate{Status: domain.OrderStatusCancelled})
	assert.ErrorIs(t, err, store.ErrIllegalTransition)

	_, err = repo.UpdateOrderStatus(ctx, "00000000-0000-0000-0000-000000000000", domain.StatusUpdate{Status: domain.OrderStatusShipped})
	assert.ErrorIs(t, err, store.ErrOrderNotFound)
}

func testListProducts(t *testing.T, repo *Repository) {
	ctx := context.Background()
	featured := true

	laptop := newTestProduct("a", "1200.00", 1)
	laptop.Name, laptop.Category, laptop.Featured = "Laptop", "electronics", true
	mouse := newTestProduct("b", "20.00", 1)
	mouse.Name, mouse.Category = "Mouse", "electronics"
	mug := newTestProduct("c", "8.00", 1)
	mug.Name, mug.Category = "Mug", "kitchen"
	for _, p := range []*domain.Product{laptop, mouse, mug} {
		require.NoError(t, repo.UpsertProduct(ctx, p))
	}

	page, err := repo.ListProducts(ctx, domain.ProductFilter{Category: "electronics", Sort: domain.SortPriceLow})
	require.NoError(t, err)
	require.Len(t, page.Products, 2)
	assert.Equal(t, "b", page.Products[0].ID)
	assert.Equal(t, 2, page.Total)

	page, err = repo.ListProducts(ctx, domain.ProductFilter{Featured: &featured})
	require.NoError(t, err)
	require.Len(t, page.Products, 1)
	assert.Equal(t, "a", page.Products[0].ID)

	maxPrice := decimal.RequireFromString("10")
	page, err = repo.ListProducts(ctx, domain.ProductFilter{MaxPrice: &maxPrice})
	require.NoError(t, err)
	require.Len(t, page.Products, 1)
	assert.Equal(t, "c", page.Products[0].ID)

	page, err = repo.ListProducts(ctx, domain.ProductFilter{Search: "MOU"})
	require.NoError(t, err)
	require.Len(t, page.Products, 1)
	assert.Equal(t, "b", page.Products[0].ID)

	page, err = repo.ListProducts(ctx, domain.ProductFilter{Limit: 2, Page: 2, Sort: domain.SortNameAsc})
	require.NoError(t, err)
	require.Len(t, page.Products, 1)
	assert.Equal(t, "c", page.Products[0].ID)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.Pages)
}

func testSearchEscapesWildcards(t *testing.T, repo *Repository) {
	ctx := context.Background()

	sale := newTestProduct("a", "10.00", 1)
	sale.Name = "50% Off Mug"
	plain := newTestProduct("b", "10.00", 1)
	plain.Name = "Plain Mug"
	snake := newTestProduct("c", "10.00", 1)
	snake.Name = "snake_case Poster"
	for _, p := range []*domain.Product{sale, plain, snake} {
		require.NoError(t, repo.UpsertProduct(ctx, p))
	}

	page, err := repo.ListProducts(ctx, domain.ProductFilter{Search: "%"})
	require.NoError(t, err)
	require.Len(t, page.Products, 1)
	assert.Equal(t, "a", page.Products[0].ID)

	page, err = repo.ListProducts(ctx, domain.ProductFilter{Search: "_"})
	require.NoError(t, err)
	require.Len(t, page.Products, 1)
	assert.Equal(t, "c", page.Products[0].ID)

	page, err = repo.ListProducts(ctx, domain.ProductFilter{Search: `\`})
	require.NoError(t, err)
	assert.Empty(t, page.Products)
}

func testDeleteProduct(t *testing.T, repo *Repository) {
	ctx := context.Background()
	require.NoError(t, repo.UpsertProduct(ctx, newTestProduct("p1", "5.00", 5)))
	order := newTestOrder("u1", "")
	require.NoError(t, repo.CreateOrder(ctx, order))

	require.NoError(t, repo.DeleteProduct(ctx, "p1"))

	_, err := repo.GetProduct(ctx, "p1")
	assert.ErrorIs(t, err, store.ErrProductNotFound)
	assert.ErrorIs(t, repo.DeleteProduct(ctx, "p1"), store.ErrProductNotFound)

	// orders keep their item snapshots
	fetched, err := repo.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, fetched.Items, 1)
	assert.Equal(t, "Laptop", fetched.Items[0].Name)
	assert.True(t, decimal.RequireFromString("999.99").Equal(fetched.Items[0].UnitPrice))
}

func testListOrders(t *testing.T, repo *Repository) {
	ctx := context.Background()
	base := now().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		o := newTestOrder("u1", "")
		o.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.CreateOrder(ctx, o))
	}
	other := newTestOrder("u2", "")
	other.CreatedAt = base.Add(10 * time.Minute)
	require.NoError(t, repo.CreateOrder(ctx, other))
	_, err := repo.UpdateOrderStatus(ctx, other.ID, domain.StatusUpdate{Status: domain.OrderStatusCancelled})
	require.NoError(t, err)

	mine, err := repo.ListOrdersByUserID(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, mine, 3)
	assert.True(t, mine[0].CreatedAt.After(mine[1].CreatedAt))

	all, total, err := repo.ListOrders(ctx, domain.OrderFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, all, 2)
	assert.Equal(t, other.ID, all[0].ID)

	cancelled, total, err := repo.ListOrders(ctx, domain.OrderFilter{Status: domain.OrderStatusCancelled})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, cancelled, 1)
}

func testOutbox(t *testing.T, repo *Repository) {
	ctx := context.Background()

	first := &domain.OutboxEvent{AggregateID: "o1", EventType: domain.EventOrderPlaced, Payload: []byte(`{"id":"o1"}`)}
	second := &domain.OutboxEvent{AggregateID: "o2", EventType: domain.EventOrderPlaced, Payload: []byte(`{"id":"o2"}`)}
	require.NoError(t, repo.AddOutboxEvent(ctx, first))
	require.NoError(t, repo.AddOutboxEvent(ctx, second))
	assert.NotEmpty(t, first.ID)

	events, err := repo.GetUnprocessedEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "o1", events[0].AggregateID)
	assert.JSONEq(t, `{"id":"o1"}`, string(events[0].Payload))

	require.NoError(t, repo.MarkEventAsProcessed(ctx, events[0].ID))

	events, err = repo.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, second.ID, events[0].ID)

	assert.Error(t, repo.MarkEventAsProcessed(ctx, "not-a-number"))
}

func testStats(t *testing.T, repo *Repository) {
	ctx := context.Background()

	kept := newTestOrder("u1", "")
	require.NoError(t, repo.CreateOrder(ctx, kept))
	dropped := newTestOrder("u1", "")
	require.NoError(t, repo.CreateOrder(ctx, dropped))
	_, err := repo.UpdateOrderStatus(ctx, dropped.ID, domain.StatusUpdate{Status: domain.OrderStatusCancelled})
	require.NoError(t, err)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.OrderCount)
	assert.Equal(t, 1, stats.ByStatus[domain.OrderStatusCancelled])
	assert.True(t, kept.Total.Equal(stats.Revenue), "got %s", stats.Revenue)
}

func TestRebind(t *testing.T) {
	sqliteRepo := &Repository{dialect: DialectSQLite}
	pgRepo := &Repository{dialect: DialectPostgres}

	q := `UPDATE products SET stock = stock - $1 WHERE id = $12 AND stock >= $1`
	assert.Equal(t, `UPDATE products SET stock = stock - ?1 WHERE id = ?12 AND stock >= ?1`, sqliteRepo.rebind(q))
	assert.Equal(t, q, pgRepo.rebind(q))
}
