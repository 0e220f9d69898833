package store

import (
	"context"
	"errors"

	"github.com/fjod/go_cart/storefront/domain"
)

// Common errors returned by every store implementation
var (
	ErrProductNotFound   = errors.New("product not found")
	ErrOrderNotFound     = errors.New("order not found")
	ErrDuplicateOrder    = errors.New("order with this idempotency key already exists")
	ErrIllegalTransition = errors.New("illegal order status transition")
	ErrInvalidAmount     = errors.New("stock amount must be positive")
)

// ProductStore is the product side of a checkout.
type ProductStore interface {
	// GetProduct returns ErrProductNotFound for unknown ids
	GetProduct(ctx context.Context, id string) (*domain.Product, error)

	// GetProducts returns the products that exist among ids, in no particular order
	GetProducts(ctx context.Context, ids []string) ([]*domain.Product, error)

	// DecrementIfAvailable atomically subtracts amount from the product stock when
	// stock >= amount and returns the updated product. It returns (nil, nil) when the
	// product is missing or has insufficient stock. Two concurrent calls racing for the
	// last unit never both succeed. A non-positive amount returns ErrInvalidAmount.
	DecrementIfAvailable(ctx context.Context, id string, amount int) (*domain.Product, error)
}

// OrderStore persists orders. Items and total are immutable once created.
type OrderStore interface {
	// CreateOrder returns ErrDuplicateOrder when (user, idempotency key) is taken
	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrderByID(ctx context.Context, id string) (*domain.Order, error)
	// ListOrdersByUserID returns newest first
	ListOrdersByUserID(ctx context.Context, userID string) ([]*domain.Order, error)
	// UpdateOrderStatus changes status/tracking only, rejecting illegal transitions
	UpdateOrderStatus(ctx context.Context, id string, update domain.StatusUpdate) (*domain.Order, error)
}

type OutboxWriter interface {
	AddOutboxEvent(ctx context.Context, event *domain.OutboxEvent) error
}

type OutboxReader interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*domain.OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id string) error
}

// Tx is the view of the store inside a transactional scope.
type Tx interface {
	ProductStore
	OrderStore
	OutboxWriter
}

// TxFunc runs inside a transactional scope. Returning an error rolls the scope back.
// Implementations may call it more than once when the backend retries transient
// conflicts, so it must not leak state between attempts.
type TxFunc func(ctx context.Context, tx Tx) error

type Store interface {
	Tx
	OutboxReader

	// WithinTx runs fn in a single all-or-nothing unit of work. Commit failures and
	// context deadlines are returned as errors and leave no partial effects.
	WithinTx(ctx context.Context, fn TxFunc) error

	ListProducts(ctx context.Context, filter domain.ProductFilter) (*domain.ProductPage, error)
	// UpsertProduct inserts when ID is empty or unknown, replaces otherwise
	UpsertProduct(ctx context.Context, product *domain.Product) error
	// DeleteProduct returns ErrProductNotFound for unknown ids. Orders keep their
	// item snapshots.
	DeleteProduct(ctx context.Context, id string) error

	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]*domain.Order, int, error)
	GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Order, error)
	Stats(ctx context.Context) (*domain.OrderStats, error)

	Close() error
}
