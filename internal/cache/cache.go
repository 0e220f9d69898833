package cache

import (
	"context"
	"errors"

	"github.com/fjod/go_cart/storefront/domain"
)

// ProductCache holds read-mostly product records. Stock in a cached product may be
// stale; the checkout never prices or reserves from it.
type ProductCache interface {
	Get(ctx context.Context, productID string) (*domain.Product, error)
	Set(ctx context.Context, product *domain.Product) error
	Delete(ctx context.Context, productIDs ...string) error
}

var ErrCacheMiss = errors.New("cache miss")
