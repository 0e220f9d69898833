package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/storefront/domain"
	"github.com/fjod/go_cart/storefront/internal/cache"
	"github.com/fjod/go_cart/storefront/internal/logger"
	"github.com/fjod/go_cart/storefront/internal/store"
	"golang.org/x/sync/singleflight"
)

type CatalogService interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListProducts(ctx context.Context, filter domain.ProductFilter) (*domain.ProductPage, error)
	UpsertProduct(ctx context.Context, caller domain.Principal, product *domain.Product) error
	DeleteProduct(ctx context.Context, caller domain.Principal, id string) error
}

type CatalogServiceImpl struct {
	store store.Store
	cache cache.ProductCache
	group singleflight.Group
}

// NewCatalogService wires the catalog reads. productCache may be nil.
func NewCatalogService(s store.Store, productCache cache.ProductCache) *CatalogServiceImpl {
	return &CatalogServiceImpl{store: s, cache: productCache}
}

// GetProduct reads through the cache. Concurrent misses for one id share a
// single store lookup.
func (s *CatalogServiceImpl) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	if !domain.ValidProductID(id) {
		return nil, invalid("product_id", "invalid product id %q", id)
	}

	if s.cache != nil {
		product, err := s.cache.Get(ctx, id)
		if err == nil {
			return product, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			logger.Ctx(ctx).Warn().Err(err).Str("product_id", id).Msg("Product cache read failed")
		}
	}

	v, err, _ := s.group.Do(id, func() (any, error) {
		product, err := s.store.GetProduct(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			if err := s.cache.Set(ctx, product); err != nil {
				logger.Ctx(ctx).Warn().Err(err).Str("product_id", id).Msg("Product cache write failed")
			}
		}
		return product, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Product), nil
}

func (s *CatalogServiceImpl) ListProducts(ctx context.Context, filter domain.ProductFilter) (*domain.ProductPage, error) {
	if filter.MinPrice != nil && filter.MaxPrice != nil && filter.MinPrice.GreaterThan(*filter.MaxPrice) {
		return nil, invalid("min_price", "must not exceed max_price")
	}
	page, err := s.store.ListProducts(ctx, filter.Normalize())
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return page, nil
}

// UpsertProduct creates or replaces a product and drops its cached copy.
func (s *CatalogServiceImpl) UpsertProduct(ctx context.Context, caller domain.Principal, product *domain.Product) error {
	if !caller.IsAdmin() {
		return ErrForbidden
	}
	if product.ID != "" && !domain.ValidProductID(product.ID) {
		return invalid("product_id", "invalid product id %q", product.ID)
	}
	if err := product.Validate(); err != nil {
		return &ValidationError{Field: "product", Message: err.Error()}
	}
	if err := s.store.UpsertProduct(ctx, product); err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	s.evict(ctx, product.ID)
	return nil
}

// DeleteProduct removes a product from the catalog. Placed orders keep their
// item snapshots.
func (s *CatalogServiceImpl) DeleteProduct(ctx context.Context, caller domain.Principal, id string) error {
	if !caller.IsAdmin() {
		return ErrForbidden
	}
	if !domain.ValidProductID(id) {
		return invalid("product_id", "invalid product id %q", id)
	}
	if err := s.store.DeleteProduct(ctx, id); err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	s.evict(ctx, id)
	logger.Ctx(ctx).Info().Str("product_id", id).Str("admin", caller.UserID).Msg("Product deleted")
	return nil
}

func (s *CatalogServiceImpl) evict(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, id); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("product_id", id).Msg("Failed to invalidate product cache")
	}
}
