package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/fjod/go_cart/storefront/domain"
	"github.com/redis/go-redis/v9"
)

// defaultTTL bounds how long a product read racing a checkout's invalidation can
// keep serving the pre-checkout stock
const defaultTTL = time.Minute

func NewRedisCache(client *redis.Client, baseTTL time.Duration) *RedisCache {
	if baseTTL <= 0 {
		baseTTL = defaultTTL
	}
	return &RedisCache{
		client:  client,
		baseTTL: baseTTL,
	}
}

type RedisCache struct {
	client  *redis.Client
	baseTTL time.Duration
}

var _ ProductCache = (*RedisCache)(nil)

func (r *RedisCache) Get(ctx context.Context, productID string) (*domain.Product, error) {
	data, err := r.client.Get(ctx, cacheKey(productID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var product domain.Product
	if err2 := json.Unmarshal(data, &product); err2 != nil {
		return nil, fmt.Errorf("unmarshal product failed: %w", err2)
	}

	return &product, nil
}

// Set stores the product for baseTTL plus up to a fifth of it again, so entries
// written together do not expire together.
func (r *RedisCache) Set(ctx context.Context, product *domain.Product) error {
	data, err := json.Marshal(product)
	if err != nil {
		return fmt.Errorf("marshal product failed: %w", err)
	}

	jitter := time.Duration(rand.Int63n(int64(r.baseTTL)/5 + 1))
	if err := r.client.Set(ctx, cacheKey(product.ID), data, r.baseTTL+jitter).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, productIDs ...string) error {
	if len(productIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(productIDs))
	for _, id := range productIDs {
		keys = append(keys, cacheKey(id))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func cacheKey(productID string) string {
	return fmt.Sprintf("product:%s", productID)
}
