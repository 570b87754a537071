package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	cacheKeyPrefix  = "catalog:v1:"
	defaultCacheTTL = time.Minute
)

type cachedItem struct {
	Found  bool  `json:"found"`
	Price  int64 `json:"price"`
	Active bool  `json:"active"`
}

// RedisCache is a read-through cache in front of another catalog. Redis
// failures degrade to the source catalog.
type RedisCache struct {
	client redis.Cmdable
	source ledger.Catalog
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisCache wraps source with a redis cache.
func NewRedisCache(client redis.Cmdable, source ledger.Catalog, ttl time.Duration, logger *zap.Logger) (*RedisCache, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if source == nil {
		return nil, errors.New("source catalog is required")
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisCache{client: client, source: source, ttl: ttl, logger: logger}, nil
}

// CacheKey formats the redis key for a sku.
func CacheKey(sku ledger.SKU) string {
	return cacheKeyPrefix + sku.String()
}

func (cache *RedisCache) LookupItem(ctx context.Context, sku ledger.SKU) (ledger.CatalogItem, bool, error) {
	key := CacheKey(sku)
	data, err := cache.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached cachedItem
		if decodeErr := json.Unmarshal(data, &cached); decodeErr == nil {
			return ledger.CatalogItem{SKU: sku, Price: ledger.Amount(cached.Price), Active: cached.Active}, cached.Found, nil
		}
		cache.logger.Warn("catalog cache entry unreadable", zap.String("sku", sku.String()))
	case errors.Is(err, redis.Nil):
	default:
		cache.logger.Warn("catalog cache get failed", zap.String("sku", sku.String()), zap.Error(err))
	}

	item, found, err := cache.source.LookupItem(ctx, sku)
	if err != nil {
		return ledger.CatalogItem{}, false, err
	}
	payload, err := json.Marshal(cachedItem{Found: found, Price: item.Price.Int64(), Active: item.Active})
	if err != nil {
		return item, found, nil
	}
	if err := cache.client.Set(ctx, key, payload, cache.ttl).Err(); err != nil {
		cache.logger.Warn("catalog cache set failed", zap.String("sku", sku.String()), zap.Error(err))
	}
	return item, found, nil
}

// Invalidate drops a cached sku.
func (cache *RedisCache) Invalidate(ctx context.Context, sku ledger.SKU) error {
	if err := cache.client.Del(ctx, CacheKey(sku)).Err(); err != nil {
		return fmt.Errorf("catalog cache invalidate: %w", err)
	}
	return nil
}
