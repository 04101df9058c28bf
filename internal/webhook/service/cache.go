package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/smallbiznis/creditledger/internal/webhook/domain"
)

const (
	defaultCacheSize = 10_000
	defaultCacheTTL  = 24 * time.Hour
)

// processedCache remembers external ids that reached applied or skipped so
// provider retries are answered without a database round trip.
type processedCache struct {
	lru *expirable.LRU[string, domain.Status]
}

func newProcessedCache(size int, ttl time.Duration) *processedCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &processedCache{lru: expirable.NewLRU[string, domain.Status](size, nil, ttl)}
}

func cacheKey(provider, externalID string) string {
	return provider + ":" + externalID
}

func (c *processedCache) get(provider, externalID string) (domain.Status, bool) {
	return c.lru.Get(cacheKey(provider, externalID))
}

func (c *processedCache) remember(provider, externalID string, status domain.Status) {
	if status != domain.StatusApplied && status != domain.StatusSkipped {
		return
	}
	c.lru.Add(cacheKey(provider, externalID), status)
}
