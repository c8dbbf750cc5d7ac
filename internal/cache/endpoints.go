// Package cache keeps short-lived snapshots of endpoint configuration so the
// hot path does not query PostgreSQL on every call.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/models"
	"github.com/dgraph-io/ristretto/v2"
)

// EndpointSource resolves endpoint configuration.
type EndpointSource interface {
	GetEndpoint(ctx context.Context, tenantID, endpointID string) (*models.EndpointConfig, error)
}

// EndpointCache is a read-through cache in front of an EndpointSource.
// Cached values are shared between requests and must not be mutated.
type EndpointCache struct {
	source EndpointSource
	cache  *ristretto.Cache[string, *models.EndpointConfig]
	ttl    time.Duration
}

// NewEndpointCache caches up to maxEntries snapshots for ttl. A zero ttl
// disables caching and every lookup goes to source.
func NewEndpointCache(source EndpointSource, ttl time.Duration, maxEntries int64) (*EndpointCache, error) {
	c := &EndpointCache{source: source, ttl: ttl}
	if ttl <= 0 {
		return c, nil
	}

	rc, err := ristretto.NewCache(&ristretto.Config[string, *models.EndpointConfig]{
		NumCounters:        maxEntries * 10,
		MaxCost:            maxEntries,
		BufferItems:        64,
		Metrics:            true,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create endpoint cache: %w", err)
	}
	c.cache = rc
	return c, nil
}

// cacheKey length-prefixes the tenant id so ids containing the separator
// cannot collide.
func cacheKey(tenantID, endpointID string) string {
	return strconv.Itoa(len(tenantID)) + ":" + tenantID + ":" + endpointID
}

// GetEndpoint serves from cache when possible. Absent endpoints are not
// cached, so a newly created endpoint is reachable immediately.
func (c *EndpointCache) GetEndpoint(ctx context.Context, tenantID, endpointID string) (*models.EndpointConfig, error) {
	if c.cache == nil {
		return c.source.GetEndpoint(ctx, tenantID, endpointID)
	}

	key := cacheKey(tenantID, endpointID)
	if endpoint, ok := c.cache.Get(key); ok {
		return endpoint, nil
	}

	endpoint, err := c.source.GetEndpoint(ctx, tenantID, endpointID)
	if err != nil {
		return nil, err
	}
	c.cache.SetWithTTL(key, endpoint, 1, c.ttl)
	return endpoint, nil
}

// Invalidate drops the snapshot for one endpoint.
func (c *EndpointCache) Invalidate(tenantID, endpointID string) {
	if c.cache == nil {
		return
	}
	c.cache.Del(cacheKey(tenantID, endpointID))
}

// Wait blocks until buffered writes are applied.
func (c *EndpointCache) Wait() {
	if c.cache != nil {
		c.cache.Wait()
	}
}

type Stats struct {
	Enabled bool    `json:"enabled"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Ratio   float64 `json:"hit_ratio"`
}

func (c *EndpointCache) Stats() Stats {
	if c.cache == nil {
		return Stats{}
	}
	return Stats{
		Enabled: true,
		Hits:    c.cache.Metrics.Hits(),
		Misses:  c.cache.Metrics.Misses(),
		Ratio:   c.cache.Metrics.Ratio(),
	}
}

func (c *EndpointCache) Close() {
	if c.cache != nil {
		c.cache.Close()
	}
}
