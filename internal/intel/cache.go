package intel

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL is the primary cache entry lifetime.
const DefaultCacheTTL = time.Hour

// Cache is the redis-backed query cache. Beside the TTL'd primary key it
// maintains a durable archive key per query used for offline fallback.
type Cache struct {
	rdb       redis.UniversalClient
	ttl       time.Duration
	keyPrefix string
	log       *slog.Logger
}

// cacheEntry is the stored wrapper. Legacy entries were a bare list of
// results; Get accepts both shapes.
type cacheEntry struct {
	Results  []*Result `json:"results"`
	CachedAt string    `json:"cached_at"`
}

// NewCache builds a cache over an existing redis client.
func NewCache(rdb redis.UniversalClient, ttl time.Duration, keyPrefix string) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if keyPrefix == "" {
		keyPrefix = "intel:"
	}
	return &Cache{
		rdb:       rdb,
		ttl:       ttl,
		keyPrefix: keyPrefix,
		log:       slog.Default().With("component", "intelcache"),
	}
}

func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "_")
	return strings.ReplaceAll(s, ":", "_")
}

func (c *Cache) key(service, version string) string {
	if version == "" {
		version = "unknown"
	}
	return c.keyPrefix + normalize(service) + ":" + normalize(version)
}

func (c *Cache) archiveKey(service, version string) string {
	if version == "" {
		version = "unknown"
	}
	return c.keyPrefix + "archive:" + normalize(service) + ":" + normalize(version)
}

// Get returns fresh cached results, or (nil, "") on miss. Corrupted entries
// are deleted and reported as a miss; errors never propagate.
func (c *Cache) Get(ctx context.Context, service, version string) ([]*Result, string) {
	return c.get(ctx, c.key(service, version))
}

// GetArchive returns the durable archive entry regardless of age.
func (c *Cache) GetArchive(ctx context.Context, service, version string) ([]*Result, string) {
	return c.get(ctx, c.archiveKey(service, version))
}

func (c *Cache) get(ctx context.Context, key string) ([]*Result, string) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ""
	}
	if err != nil {
		c.log.Warn("cache get failed", "key", key, "error", err)
		return nil, ""
	}

	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err == nil && entry.Results != nil {
		return entry.Results, entry.CachedAt
	}

	// Legacy shape: a bare list of results.
	var legacy []*Result
	if err := json.Unmarshal(data, &legacy); err == nil {
		return legacy, ""
	}

	c.log.Warn("deleting corrupted cache entry", "key", key)
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		c.log.Warn("cache delete failed", "key", key, "error", err)
	}
	return nil, ""
}

// Set writes the TTL'd primary entry and the durable archive entry.
func (c *Cache) Set(ctx context.Context, service, version string, results []*Result) bool {
	entry := cacheEntry{
		Results:  results,
		CachedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if entry.Results == nil {
		entry.Results = []*Result{}
	}
	data, err := json.Marshal(entry)
	if err != nil {
		c.log.Warn("cache marshal failed", "error", err)
		return false
	}

	key := c.key(service, version)
	if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.log.Warn("cache set failed", "key", key, "error", err)
		return false
	}
	if err := c.rdb.Set(ctx, c.archiveKey(service, version), data, 0).Err(); err != nil {
		c.log.Warn("archive set failed", "key", key, "error", err)
	}
	return true
}

// Invalidate removes the primary entry for a query.
func (c *Cache) Invalidate(ctx context.Context, service, version string) {
	if err := c.rdb.Del(ctx, c.key(service, version)).Err(); err != nil {
		c.log.Warn("cache invalidate failed", "error", err)
	}
}
