package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang/groupcache"

	"github.com/project-kessel/dirfed/internal/clock"
	"github.com/project-kessel/dirfed/internal/directory"
)

// DistributedCachingClient wraps a tenant client with groupcache
// so that replicas in a peer pool share search results
type DistributedCachingClient struct {
	group *groupcache.Group
	ttl   time.Duration
	clock clock.Clock
}

// DistributedCachingConfig configures the distributed caching client
type DistributedCachingConfig struct {
	// GroupName must be unique within the process.
	// Default: "dirfed:" + tenant id
	GroupName string

	// CacheSizeBytes is the maximum size of the cache in bytes.
	// Default: 64MB
	CacheSizeBytes int64

	// TTL bounds how long results are served. Default: DefaultCacheTTL
	TTL time.Duration

	// Clock is used to bucket keys by TTL. Default: system clock
	Clock clock.Clock
}

// NewDistributedCachingClient wraps client with a groupcache group.
// groupcache panics on duplicate group names, so each tenant needs its own name.
// Peers must be registered with groupcache separately for results to be shared.
func NewDistributedCachingClient(tenantID string, client directory.Client, config DistributedCachingConfig) *DistributedCachingClient {
	if config.GroupName == "" {
		config.GroupName = "dirfed:" + tenantID
	}
	if config.CacheSizeBytes == 0 {
		config.CacheSizeBytes = 64 << 20
	}
	if config.TTL == 0 {
		config.TTL = DefaultCacheTTL
	}
	if config.Clock == nil {
		config.Clock = clock.NewSystemClock()
	}

	// The getter may run on a different peer, so everything it needs is in the key.
	getter := groupcache.GetterFunc(func(ctx context.Context, key string, dest groupcache.Sink) error {
		queries, err := deserializeQueries(stripTTLSuffix(key))
		if err != nil {
			return fmt.Errorf("failed to deserialize cache key: %w", err)
		}

		entities, err := client.Search(ctx, queries)
		if err != nil {
			return err
		}

		b, err := json.Marshal(entities)
		if err != nil {
			return fmt.Errorf("failed to marshal cache entry: %w", err)
		}
		return dest.SetBytes(b)
	})

	return &DistributedCachingClient{
		group: groupcache.NewGroup(config.GroupName, config.CacheSizeBytes, getter),
		ttl:   config.TTL,
		clock: config.Clock,
	}
}

// Search serves the queries from the group, loading them on a miss
func (c *DistributedCachingClient) Search(ctx context.Context, queries []directory.Query) ([]directory.Entity, error) {
	key, err := serializeQueries(queries)
	if err != nil {
		return nil, err
	}

	// groupcache has no expiry; bucketing the key by TTL makes entries age out.
	// A negative TTL keeps a single bucket.
	var bucket int64
	if c.ttl > 0 {
		bucket = roundTimestampToInterval(c.clock.Now(), c.ttl).Unix()
	}
	key = fmt.Sprintf("%s:ttl:%d", key, bucket)

	var cached []byte
	if err := c.group.Get(ctx, key, groupcache.AllocatingByteSliceSink(&cached)); err != nil {
		return nil, fmt.Errorf("groupcache fetch failed: %w", err)
	}

	var entities []directory.Entity
	if err := json.Unmarshal(cached, &entities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached entry: %w", err)
	}
	return entities, nil
}

// roundTimestampToInterval truncates t to a multiple of interval since the epoch:
//   - 10:02:30 with 5m -> 10:00:00
//   - 10:07:30 with 5m -> 10:05:00
func roundTimestampToInterval(t time.Time, interval time.Duration) time.Time {
	n := interval.Nanoseconds()
	return time.Unix(0, (t.UnixNano()/n)*n)
}

// stripTTLSuffix removes the ":ttl:<unix>" suffix from a cache key
func stripTTLSuffix(key string) string {
	if idx := strings.LastIndex(key, ":ttl:"); idx >= 0 {
		return key[:idx]
	}
	return key
}

func serializeQueries(queries []directory.Query) (string, error) {
	b, err := json.Marshal(queries)
	if err != nil {
		return "", fmt.Errorf("failed to marshal queries: %w", err)
	}
	return string(b), nil
}

func deserializeQueries(key string) ([]directory.Query, error) {
	var queries []directory.Query
	if err := json.Unmarshal([]byte(key), &queries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queries: %w", err)
	}
	return queries, nil
}
