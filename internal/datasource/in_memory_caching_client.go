package datasource

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/project-kessel/dirfed/internal/clock"
	"github.com/project-kessel/dirfed/internal/directory"
)

// DefaultCacheTTL is used when a caching client is configured without a TTL
const DefaultCacheTTL = 5 * time.Minute

// InMemoryCachingClient wraps a tenant client with a simple in-memory cache.
// Only successful searches are cached; failures always reach the wrapped client.
type InMemoryCachingClient struct {
	client  directory.Client
	ttl     time.Duration
	clock   clock.Clock
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	entities  []directory.Entity
	expiresAt time.Time
}

// InMemoryCachingClientOption is a functional option for configuring InMemoryCachingClient
type InMemoryCachingClientOption func(*InMemoryCachingClient)

// WithClock sets the clock used for expiry
func WithClock(clk clock.Clock) InMemoryCachingClientOption {
	return func(c *InMemoryCachingClient) {
		c.clock = clk
	}
}

// WithTTL sets how long results are kept. A negative TTL keeps entries forever.
func WithTTL(ttl time.Duration) InMemoryCachingClientOption {
	return func(c *InMemoryCachingClient) {
		c.ttl = ttl
	}
}

// NewInMemoryCachingClient wraps client with an in-memory TTL cache
func NewInMemoryCachingClient(client directory.Client, opts ...InMemoryCachingClientOption) *InMemoryCachingClient {
	c := &InMemoryCachingClient{
		client:  client,
		ttl:     DefaultCacheTTL,
		clock:   clock.NewSystemClock(),
		entries: make(map[string]*cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ttl == 0 {
		c.ttl = DefaultCacheTTL
	}
	return c
}

// Search returns cached entities when the same queries were answered within the TTL
func (c *InMemoryCachingClient) Search(ctx context.Context, queries []directory.Query) ([]directory.Entity, error) {
	key, err := hashQueries(queries)
	if err != nil {
		return c.client.Search(ctx, queries)
	}

	c.mu.RLock()
	entry, found := c.entries[key]
	c.mu.RUnlock()

	if found {
		if entry.expiresAt.IsZero() || c.clock.Now().Before(entry.expiresAt) {
			return slices.Clone(entry.entities), nil
		}
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
	}

	entities, err := c.client.Search(ctx, queries)
	if err != nil {
		return nil, err
	}

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.clock.Now().Add(c.ttl)
	}

	c.mu.Lock()
	c.entries[key] = &cacheEntry{
		entities:  slices.Clone(entities),
		expiresAt: expiresAt,
	}
	c.mu.Unlock()

	return entities, nil
}

// Cleanup removes expired entries from the cache
func (c *InMemoryCachingClient) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for key, entry := range c.entries {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

// Size returns the number of entries in the cache
func (c *InMemoryCachingClient) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// hashQueries derives a fixed-size cache key from the queries
func hashQueries(queries []directory.Query) (string, error) {
	b, err := json.Marshal(queries)
	if err != nil {
		return "", fmt.Errorf("failed to serialize queries: %w", err)
	}
	return fmt.Sprintf("%x", sha256.Sum256(b)), nil
}
