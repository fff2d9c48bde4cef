package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AbdallaMon/mail-collector/internal/database"
)

// destinationKey is the settings row holding the operator-set forward-to
// address override
const destinationKey = "forward_to"

// DestinationCache serves the consolidated forward-to address. The value
// lives in the settings table so the configuration collaborator can change
// it at runtime; reads are cached with a TTL and the collaborator calls
// Invalidate after writing.
type DestinationCache struct {
	db       *database.DB
	fallback string
	ttl      time.Duration

	mu        sync.Mutex
	value     string
	fetchedAt time.Time
}

// NewDestinationCache creates a cache falling back to the configured address
func NewDestinationCache(db *database.DB, fallback string) *DestinationCache {
	return &DestinationCache{
		db:       db,
		fallback: fallback,
		ttl:      5 * time.Minute,
	}
}

// Get returns the current destination address
func (c *DestinationCache) Get(ctx context.Context) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.value != "" && time.Since(c.fetchedAt) < c.ttl {
		return c.value
	}

	value, err := c.db.GetSetting(ctx, destinationKey)
	if err != nil || value == "" {
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			// Lookup failed; serve the fallback without caching so the next
			// call retries the table.
			return c.fallback
		}
		value = c.fallback
	}

	c.value = value
	c.fetchedAt = time.Now()
	return value
}

// Invalidate drops the cached value; the next Get re-reads the table
func (c *DestinationCache) Invalidate() {
	c.mu.Lock()
	c.value = ""
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}
