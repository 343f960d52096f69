package objectstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vidfleet/vidfleet-runner/internal/models"
)

// CredentialSource fetches object store credentials from the control plane.
// *api.Client satisfies this.
type CredentialSource interface {
	MinioCredentials(ctx context.Context) (*models.ObjectStoreCredentials, error)
}

// Cache hands out the control-plane object store credentials to upload
// stages. The credentials are fetched once and kept until a Refresh, which
// auth-shaped upload failures trigger through the retry policy.
//
// Double-checked locking keeps concurrent Gets from stacking fetches: the
// read-locked fast path returns the cached value, and the write-locked slow
// path re-checks before fetching.
type Cache struct {
	source CredentialSource

	mu        sync.RWMutex
	creds     *models.ObjectStoreCredentials
	fetchedAt time.Time
}

// NewCache builds a cache over the given source.
func NewCache(source CredentialSource) *Cache {
	return &Cache{source: source}
}

// Get returns the cached credentials, fetching them on first use.
func (c *Cache) Get(ctx context.Context) (*models.ObjectStoreCredentials, error) {
	c.mu.RLock()
	creds := c.creds
	c.mu.RUnlock()
	if creds != nil {
		return creds, nil
	}
	return c.fetch(ctx, false)
}

// Refresh discards the cached credentials and pulls fresh ones. Called when
// an upload fails with a credential-class error.
func (c *Cache) Refresh(ctx context.Context) (*models.ObjectStoreCredentials, error) {
	return c.fetch(ctx, true)
}

// Age returns the time since the credentials were last fetched, or zero when
// nothing has been fetched yet.
func (c *Cache) Age() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fetchedAt.IsZero() {
		return 0
	}
	return time.Since(c.fetchedAt)
}

func (c *Cache) fetch(ctx context.Context, force bool) (*models.ObjectStoreCredentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have fetched while we waited for the lock.
	if !force && c.creds != nil {
		return c.creds, nil
	}

	creds, err := c.source.MinioCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch object store credentials: %w", err)
	}
	if creds == nil || !creds.Valid() {
		return nil, fmt.Errorf("control plane returned incomplete object store credentials")
	}

	c.creds = creds
	c.fetchedAt = time.Now()
	return creds, nil
}
