package pbx

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// sessionCache holds per-tenant vendor session tokens for the lifetime of the
// process. Establishment is single-flighted per tenant so N workers hitting
// the same tenant perform one challenge/login round-trip, not N.
type sessionCache struct {
	mu       sync.Mutex
	sessions map[string]cachedSession
	group    singleflight.Group
	ttl      time.Duration
}

type cachedSession struct {
	token     string
	expiresAt time.Time
}

func newSessionCache(ttl time.Duration) *sessionCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &sessionCache{
		sessions: make(map[string]cachedSession),
		ttl:      ttl,
	}
}

// get returns a usable session token for the tenant, establishing one via
// establish if the cache is empty or expired.
func (c *sessionCache) get(ctx context.Context, tenantID string, establish func(context.Context) (string, error)) (string, error) {
	c.mu.Lock()
	if s, ok := c.sessions[tenantID]; ok && time.Now().Before(s.expiresAt) {
		c.mu.Unlock()
		return s.token, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(tenantID, func() (any, error) {
		// Another flight may have filled the cache while we queued.
		c.mu.Lock()
		if s, ok := c.sessions[tenantID]; ok && time.Now().Before(s.expiresAt) {
			c.mu.Unlock()
			return s.token, nil
		}
		c.mu.Unlock()

		token, err := establish(ctx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.sessions[tenantID] = cachedSession{token: token, expiresAt: time.Now().Add(c.ttl)}
		c.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// purge drops the cached session for a tenant after the vendor rejected it.
func (c *sessionCache) purge(tenantID string) {
	c.mu.Lock()
	delete(c.sessions, tenantID)
	c.mu.Unlock()
}
