// Package quotemedia provides the client for the authenticated quote vendor:
// session and token lifecycle, market-stats retrieval through multi-endpoint
// probing, and the credential cache shared by every call.
package quotemedia

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// CredentialKind identifies one of the two short-lived credentials the vendor
// hands out: the PHP session id, and the dataTool token derived from it.
type CredentialKind string

const (
	KindSID   CredentialKind = "sid"
	KindToken CredentialKind = "token"
)

// TTLs are fixed per kind. The token TTL is intentionally shorter than the
// SID's: it is derived from the SID and can be invalidated independently.
const (
	sidTTL   = 60 * time.Minute
	tokenTTL = 30 * time.Minute
)

func ttlFor(kind CredentialKind) time.Duration {
	if kind == KindToken {
		return tokenTTL
	}
	return sidTTL
}

// Credential is one live vendor credential. Exactly one credential of each
// kind exists process-wide; a refresh discards the older one outright.
type Credential struct {
	Kind       CredentialKind
	Value      string
	ObtainedAt time.Time
	ExpiresAt  time.Time
}

// Live reports whether the credential is usable at the given instant.
func (c Credential) Live(now time.Time) bool {
	return c.Value != "" && now.Before(c.ExpiresAt)
}

// RefreshFunc obtains a fresh credential value of the given kind from the
// vendor. The cache owns expiry bookkeeping; the func only fetches.
type RefreshFunc func(ctx context.Context, kind CredentialKind) (string, error)

// CredentialCache is the process-wide cache of vendor credentials. Reads of a
// live credential are lock-cheap and never touch the network. Concurrent
// callers that find an expired credential share one in-flight refresh via
// singleflight instead of stampeding the auth endpoint.
type CredentialCache struct {
	mu      sync.RWMutex
	creds   map[CredentialKind]Credential
	group   singleflight.Group
	refresh RefreshFunc
	now     func() time.Time
	log     zerolog.Logger
}

// NewCredentialCache creates a credential cache. now may be nil (wall clock);
// injecting it enables fake-time expiry tests.
func NewCredentialCache(refresh RefreshFunc, now func() time.Time, log zerolog.Logger) *CredentialCache {
	if now == nil {
		now = time.Now
	}
	return &CredentialCache{
		creds:   make(map[CredentialKind]Credential),
		refresh: refresh,
		now:     now,
		log:     log.With().Str("component", "credential_cache").Logger(),
	}
}

// Get returns a live credential of the given kind, refreshing it first if the
// cached one is missing or expired.
func (c *CredentialCache) Get(ctx context.Context, kind CredentialKind) (Credential, error) {
	c.mu.RLock()
	cached, ok := c.creds[kind]
	now := c.now()
	c.mu.RUnlock()

	if ok && cached.Live(now) {
		return cached, nil
	}

	result, err, shared := c.group.Do(string(kind), func() (interface{}, error) {
		// Re-check under the flight: another caller may have refreshed
		// between our read and joining the group.
		c.mu.RLock()
		existing, ok := c.creds[kind]
		c.mu.RUnlock()
		if ok && existing.Live(c.now()) {
			return existing, nil
		}

		value, err := c.refresh(ctx, kind)
		if err != nil {
			return Credential{}, fmt.Errorf("refresh %s: %w", kind, err)
		}

		obtained := c.now()
		fresh := Credential{
			Kind:       kind,
			Value:      value,
			ObtainedAt: obtained,
			ExpiresAt:  obtained.Add(ttlFor(kind)),
		}

		c.mu.Lock()
		c.creds[kind] = fresh
		c.mu.Unlock()

		c.log.Info().
			Str("kind", string(kind)).
			Time("expires_at", fresh.ExpiresAt).
			Msg("Credential refreshed")
		return fresh, nil
	})
	if err != nil {
		return Credential{}, err
	}
	if shared {
		c.log.Debug().Str("kind", string(kind)).Msg("Joined in-flight credential refresh")
	}

	return result.(Credential), nil
}

// Invalidate clears the cached credential of the given kind so the next Get
// forces a refresh. Callers invoke this after a downstream 401/403 that used
// the credential. Invalidating the SID also drops the token, which is derived
// from it and cannot outlive it.
func (c *CredentialCache) Invalidate(kind CredentialKind) {
	c.mu.Lock()
	delete(c.creds, kind)
	if kind == KindSID {
		delete(c.creds, KindToken)
	}
	c.mu.Unlock()

	c.group.Forget(string(kind))
	if kind == KindSID {
		c.group.Forget(string(KindToken))
	}

	c.log.Info().Str("kind", string(kind)).Msg("Credential invalidated")
}

// Peek returns the cached credential without refreshing, for status reporting.
func (c *CredentialCache) Peek(kind CredentialKind) (Credential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cred, ok := c.creds[kind]
	return cred, ok && cred.Live(c.now())
}
