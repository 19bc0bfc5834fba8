package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/tracyhatemice/mailprobe/internal/metrics"
)

// TokenCache holds one Credential per provider and refreshes it before use
// whenever its remaining lifetime drops below the safety margin. Refresh
// failures are returned as *AuthError and are not retried here.
type TokenCache struct {
	mu        sync.Mutex
	clock     clock.PassiveClock
	margin    time.Duration
	acquirers map[Provider]Acquirer
	creds     map[Provider]*Credential
	log       *zap.SugaredLogger
}

// NewTokenCache creates an empty cache. Acquirers are added with Register.
func NewTokenCache(clk clock.PassiveClock, margin time.Duration, log *zap.SugaredLogger) *TokenCache {
	return &TokenCache{
		clock:     clk,
		margin:    margin,
		acquirers: make(map[Provider]Acquirer),
		creds:     make(map[Provider]*Credential),
		log:       log,
	}
}

// Register sets the token source for a provider and drops any cached token.
func (c *TokenCache) Register(p Provider, a Acquirer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquirers[p] = a
	delete(c.creds, p)
}

// Has reports whether an acquirer is registered for p.
func (c *TokenCache) Has(p Provider) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.acquirers[p]
	return ok
}

// Token returns a valid access token for p, refreshing it first if needed.
func (c *TokenCache) Token(ctx context.Context, p Provider) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if cred, ok := c.creds[p]; ok && c.fresh(cred, now) {
		return cred.AccessToken, nil
	}

	acq, ok := c.acquirers[p]
	if !ok {
		return "", &AuthError{Provider: p, Err: fmt.Errorf("no token source registered")}
	}

	tok, err := acq.Acquire(ctx)
	if err != nil {
		metrics.TokenAcquisitions.WithLabelValues(p.String(), "failure").Inc()
		return "", &AuthError{Provider: p, Err: err}
	}
	if tok == nil || tok.AccessToken == "" {
		metrics.TokenAcquisitions.WithLabelValues(p.String(), "failure").Inc()
		return "", &AuthError{Provider: p, Err: fmt.Errorf("token endpoint returned no access token")}
	}

	cred := &Credential{
		Provider:     p,
		AccessToken:  tok.AccessToken,
		ExpiresAt:    tok.Expiry,
		RefreshToken: tok.RefreshToken,
	}
	// Without expires_in the token is usable only until the clock advances.
	if cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = now.Add(c.margin)
	}
	if !c.fresh(cred, now) {
		metrics.TokenAcquisitions.WithLabelValues(p.String(), "failure").Inc()
		return "", &AuthError{Provider: p, Err: fmt.Errorf("issued token lives %s, below the %s safety margin", cred.Remaining(now).Round(time.Second), c.margin)}
	}

	c.creds[p] = cred
	metrics.TokenAcquisitions.WithLabelValues(p.String(), "success").Inc()
	c.log.Debugw("Acquired access token",
		"provider", p.String(),
		"expiresAt", cred.ExpiresAt.UTC().Format(time.RFC3339))
	return cred.AccessToken, nil
}

// Invalidate drops the cached token of p so the next Token call reacquires.
// Callers use it when a provider rejects a token before its expiry.
func (c *TokenCache) Invalidate(p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.creds[p]; ok {
		c.log.Infow("Invalidating cached access token", "provider", p.String())
	}
	delete(c.creds, p)
}

// Credential returns a copy of the cached credential of p.
func (c *TokenCache) Credential(p Provider) (Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cred, ok := c.creds[p]
	if !ok {
		return Credential{}, false
	}
	return *cred, true
}

// Warm acquires tokens for every registered provider. It returns the first
// permanent failure; transient failures are logged and left to the cycles.
func (c *TokenCache) Warm(ctx context.Context) error {
	for _, p := range []Provider{Outbound, Inbound} {
		if !c.Has(p) {
			continue
		}
		if _, err := c.Token(ctx, p); err != nil {
			var ae *AuthError
			if errors.As(err, &ae) && ae.Permanent() {
				return err
			}
			c.log.Warnw("Token warm-up failed, will retry during the next cycle",
				"provider", p.String(), "error", err)
		}
	}
	return nil
}

func (c *TokenCache) fresh(cred *Credential, now time.Time) bool {
	return cred.Remaining(now) >= c.margin
}
