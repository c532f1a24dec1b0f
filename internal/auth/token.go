// Package auth supplies bearer tokens to the batch submitter. Acquisition is
// delegated to an injected source; this package only adds caching.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Token is a bearer credential with an optional expiry. A zero Expiry means
// the token never expires.
type Token struct {
	Value  string
	Expiry time.Time
}

// TokenSource produces a token for an outgoing request.
type TokenSource interface {
	Token(ctx context.Context) (Token, error)
}

// StaticTokenSource returns the same token forever.
type StaticTokenSource struct {
	Tok Token
}

func (s StaticTokenSource) Token(context.Context) (Token, error) {
	return s.Tok, nil
}

// TokenFunc adapts a plain function to a TokenSource.
type TokenFunc func(ctx context.Context) (Token, error)

func (f TokenFunc) Token(ctx context.Context) (Token, error) { return f(ctx) }

// refreshLeeway is how close to expiry a cached token is considered stale.
const refreshLeeway = 60 * time.Second

// CachedTokenSource wraps another source and refreshes the cached token under
// a lock once it is within refreshLeeway of expiry. The lock is held only for
// the cache check and refresh call, never across a caller's network request.
type CachedTokenSource struct {
	src TokenSource

	mu  sync.Mutex
	tok Token
	now func() time.Time
}

// NewCachedTokenSource caches tokens produced by src.
func NewCachedTokenSource(src TokenSource) *CachedTokenSource {
	return &CachedTokenSource{src: src, now: time.Now}
}

func (c *CachedTokenSource) Token(ctx context.Context) (Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tok.Value != "" && !c.staleLocked() {
		return c.tok, nil
	}
	tok, err := c.src.Token(ctx)
	if err != nil {
		return Token{}, fmt.Errorf("refresh token: %w", err)
	}
	c.tok = tok
	return c.tok, nil
}

func (c *CachedTokenSource) staleLocked() bool {
	if c.tok.Expiry.IsZero() {
		return false
	}
	return c.now().Add(refreshLeeway).After(c.tok.Expiry)
}
