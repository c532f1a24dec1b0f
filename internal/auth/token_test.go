package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	calls int
	tok   Token
	err   error
}

func (c *countingSource) Token(context.Context) (Token, error) {
	c.calls++
	return c.tok, c.err
}

func TestCachedTokenReusedUntilNearExpiry(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &countingSource{tok: Token{Value: "t1", Expiry: base.Add(10 * time.Minute)}}
	cached := NewCachedTokenSource(src)
	now := base
	cached.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		tok, err := cached.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "t1", tok.Value)
	}
	assert.Equal(t, 1, src.calls)

	// Within 60s of expiry the cached token is stale and must refresh.
	now = base.Add(10*time.Minute - 30*time.Second)
	src.tok = Token{Value: "t2", Expiry: now.Add(10 * time.Minute)}
	tok, err := cached.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t2", tok.Value)
	assert.Equal(t, 2, src.calls)
}

func TestCachedTokenNoExpiryNeverRefreshes(t *testing.T) {
	src := &countingSource{tok: Token{Value: "forever"}}
	cached := NewCachedTokenSource(src)

	for i := 0; i < 3; i++ {
		_, err := cached.Token(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, src.calls)
}

func TestCachedTokenPropagatesError(t *testing.T) {
	src := &countingSource{err: errors.New("idp unreachable")}
	cached := NewCachedTokenSource(src)
	_, err := cached.Token(context.Background())
	assert.ErrorContains(t, err, "idp unreachable")
}
