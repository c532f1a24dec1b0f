package batch

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRateLimit(base time.Time) (*RateLimitState, *time.Time) {
	now := base
	s := NewRateLimitState()
	s.now = func() time.Time { return now }
	s.jitter = func() time.Duration { return 0 }
	return s, &now
}

func TestDelayAdvancesDeadline(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s, _ := newTestRateLimit(base)

	d := s.Delay(10 * time.Second)
	assert.Equal(t, 10*time.Second, d)
	assert.Equal(t, base.Add(10*time.Second), s.notBefore)
}

func TestDelayIsMonotonic(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s, _ := newTestRateLimit(base)

	s.Delay(30 * time.Second)
	// A shorter delay arriving later must not pull the deadline back.
	s.Delay(5 * time.Second)
	assert.Equal(t, base.Add(30*time.Second), s.notBefore)
}

func TestDelayCappedAtSixtySeconds(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s, _ := newTestRateLimit(base)

	d := s.Delay(10 * time.Minute)
	assert.Equal(t, maxRateLimitDelay, d)
	assert.Equal(t, base.Add(maxRateLimitDelay), s.notBefore)
}

func TestDelayIncludesJitter(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s, _ := newTestRateLimit(base)
	s.jitter = func() time.Duration { return 300 * time.Millisecond }

	d := s.Delay(2 * time.Second)
	assert.Equal(t, 2300*time.Millisecond, d)
}

func TestWaitReturnsImmediatelyWithNoDeadline(t *testing.T) {
	s := NewRateLimitState()
	start := time.Now()
	require.NoError(t, s.Wait(context.Background()))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitSleepsRemainingDelta(t *testing.T) {
	s := NewRateLimitState()
	s.jitter = func() time.Duration { return 0 }
	s.Delay(150 * time.Millisecond)

	start := time.Now()
	require.NoError(t, s.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitHonorsContext(t *testing.T) {
	s := NewRateLimitState()
	s.jitter = func() time.Duration { return 0 }
	s.Delay(30 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 7*time.Second, parseRetryAfter("7"))
	assert.Equal(t, defaultRetryAfter, parseRetryAfter(""))
	assert.Equal(t, defaultRetryAfter, parseRetryAfter("-3"))
	assert.Equal(t, defaultRetryAfter, parseRetryAfter("soon"))

	// HTTP-date form in the past collapses to zero.
	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	assert.Equal(t, time.Duration(0), parseRetryAfter(past))
}
