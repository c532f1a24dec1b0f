package batch

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// maxRateLimitDelay caps how far a single Retry-After can push the shared
// deadline out.
const maxRateLimitDelay = 60 * time.Second

// RateLimitState is a shared do-not-send-before deadline. One 429 pauses the
// whole worker pool: every worker checks the deadline before sending, and each
// sleeps its own remaining delta rather than being woken by a broadcast.
type RateLimitState struct {
	mu        sync.Mutex
	notBefore time.Time

	now    func() time.Time
	jitter func() time.Duration
}

// NewRateLimitState returns a state with no deadline set.
func NewRateLimitState() *RateLimitState {
	return &RateLimitState{
		now:    time.Now,
		jitter: defaultJitter,
	}
}

func defaultJitter() time.Duration {
	return time.Duration(rand.Int63n(int64(time.Second)))
}

// Delay advances the deadline to now + retryAfter + jitter, capped at
// maxRateLimitDelay. The deadline is monotonic: a shorter delay arriving
// late never pulls an existing deadline backward.
func (s *RateLimitState) Delay(retryAfter time.Duration) time.Duration {
	delay := retryAfter + s.jitter()
	if delay > maxRateLimitDelay {
		delay = maxRateLimitDelay
	}
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	candidate := s.now().Add(delay)
	if candidate.After(s.notBefore) {
		s.notBefore = candidate
	}
	return delay
}

// Wait blocks the caller until the deadline has passed. The deadline is
// re-read after every sleep because another worker may have pushed it out
// in the meantime.
func (s *RateLimitState) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		nb := s.notBefore
		s.mu.Unlock()

		remaining := nb.Sub(s.now())
		if remaining <= 0 {
			return nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
