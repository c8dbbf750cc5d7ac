// Package ratelimit implements per-endpoint token-bucket admission control
// over a pluggable bucket store.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/HanTheDev/dynamic-endpoint-gateway/internal/models"
)

// Store holds token buckets. Take must refill, test and decrement the bucket
// for key as one atomic step.
type Store interface {
	Take(ctx context.Context, key string, budget models.RateBudget, now time.Time) (Decision, error)
}

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// Key builds the bucket key for a client calling an endpoint.
func Key(endpointID, clientAddr string) string {
	return fmt.Sprintf("ratelimit:endpoint:%s:%s", endpointID, clientAddr)
}

type Limiter struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Limiter)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

func NewLimiter(store Store, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow spends one token from the bucket at key. Unlimited budgets are always
// admitted. A failing store admits the request: a broken shared backend must
// not take every endpoint down with it.
func (l *Limiter) Allow(ctx context.Context, key string, budget models.RateBudget) Decision {
	if budget.Unlimited() {
		return Decision{Allowed: true, Remaining: math.Inf(1)}
	}

	d, err := l.store.Take(ctx, key, budget, l.now())
	if err != nil {
		l.logger.Warn("rate limit store failed, admitting request",
			"key", key,
			"error", err,
		)
		return Decision{Allowed: true}
	}
	return d
}

// refill applies continuous refill and spends one token if available.
// It is shared by every store so they agree on the arithmetic.
func refill(tokens float64, lastRefill, now time.Time, budget models.RateBudget) (float64, Decision) {
	capacity := float64(budget.MaxTokens)
	if elapsed := now.Sub(lastRefill); elapsed > 0 {
		tokens += float64(elapsed) / float64(budget.Window) * capacity
	}
	if tokens > capacity {
		tokens = capacity
	}

	if tokens < 1 {
		return tokens, Decision{
			Allowed:    false,
			Remaining:  tokens,
			RetryAfter: retryAfter(tokens, budget),
		}
	}

	tokens--
	return tokens, Decision{Allowed: true, Remaining: tokens}
}

// retryAfter is the time until the bucket holds one whole token again.
func retryAfter(tokens float64, budget models.RateBudget) time.Duration {
	missing := 1 - tokens
	if missing <= 0 {
		return 0
	}
	perToken := float64(budget.Window) / float64(budget.MaxTokens)
	return time.Duration(math.Ceil(missing * perToken))
}
