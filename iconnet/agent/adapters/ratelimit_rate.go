package adapters

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

// ErrRateLimitExceeded is returned when the rate limit is exceeded.
var ErrRateLimitExceeded = &RateLimitError{Message: "rate limit exceeded"}

// RateLimitError reports a rejected admission.
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string {
	return e.Message
}

// KeyedRateLimiter keeps one token bucket per key. Idle keys are forgotten.
type KeyedRateLimiter struct {
	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

// NewKeyedRateLimiter allows perSecond sustained requests per key with burst.
func NewKeyedRateLimiter(perSecond float64, burst int) *KeyedRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &KeyedRateLimiter{
		buckets: expirable.NewLRU[string, *rate.Limiter](10000, nil, 30*time.Minute),
		limit:   rate.Limit(perSecond),
		burst:   burst,
	}
}

// Acquire takes a token for key without waiting.
func (l *KeyedRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !l.bucket(key).Allow() {
		return nil, ErrRateLimitExceeded
	}
	return func() {}, nil
}

func (l *KeyedRateLimiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets.Get(key); ok {
		return b
	}
	b := rate.NewLimiter(l.limit, l.burst)
	l.buckets.Add(key, b)
	return b
}

var _ ports.RateLimiter = (*KeyedRateLimiter)(nil)
