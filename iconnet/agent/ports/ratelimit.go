package agentports

import "context"

// RateLimiter admits or rejects work per key.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
