package agentports

import (
	"context"
	"time"
)

// Cache memoizes adapter responses such as search results and auth tokens.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
