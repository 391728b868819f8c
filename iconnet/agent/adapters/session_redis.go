package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

const redisKeyPrefix = "iconnet:thread:"

// RedisSessionStore keeps conversation state in redis, one key per thread.
type RedisSessionStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisSessionStore creates a store. ttl of zero keeps keys forever.
func NewRedisSessionStore(client redis.UniversalClient, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{client: client, ttl: ttl}
}

// Get loads the state of threadID.
func (s *RedisSessionStore) Get(ctx context.Context, threadID string) (*ports.ConversationState, bool, error) {
	payload, err := s.client.Get(ctx, redisKeyPrefix+threadID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var state ports.ConversationState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &state, true, nil
}

// Put overwrites the state of threadID.
func (s *RedisSessionStore) Put(ctx context.Context, threadID string, state *ports.ConversationState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+threadID, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

var _ ports.SessionStore = (*RedisSessionStore)(nil)
