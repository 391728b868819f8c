package adapters

import (
	"context"
	"sync"

	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

// MemorySessionStore keeps conversation state in process memory.
type MemorySessionStore struct {
	mu     sync.RWMutex
	states map[string]*ports.ConversationState
}

// NewMemorySessionStore creates an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{states: make(map[string]*ports.ConversationState)}
}

// Get returns a copy of the stored state.
func (s *MemorySessionStore) Get(_ context.Context, threadID string) (*ports.ConversationState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[threadID]
	if !ok {
		return nil, false, nil
	}
	return state.Clone(), true, nil
}

// Put replaces the stored state with a copy of state.
func (s *MemorySessionStore) Put(ctx context.Context, threadID string, state *ports.ConversationState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[threadID] = state.Clone()
	return nil
}

var _ ports.SessionStore = (*MemorySessionStore)(nil)
