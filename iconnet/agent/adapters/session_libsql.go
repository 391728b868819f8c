package adapters

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

// LibSQLSessionStore persists conversation state as one JSON document per
// thread. The schema comes from the embedded goose migrations.
type LibSQLSessionStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewLibSQLSessionStore creates a store over an already migrated database.
func NewLibSQLSessionStore(db *sql.DB) *LibSQLSessionStore {
	return &LibSQLSessionStore{db: db, now: time.Now}
}

const (
	selectStateQuery = `SELECT state FROM conversation_states WHERE thread_id = ?`
	upsertStateQuery = `
		INSERT INTO conversation_states (thread_id, state, retry_count, turn_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			state = excluded.state,
			retry_count = excluded.retry_count,
			turn_count = excluded.turn_count,
			updated_at = excluded.updated_at`
)

// Get loads the state of threadID.
func (s *LibSQLSessionStore) Get(ctx context.Context, threadID string) (*ports.ConversationState, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, selectStateQuery, threadID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load state: %w", err)
	}

	var state ports.ConversationState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &state, true, nil
}

// Put upserts the state of threadID in a single statement.
func (s *LibSQLSessionStore) Put(ctx context.Context, threadID string, state *ports.ConversationState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, upsertStateQuery, threadID, string(payload), state.RetryCount, len(state.History), s.now().UTC()); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

var _ ports.SessionStore = (*LibSQLSessionStore)(nil)
