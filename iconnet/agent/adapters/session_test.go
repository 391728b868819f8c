package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

func sampleState(threadID string) *ports.ConversationState {
	state := ports.NewConversationState(threadID)
	state.UserContext = ports.UserContext{DisplayName: "Rina", Role: "engineer"}
	state.Append(ports.Turn{Role: ports.RoleUser, Content: "berapa total pelanggan di Bekasi?"})
	state.Append(ports.Turn{
		Role: ports.RoleTool,
		ToolCalls: []ports.ToolCall{{
			ID:        "call-1",
			Name:      ports.ToolQueryAssets,
			Arguments: json.RawMessage(`{"sql":"SELECT 1"}`),
			Status:    ports.ToolSucceeded,
			Result:    json.RawMessage(`{"row_count":1}`),
		}},
	})
	state.Append(ports.Turn{Role: ports.RoleAssistant, Content: "There are 1,204 customers in Bekasi."})
	state.LastContextSignature = "abc"
	return state
}

func TestMemorySessionStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()

	_, ok, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	state := sampleState("t1")
	require.NoError(t, store.Put(ctx, "t1", state))

	// later mutations of the caller's copy are not visible
	state.Append(ports.Turn{Role: ports.RoleUser, Content: "unsaved"})

	got, ok, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got.History, 3)
	assert.Equal(t, "abc", got.LastContextSignature)

	got.History[2].Content = "mutated"
	again, _, _ := store.Get(ctx, "t1")
	assert.Equal(t, "There are 1,204 customers in Bekasi.", again.History[2].Content)
}

func TestMemorySessionStoreRejectsCancelledPut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewMemorySessionStore().Put(ctx, "t1", sampleState("t1"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisSessionStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	store := NewRedisSessionStore(client, time.Hour)

	_, ok, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, "t1", sampleState("t1")))
	assert.True(t, mr.Exists(redisKeyPrefix+"t1"))
	assert.Equal(t, time.Hour, mr.TTL(redisKeyPrefix+"t1"))

	got, ok, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t1", got.ThreadID)
	require.Len(t, got.History, 3)
	require.Len(t, got.History[1].ToolCalls, 1)
	assert.Equal(t, ports.ToolSucceeded, got.History[1].ToolCalls[0].Status)
	assert.JSONEq(t, `{"row_count":1}`, string(got.History[1].ToolCalls[0].Result))

	mr.FastForward(2 * time.Hour)
	_, ok, err = store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisSessionStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	_, _, err := NewRedisSessionStore(client, 0).Get(context.Background(), "t1")
	assert.Error(t, err)
}

func TestLibSQLSessionStoreGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	payload, err := json.Marshal(sampleState("t1"))
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(selectStateQuery)).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(string(payload)))
	mock.ExpectQuery(regexp.QuoteMeta(selectStateQuery)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"state"}))

	store := NewLibSQLSessionStore(db)
	got, ok, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Rina", got.UserContext.DisplayName)

	_, ok, err = store.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLibSQLSessionStorePut(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fixed := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	store := NewLibSQLSessionStore(db)
	store.now = func() time.Time { return fixed }

	state := sampleState("t1")
	state.RetryCount = 1
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversation_states")).
		WithArgs("t1", sqlmock.AnyArg(), 1, 3, fixed).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.Put(context.Background(), "t1", state))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLibSQLSessionStorePutError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversation_states")).
		WillReturnError(errors.New("database is locked"))

	err = NewLibSQLSessionStore(db).Put(context.Background(), "t1", sampleState("t1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
}
