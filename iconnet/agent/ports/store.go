package agentports

import (
	"context"
	"encoding/json"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Turn is one history entry.
type Turn struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// UserContext carries caller facts injected read-only into synthesis.
type UserContext struct {
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// ConversationState is the durable per-thread state.
type ConversationState struct {
	ThreadID             string      `json:"thread_id"`
	History              []Turn      `json:"history"`
	UserContext          UserContext `json:"user_context"`
	RetryCount           int         `json:"retry_count"`
	LastContextSignature string      `json:"last_context_signature,omitempty"`
	PendingGuidance      string      `json:"pending_guidance,omitempty"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

// NewConversationState returns an empty state for threadID.
func NewConversationState(threadID string) *ConversationState {
	return &ConversationState{ThreadID: threadID}
}

// Append adds a turn to the end of the history.
func (s *ConversationState) Append(turn Turn) {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	s.History = append(s.History, turn)
}

// LastUserMessage returns the content of the most recent user turn.
func (s *ConversationState) LastUserMessage() string {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Role == RoleUser {
			return s.History[i].Content
		}
	}
	return ""
}

// Clone returns a deep copy so stores never share memory with a turn in flight.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	out := *s
	out.History = make([]Turn, len(s.History))
	for i, t := range s.History {
		out.History[i] = t
		if len(t.ToolCalls) > 0 {
			out.History[i].ToolCalls = make([]ToolCall, len(t.ToolCalls))
			for j, c := range t.ToolCalls {
				c.Arguments = cloneRaw(c.Arguments)
				c.Result = cloneRaw(c.Result)
				out.History[i].ToolCalls[j] = c
			}
		}
	}
	return &out
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

// SessionStore persists conversation state keyed by thread id. Writes for one
// thread id are serialized; reads observe the latest committed write.
type SessionStore interface {
	Get(ctx context.Context, threadID string) (*ConversationState, bool, error)
	Put(ctx context.Context, threadID string, state *ConversationState) error
}
