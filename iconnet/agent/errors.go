package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

// Stable error codes recorded on failed tool calls and in logs.
const (
	CodeToolArgument  = "tool_argument"
	CodeToolExecution = "tool_execution"
	CodeToolTimeout   = "tool_timeout"
	CodeLLMService    = "llm_service"
	CodeSessionStore  = "session_store"
)

// ToolArgumentError is a local validation failure. The adapter is never invoked.
type ToolArgumentError struct {
	Tool   ports.ToolName
	Reason string
	Err    error
}

func (e *ToolArgumentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid arguments for %s: %s: %v", e.Tool, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Reason)
}

func (e *ToolArgumentError) Unwrap() error { return e.Err }

// Code returns CodeToolArgument.
func (e *ToolArgumentError) Code() string { return CodeToolArgument }

// ToolExecutionError wraps an adapter-level failure.
type ToolExecutionError struct {
	Tool ports.ToolName
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// Code returns CodeToolExecution.
func (e *ToolExecutionError) Code() string { return CodeToolExecution }

// ToolTimeoutError reports a call that did not finish within its timeout or the
// turn budget.
type ToolTimeoutError struct {
	Tool   ports.ToolName
	Budget bool // true when the turn wall-clock budget expired rather than the call timeout
}

func (e *ToolTimeoutError) Error() string {
	if e.Budget {
		return fmt.Sprintf("tool %s did not finish before the turn budget elapsed", e.Tool)
	}
	return fmt.Sprintf("tool %s timed out", e.Tool)
}

// Unwrap lets errors.Is(err, context.DeadlineExceeded) match timeouts.
func (e *ToolTimeoutError) Unwrap() error { return context.DeadlineExceeded }

// Code returns CodeToolTimeout.
func (e *ToolTimeoutError) Code() string { return CodeToolTimeout }

// LanguageModelServiceError reports an exhausted language model call.
type LanguageModelServiceError struct {
	Stage    string // dialogue | synthesis | quality_gate
	Attempts int
	Err      error
}

func (e *LanguageModelServiceError) Error() string {
	return fmt.Sprintf("language model call for %s failed after %d attempt(s): %v", e.Stage, e.Attempts, e.Err)
}

func (e *LanguageModelServiceError) Unwrap() error { return e.Err }

// Code returns CodeLLMService.
func (e *LanguageModelServiceError) Code() string { return CodeLLMService }

// SessionStoreError is the only error surfaced to callers of ProcessTurn.
type SessionStoreError struct {
	Op       string // get | put
	ThreadID string
	Err      error
}

func (e *SessionStoreError) Error() string {
	return fmt.Sprintf("session store %s for thread %s: %v", e.Op, e.ThreadID, e.Err)
}

func (e *SessionStoreError) Unwrap() error { return e.Err }

// Code returns CodeSessionStore.
func (e *SessionStoreError) Code() string { return CodeSessionStore }

// ErrorCode extracts the stable code from any error in the taxonomy.
func ErrorCode(err error) string {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return CodeToolExecution
}

// isRetryableError decides whether a language model failure deserves another attempt.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var permanent interface{ Retryable() bool }
	if errors.As(err, &permanent) {
		return permanent.Retryable()
	}
	return true
}

// errorIndicators mark a tool payload that reports failure in-band.
var errorIndicators = []string{
	"error:", "failed:", "exception:", "traceback:", "gagal:",
}

// resultReportsError reports whether a successful invocation actually carried an
// error, either as a top-level "error" key or as an error-prefixed string.
func resultReportsError(payload any) (string, bool) {
	switch v := payload.(type) {
	case map[string]any:
		if msg, ok := v["error"]; ok && msg != nil && msg != "" {
			return fmt.Sprint(msg), true
		}
	case string:
		lower := strings.ToLower(strings.TrimSpace(v))
		for _, indicator := range errorIndicators {
			if strings.HasPrefix(lower, indicator) {
				return v, true
			}
		}
	}
	return "", false
}
