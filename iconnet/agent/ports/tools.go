package agentports

import (
	"context"
	"encoding/json"
	"time"
)

// ToolName identifies one entry of the fixed tool catalogue.
type ToolName string

const (
	ToolQueryAssets     ToolName = "query_asset_database"
	ToolSearchDocuments ToolName = "search_internal_documents"
	ToolVisualize       ToolName = "create_visualization"
	ToolWebSearch       ToolName = "web_search"
	ToolTriggerETL      ToolName = "trigger_spreadsheet_etl"
)

// Catalogue returns every tool name the engine knows about, in a stable order.
func Catalogue() []ToolName {
	return []ToolName{ToolQueryAssets, ToolSearchDocuments, ToolVisualize, ToolWebSearch, ToolTriggerETL}
}

// Valid reports whether n is part of the catalogue.
func (n ToolName) Valid() bool {
	for _, name := range Catalogue() {
		if name == n {
			return true
		}
	}
	return false
}

// ToolStatus is the lifecycle of a single call within a turn.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolSucceeded ToolStatus = "succeeded"
	ToolFailed    ToolStatus = "failed"
	ToolTimedOut  ToolStatus = "timed_out"
)

// Terminal reports whether the status is final.
func (s ToolStatus) Terminal() bool {
	return s == ToolSucceeded || s == ToolFailed || s == ToolTimedOut
}

// ToolSpec describes a callable tool exposed to the model.
type ToolSpec struct {
	Name        ToolName
	Description string // concise doc for model selection
	JSONSchema  []byte // JSON schema for args
}

// ToolCall is a model-requested invocation and, once dispatched, its outcome.
// Exactly one of Result and ErrorDetail is set when Status is terminal.
type ToolCall struct {
	ID          string          `json:"id"`
	Name        ToolName        `json:"name"`
	Arguments   json.RawMessage `json:"arguments"`
	Status      ToolStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorDetail string          `json:"error_detail,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	Duration    time.Duration   `json:"duration,omitempty"`
}

// Succeeded is shorthand for Status == ToolSucceeded.
func (c ToolCall) Succeeded() bool { return c.Status == ToolSucceeded }

// Tool is the adapter contract every external capability implements.
type Tool interface {
	Name() ToolName
	Description() string
	Schema() []byte
	Timeout() time.Duration
	Invoke(ctx context.Context, args json.RawMessage) (any, error)
}

// ArgumentValidator is implemented by tools with argument rules a JSON schema
// cannot express. The Dispatcher runs it before Invoke.
type ArgumentValidator interface {
	ValidateArguments(args json.RawMessage) error
}

// InvalidArgumentsError is returned by a Tool whose arguments pass the schema but
// break a rule only the adapter knows, such as a non-SELECT statement.
type InvalidArgumentsError struct {
	Reason string
}

func (e *InvalidArgumentsError) Error() string { return e.Reason }
