package agentports

import (
	"context"
)

// PromptMessage represents a single chat message used to build prompts.
type PromptMessage struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// PromptInput aggregates everything the provider needs to produce a completion.
type PromptInput struct {
	System   string            // system instructions
	Messages []PromptMessage   // ordered chat history (already windowed)
	Context  []string          // packed tool results or reference snippets
	Tools    []ToolSpec        // tool declarations available to the model
	Meta     map[string]string // lightweight metadata for tracing
}

// Options controls sampling, limits and tool preferences.
type Options struct {
	MaxNewTokens int
	Temperature  float32
	// ToolChoice: "auto" | "none" | specific tool name (if the provider supports it)
	ToolChoice string
	JSONMode   bool
	// TimeoutMs applies to the provider call only
	TimeoutMs int
}

// Usage captures token accounting for telemetry.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the provider's response. Either Text or ToolCalls is meaningful.
type Completion struct {
	Text      string
	ToolCalls []ToolCall // requested calls, Status pending
	Raw       any        // raw provider payload for debugging
	Usage     *Usage     // optional usage information
}

// Provider is the language model service.
type Provider interface {
	Complete(ctx context.Context, in PromptInput, opts Options) (Completion, error)
}
