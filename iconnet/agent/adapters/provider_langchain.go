package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
	"github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/config"
)

// ErrEmptyResponse is returned when the model produced no choices.
var ErrEmptyResponse = errors.New("empty response from language model")

// LangChainProvider implements the Provider port over any langchaingo model.
type LangChainProvider struct {
	model llms.Model
}

// NewLangChainProvider wraps model.
func NewLangChainProvider(model llms.Model) *LangChainProvider {
	return &LangChainProvider{model: model}
}

// NewLanguageModel builds the langchaingo model selected by cfg.Provider.
func NewLanguageModel(ctx context.Context, cfg config.LLMConfig) (llms.Model, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		opts := []openai.Option{openai.WithModel(cfg.Model)}
		if cfg.APIKey != "" {
			opts = append(opts, openai.WithToken(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		if cfg.EmbeddingModel != "" {
			opts = append(opts, openai.WithEmbeddingModel(cfg.EmbeddingModel))
		}
		return openai.New(opts...)
	case "googleai", "gemini":
		opts := []googleai.Option{googleai.WithDefaultModel(cfg.Model)}
		if cfg.APIKey != "" {
			opts = append(opts, googleai.WithAPIKey(cfg.APIKey))
		}
		if cfg.EmbeddingModel != "" {
			opts = append(opts, googleai.WithDefaultEmbeddingModel(cfg.EmbeddingModel))
		}
		return googleai.New(ctx, opts...)
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		return ollama.New(opts...)
	case "anthropic":
		opts := []anthropic.Option{anthropic.WithModel(cfg.Model)}
		if cfg.APIKey != "" {
			opts = append(opts, anthropic.WithToken(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(opts...)
	}
	return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
}

// Complete sends one chat request. Context snippets are appended to the system
// message; tools are declared as functions unless ToolChoice is "none".
func (p *LangChainProvider) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	if opts.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	resp, err := p.model.GenerateContent(ctx, convertMessages(in), buildCallOptions(in, opts)...)
	if err != nil {
		return ports.Completion{}, err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return ports.Completion{}, ErrEmptyResponse
	}

	choice := resp.Choices[0]
	out := ports.Completion{Text: choice.Content, Raw: resp, Usage: usageFrom(choice.GenerationInfo)}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		out.ToolCalls = append(out.ToolCalls, ports.ToolCall{
			ID:        tc.ID,
			Name:      ports.ToolName(tc.FunctionCall.Name),
			Arguments: json.RawMessage(tc.FunctionCall.Arguments),
			Status:    ports.ToolPending,
		})
	}
	return out, nil
}

func convertMessages(in ports.PromptInput) []llms.MessageContent {
	messages := make([]llms.MessageContent, 0, len(in.Messages)+1)
	system := in.System
	if len(in.Context) > 0 {
		system += "\n\nContext:\n" + strings.Join(in.Context, "\n\n")
	}
	if system != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	for _, m := range in.Messages {
		messages = append(messages, llms.TextParts(mapRole(m.Role), m.Content))
	}
	return messages
}

func mapRole(role string) llms.ChatMessageType {
	switch role {
	case ports.RoleSystem:
		return llms.ChatMessageTypeSystem
	case ports.RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

func buildCallOptions(in ports.PromptInput, opts ports.Options) []llms.CallOption {
	var options []llms.CallOption
	if opts.Temperature > 0 {
		options = append(options, llms.WithTemperature(float64(opts.Temperature)))
	}
	if opts.MaxNewTokens > 0 {
		options = append(options, llms.WithMaxTokens(opts.MaxNewTokens))
	}
	if len(in.Tools) > 0 && opts.ToolChoice != "none" {
		options = append(options, llms.WithTools(convertTools(in.Tools)))
		if opts.ToolChoice != "" {
			options = append(options, llms.WithToolChoice(opts.ToolChoice))
		}
	}
	if opts.JSONMode && len(in.Tools) == 0 {
		options = append(options, llms.WithJSONMode())
	}
	return options
}

func convertTools(specs []ports.ToolSpec) []llms.Tool {
	tools := make([]llms.Tool, 0, len(specs))
	for _, s := range specs {
		var params map[string]any
		if len(s.JSONSchema) > 0 {
			if err := json.Unmarshal(s.JSONSchema, &params); err != nil {
				params = nil
			}
		}
		tools = append(tools, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        string(s.Name),
				Description: s.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

// usageFrom reads token counts from the provider specific generation info.
func usageFrom(info map[string]any) *ports.Usage {
	if len(info) == 0 {
		return nil
	}
	u := &ports.Usage{
		PromptTokens:     intFrom(info, "PromptTokens", "input_tokens", "InputTokens"),
		CompletionTokens: intFrom(info, "CompletionTokens", "output_tokens", "OutputTokens"),
		TotalTokens:      intFrom(info, "TotalTokens", "total_tokens"),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	if u.TotalTokens == 0 {
		return nil
	}
	return u
}

func intFrom(info map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}

// Embedder adapts a langchaingo embedder to the Embedder port.
type Embedder struct {
	impl embeddings.Embedder
}

// NewEmbedder builds query embeddings on top of a model that can create them.
func NewEmbedder(client embeddings.EmbedderClient) (*Embedder, error) {
	impl, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("construct embedder: %w", err)
	}
	return &Embedder{impl: impl}, nil
}

// EmbedQuery embeds a single search query.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.impl.EmbedQuery(ctx, text)
}

var (
	_ ports.Provider = (*LangChainProvider)(nil)
	_ ports.Embedder = (*Embedder)(nil)
)
