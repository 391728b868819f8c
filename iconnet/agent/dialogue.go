package agent

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

// DefaultFallbackText is returned when the language model stays unavailable.
const DefaultFallbackText = "Sorry, I could not reach the language model service to answer your question. Please try again in a moment."

// ErrEmptyMessage rejects turns without user text.
var ErrEmptyMessage = errors.New("user message must not be empty")

// OutcomeKind distinguishes direct answers from tool requests.
type OutcomeKind string

const (
	OutcomeAnswer    OutcomeKind = "answer"
	OutcomeToolCalls OutcomeKind = "tool_calls"
)

// DialogueOutcome is the Dialogue Controller decision.
type DialogueOutcome struct {
	Kind     OutcomeKind
	Text     string
	Calls    []ports.ToolCall
	Fallback bool // Text is the apology after retries were exhausted
}

// DialogueController asks the language model to answer or request tools.
type DialogueController struct {
	llm          *llmInvoker
	builder      *PromptBuilder
	parser       *OutputParser
	specs        []ports.ToolSpec
	opts         ports.Options
	fallbackText string
	logger       zerolog.Logger
}

// NewDialogueController wires a controller over provider with the given tool catalogue.
func NewDialogueController(provider ports.Provider, builder *PromptBuilder, specs []ports.ToolSpec, policy RetryPolicy, opts ports.Options, logger zerolog.Logger) *DialogueController {
	if opts.ToolChoice == "" {
		opts.ToolChoice = "auto"
	}
	return &DialogueController{
		llm:          newLLMInvoker(provider, policy, logger),
		builder:      builder,
		parser:       NewOutputParser(),
		specs:        specs,
		opts:         opts,
		fallbackText: DefaultFallbackText,
		logger:       logger,
	}
}

// WithFallbackText overrides the apology text.
func (d *DialogueController) WithFallbackText(text string) *DialogueController {
	if text != "" {
		d.fallbackText = text
	}
	return d
}

// Decide appends the user message (or, on a retry, the guidance) to history, asks
// the model for a decision and appends that decision. A model outage becomes an
// apology answer; it is never returned as an error.
func (d *DialogueController) Decide(ctx context.Context, state *ports.ConversationState, latest string, guidance string) (DialogueOutcome, error) {
	return d.decide(ctx, state, latest, guidance, guidance != "")
}

// DecideWithCarriedGuidance is a first pass that still honors guidance left by
// the previous turn on the same topic. The user message is appended as usual.
func (d *DialogueController) DecideWithCarriedGuidance(ctx context.Context, state *ports.ConversationState, latest string, carried string) (DialogueOutcome, error) {
	return d.decide(ctx, state, latest, carried, false)
}

func (d *DialogueController) decide(ctx context.Context, state *ports.ConversationState, latest, guidance string, retry bool) (DialogueOutcome, error) {
	if latest == "" {
		return DialogueOutcome{}, ErrEmptyMessage
	}

	if retry {
		state.Append(ports.Turn{Role: ports.RoleSystem, Content: "Reflection guidance: " + guidance})
	} else {
		state.Append(ports.Turn{Role: ports.RoleUser, Content: latest})
	}

	prompt := d.builder.Dialogue(state, d.specs, guidance)
	completion, err := d.llm.complete(ctx, "dialogue", prompt, d.opts)
	if err != nil {
		d.logger.Error().Err(err).Str("thread_id", state.ThreadID).Msg("dialogue falling back to apology")
		outcome := DialogueOutcome{Kind: OutcomeAnswer, Text: d.fallbackText, Fallback: true}
		state.Append(ports.Turn{Role: ports.RoleAssistant, Content: outcome.Text})
		return outcome, nil
	}

	calls := completion.ToolCalls
	if len(calls) == 0 {
		calls = d.parser.ParseToolCalls(completion.Text)
	}

	if len(calls) == 0 {
		outcome := DialogueOutcome{Kind: OutcomeAnswer, Text: completion.Text}
		state.Append(ports.Turn{Role: ports.RoleAssistant, Content: completion.Text})
		return outcome, nil
	}

	requested := make([]ports.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.Status = ports.ToolPending
		c.Result = nil
		c.ErrorDetail = ""
		requested[i] = c
	}
	state.Append(ports.Turn{Role: ports.RoleAssistant, Content: completion.Text, ToolCalls: cloneCalls(requested)})
	return DialogueOutcome{Kind: OutcomeToolCalls, Text: completion.Text, Calls: requested}, nil
}

func cloneCalls(calls []ports.ToolCall) []ports.ToolCall {
	out := make([]ports.ToolCall, len(calls))
	copy(out, calls)
	return out
}
