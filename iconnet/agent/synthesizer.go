package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

// Synthesizer merges resolved tool calls into a candidate answer.
type Synthesizer struct {
	llm       *llmInvoker
	builder   *PromptBuilder
	assembler *ContextAssembler
	opts      ports.Options
	metrics   *Metrics
	logger    zerolog.Logger
}

// NewSynthesizer creates a synthesizer. Synthesis is a single attempt; its
// fallback is a deterministic digest of the tool results.
func NewSynthesizer(provider ports.Provider, builder *PromptBuilder, assembler *ContextAssembler, opts ports.Options, metrics *Metrics, logger zerolog.Logger) *Synthesizer {
	return &Synthesizer{
		llm:       newLLMInvoker(provider, RetryPolicy{Attempts: 1}, logger),
		builder:   builder,
		assembler: assembler,
		opts:      opts,
		metrics:   metrics,
		logger:    logger,
	}
}

// Synthesize returns narrative text for the successful calls followed by one
// degradation note per failed or timed-out call.
func (s *Synthesizer) Synthesize(ctx context.Context, state *ports.ConversationState, resolved []ports.ToolCall) string {
	notes := DegradationNotes(resolved)

	snippets := make([]Snippet, 0, len(resolved))
	for i, c := range resolved {
		if !c.Succeeded() {
			continue
		}
		snippets = append(snippets, Snippet{
			Text:   fmt.Sprintf("[%s] %s", toolLabel(c.Name), string(c.Result)),
			Score:  float32(len(resolved) - i),
			Source: string(c.Name),
		})
	}

	var body string
	switch {
	case len(snippets) == 0:
		body = "I was not able to gather the information needed to answer this."
	default:
		packed := s.assembler.Pack(snippets, nil)
		completion, err := s.llm.complete(ctx, "synthesis", s.builder.Synthesis(state, packed), s.opts)
		if err != nil || strings.TrimSpace(completion.Text) == "" {
			s.metrics.IncLLMFallback("synthesis")
			s.logger.Warn().Err(err).Str("thread_id", state.ThreadID).Msg("synthesis falling back to tool digest")
			body = digest(packed)
		} else {
			body = strings.TrimSpace(completion.Text)
		}
	}

	if len(notes) == 0 {
		return body
	}
	return body + "\n\n" + strings.Join(notes, "\n")
}

// DegradationNotes lists the capabilities that could not be completed, in
// request order.
func DegradationNotes(resolved []ports.ToolCall) []string {
	var notes []string
	for _, c := range resolved {
		switch c.Status {
		case ports.ToolFailed:
			notes = append(notes, fmt.Sprintf("Note: the %s could not be completed (%s).", toolLabel(c.Name), c.ErrorDetail))
		case ports.ToolTimedOut:
			notes = append(notes, fmt.Sprintf("Note: the %s could not be completed because it timed out.", toolLabel(c.Name)))
		}
	}
	return notes
}

func digest(packed []string) string {
	var b strings.Builder
	b.WriteString("Here is what the tools returned:")
	for _, p := range packed {
		b.WriteString("\n- ")
		b.WriteString(p)
	}
	return b.String()
}
