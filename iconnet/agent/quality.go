package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

// Rubric findings.
const (
	ReasonToolUnused       = "tool result unused"
	ReasonTopicDrift       = "answer does not address the latest user message"
	ReasonFailureNotStated = "tool failure not acknowledged"
)

// acknowledgementPhrases count as admitting that a capability failed.
var acknowledgementPhrases = []string{
	"could not", "couldn't", "unable", "unavailable", "failed", "timed out", "not available",
	"tidak dapat", "tidak bisa", "gagal", "tidak tersedia",
}

// QualityVerdict is the Quality Gate result. Sufficient=false always carries at
// least one reason.
type QualityVerdict struct {
	Sufficient bool     `json:"sufficient"`
	Reasons    []string `json:"reasons,omitempty"`
	Degraded   bool     `json:"degraded,omitempty"` // evaluator failed, verdict defaulted
}

type judgeResponse struct {
	OnTopic *bool  `json:"on_topic"`
	Reason  string `json:"reason"`
}

// QualityGate scores a candidate answer against the rubric.
type QualityGate struct {
	llm     *llmInvoker
	builder *PromptBuilder
	parser  *OutputParser
	metrics *Metrics
	logger  zerolog.Logger
}

// NewQualityGate creates a gate whose topic check uses provider as judge.
func NewQualityGate(provider ports.Provider, builder *PromptBuilder, policy RetryPolicy, metrics *Metrics, logger zerolog.Logger) *QualityGate {
	return &QualityGate{
		llm:     newLLMInvoker(provider, policy, logger),
		builder: builder,
		parser:  NewOutputParser(),
		metrics: metrics,
		logger:  logger,
	}
}

// Evaluate applies the three checks. Checks 1 and 3 are lexical; check 2 asks the
// judge. If the judge cannot be consulted the verdict is sufficient.
func (q *QualityGate) Evaluate(ctx context.Context, candidate string, state *ports.ConversationState, resolved []ports.ToolCall) QualityVerdict {
	lower := strings.ToLower(candidate)
	var reasons []string

	// 1. every successful tool is referenced
	seen := make(map[ports.ToolName]bool)
	for _, c := range resolved {
		if !c.Succeeded() || seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		if !referencesTool(lower, c.Name) {
			reasons = append(reasons, fmt.Sprintf("%s: %s", ReasonToolUnused, toolLabel(c.Name)))
		}
	}

	// 2. no topic drift
	onTopic, why, err := q.judge(ctx, state.LastUserMessage(), candidate)
	if err != nil {
		q.metrics.IncLLMFallback("quality_gate")
		q.logger.Warn().Err(err).Str("thread_id", state.ThreadID).Msg("quality evaluator unavailable, accepting candidate")
		return QualityVerdict{Sufficient: true, Degraded: true}
	}
	if !onTopic {
		reason := ReasonTopicDrift
		if why != "" {
			reason += ": " + why
		}
		reasons = append(reasons, reason)
	}

	// 3. failures are acknowledged
	for _, c := range resolved {
		if c.Status == ports.ToolFailed || c.Status == ports.ToolTimedOut {
			if !acknowledgesFailure(lower) {
				reasons = append(reasons, fmt.Sprintf("%s: %s", ReasonFailureNotStated, toolLabel(c.Name)))
			}
			break
		}
	}

	return QualityVerdict{Sufficient: len(reasons) == 0, Reasons: reasons}
}

func (q *QualityGate) judge(ctx context.Context, question, candidate string) (bool, string, error) {
	completion, err := q.llm.complete(ctx, "quality_gate", q.builder.Judge(question, candidate), ports.Options{
		MaxNewTokens: 128,
		ToolChoice:   "none",
		JSONMode:     true,
	})
	if err != nil {
		return false, "", err
	}
	raw, err := q.parser.ParseJSONOutput(completion.Text)
	if err != nil {
		return false, "", fmt.Errorf("parse judge output: %w", err)
	}
	var resp judgeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false, "", fmt.Errorf("decode judge output: %w", err)
	}
	if resp.OnTopic == nil {
		return false, "", fmt.Errorf("judge output missing on_topic")
	}
	return *resp.OnTopic, strings.TrimSpace(resp.Reason), nil
}

func referencesTool(lowerText string, name ports.ToolName) bool {
	if strings.Contains(lowerText, string(name)) || strings.Contains(lowerText, toolLabel(name)) {
		return true
	}
	for _, term := range toolReferenceTerms[name] {
		if strings.Contains(lowerText, term) {
			return true
		}
	}
	return false
}

func acknowledgesFailure(lowerText string) bool {
	for _, p := range acknowledgementPhrases {
		if strings.Contains(lowerText, p) {
			return true
		}
	}
	return false
}
