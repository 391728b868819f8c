package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

// ErrEmptyThreadID rejects turns without a thread id.
var ErrEmptyThreadID = errors.New("thread id must not be empty")

const (
	emptyAnswerText   = "I could not produce an answer for this message. Could you rephrase it?"
	checkpointTimeout = 10 * time.Second
	toolSummaryLimit  = 600
)

// Policy holds the live-tunable turn limits.
type Policy struct {
	MaxRetries int           // reflection re-entries per turn
	TurnBudget time.Duration // wall-clock budget for tool execution, 0 disables it
}

// DefaultPolicy returns two retries and a 90s budget.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 2, TurnBudget: 90 * time.Second}
}

// TurnResult is what a caller gets back for one user message.
type TurnResult struct {
	FinalText     string           `json:"final_text"`
	TerminalState string           `json:"terminal_state"`
	RetryCount    int              `json:"retry_count"`
	Degraded      bool             `json:"degraded"`
	ToolCalls     []ports.ToolCall `json:"tool_calls,omitempty"`
}

// Components are the collaborators of an Orchestrator. Tracer, Guardrails,
// Reflection and Classifier default when nil.
type Components struct {
	Store      ports.SessionStore
	Dialogue   *DialogueController
	Dispatcher *Dispatcher
	Synthesis  *Synthesizer
	Quality    *QualityGate
	Reflection *ReflectionController
	Classifier *IntentClassifier
	Guardrails *Guardrails
	Tracer     ports.Tracer
	Metrics    *Metrics
}

// Orchestrator runs one user turn through the explicit state machine and
// checkpoints the thread at the terminal state.
type Orchestrator struct {
	store      ports.SessionStore
	dialogue   *DialogueController
	dispatcher *Dispatcher
	synth      *Synthesizer
	gate       *QualityGate
	reflection *ReflectionController
	classifier *IntentClassifier
	guardrails *Guardrails
	tracer     ports.Tracer
	metrics    *Metrics
	logger     zerolog.Logger
	locks      *threadLocks
	now        func() time.Time

	maxRetries atomic.Int64
	turnBudget atomic.Int64
}

// NewOrchestrator wires the components.
func NewOrchestrator(c Components, policy Policy, logger zerolog.Logger) *Orchestrator {
	if c.Reflection == nil {
		c.Reflection = NewReflectionController()
	}
	if c.Classifier == nil {
		c.Classifier = defaultClassifier
	}
	if c.Guardrails == nil {
		c.Guardrails = NewGuardrails()
	}
	if c.Tracer == nil {
		c.Tracer = noopTracer{}
	}
	o := &Orchestrator{
		store:      c.Store,
		dialogue:   c.Dialogue,
		dispatcher: c.Dispatcher,
		synth:      c.Synthesis,
		gate:       c.Quality,
		reflection: c.Reflection,
		classifier: c.Classifier,
		guardrails: c.Guardrails,
		tracer:     c.Tracer,
		metrics:    c.Metrics,
		logger:     logger,
		locks:      newThreadLocks(),
		now:        time.Now,
	}
	o.SetPolicy(policy)
	return o
}

// SetPolicy swaps the limits used by turns that start afterwards.
func (o *Orchestrator) SetPolicy(p Policy) {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	o.maxRetries.Store(int64(p.MaxRetries))
	o.turnBudget.Store(int64(p.TurnBudget))
}

// Policy returns the current limits.
func (o *Orchestrator) Policy() Policy {
	return Policy{MaxRetries: int(o.maxRetries.Load()), TurnBudget: time.Duration(o.turnBudget.Load())}
}

// Thread returns the stored state of threadID.
func (o *Orchestrator) Thread(ctx context.Context, threadID string) (*ports.ConversationState, bool, error) {
	state, ok, err := o.store.Get(ctx, threadID)
	if err != nil {
		return nil, false, &SessionStoreError{Op: "get", ThreadID: threadID, Err: err}
	}
	return state, ok, nil
}

// ProcessTurn handles one user message. Turns on the same thread are
// serialized. Only session store failures and invalid input are returned as
// errors; every other failure degrades into the answer text.
func (o *Orchestrator) ProcessTurn(ctx context.Context, threadID, message string, userContext ports.UserContext) (*TurnResult, error) {
	threadID = strings.TrimSpace(threadID)
	message = strings.TrimSpace(message)
	if threadID == "" {
		return nil, ErrEmptyThreadID
	}
	if message == "" {
		return nil, ErrEmptyMessage
	}

	unlock := o.locks.lock(threadID)
	defer unlock()

	start := o.now()
	ctx, finish := o.tracer.StartSpan(ctx, "agent.process_turn", map[string]any{"thread_id": threadID})

	state, found, err := o.store.Get(ctx, threadID)
	if err != nil {
		serr := &SessionStoreError{Op: "get", ThreadID: threadID, Err: err}
		finish(serr)
		return nil, serr
	}
	if !found || state == nil {
		state = ports.NewConversationState(threadID)
	}
	state.ThreadID = threadID
	if userContext != (ports.UserContext{}) {
		state.UserContext = userContext
	}
	state.RetryCount = 0

	policy := o.Policy()
	signature := ContextSignature(o.classifier.Classify(message))
	changed := ContextChanged(state.LastContextSignature, signature)
	carried := ""
	if !changed {
		carried = state.PendingGuidance
	}
	state.PendingGuidance = ""

	tc := &turnContext{
		ctx:            ctx,
		state:          state,
		message:        message,
		carried:        carried,
		contextChanged: changed,
		maxRetries:     policy.MaxRetries,
	}
	if policy.TurnBudget > 0 {
		tc.deadline = start.Add(policy.TurnBudget)
	}

	machine := newTurnFSM(o, o.logger)
	if err := machine.Event(context.WithoutCancel(ctx), EventStart, tc); err != nil && tc.err == nil {
		tc.err = err
	}
	if !IsTerminalState(machine.Current()) {
		o.logger.Error().Err(tc.err).Str("thread_id", threadID).Str("state", machine.Current()).Msg("turn stopped outside a terminal state")
		tc.finalText = DefaultFallbackText
		tc.degraded = true
		terminal := StateEndNoTools
		if state.RetryCount > 0 || tc.hasBest {
			terminal = StateEndAfterReflection
		}
		o.OnEnterTerminal(ctx, tc, terminal)
	}

	state.LastContextSignature = signature
	state.PendingGuidance = tc.pendingGuidance
	state.UpdatedAt = o.now().UTC()

	putCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkpointTimeout)
	defer cancel()
	if err := o.store.Put(putCtx, threadID, state); err != nil {
		serr := &SessionStoreError{Op: "put", ThreadID: threadID, Err: err}
		finish(serr)
		return nil, serr
	}

	elapsed := o.now().Sub(start)
	o.metrics.ObserveTurn(tc.terminal, elapsed)
	o.logger.Info().
		Str("thread_id", threadID).
		Str("terminal_state", tc.terminal).
		Int("retry_count", state.RetryCount).
		Bool("degraded", tc.degraded).
		Bool("context_changed", changed).
		Int("tool_calls", len(tc.toolCalls)).
		Dur("duration", elapsed).
		Msg("turn completed")
	finish(nil)

	return &TurnResult{
		FinalText:     tc.finalText,
		TerminalState: tc.terminal,
		RetryCount:    state.RetryCount,
		Degraded:      tc.degraded,
		ToolCalls:     tc.toolCalls,
	}, nil
}

func (o *Orchestrator) OnEnterDialogue(ctx context.Context, tc *turnContext) transitionResult {
	ctx, finish := o.tracer.StartSpan(ctx, "agent.dialogue", map[string]any{"retry_count": tc.state.RetryCount})
	var (
		outcome DialogueOutcome
		err     error
	)
	switch {
	case tc.passes == 0 && tc.carried != "":
		outcome, err = o.dialogue.DecideWithCarriedGuidance(ctx, tc.state, tc.message, tc.carried)
	case tc.passes == 0:
		outcome, err = o.dialogue.Decide(ctx, tc.state, tc.message, "")
	default:
		outcome, err = o.dialogue.Decide(ctx, tc.state, tc.message, tc.guidance)
	}
	tc.passes++
	finish(err)
	if err != nil {
		return transitionResult{Err: fmt.Errorf("dialogue: %w", err)}
	}
	if outcome.Fallback {
		o.metrics.IncLLMFallback("dialogue")
	}
	tc.outcome = outcome
	return transitionResult{Event: EventDecided}
}

func (o *Orchestrator) OnEnterRoute(ctx context.Context, tc *turnContext) transitionResult {
	route := RouteOutcome(tc.outcome)
	o.tracer.Event(ctx, "route", map[string]any{"route": string(route), "calls": len(tc.outcome.Calls)})
	if route == RouteTools {
		return transitionResult{Event: EventToTools}
	}

	tc.answerInHistory = true
	tc.finalText = tc.outcome.Text
	if tc.outcome.Fallback {
		tc.degraded = true
		if tc.hasBest {
			tc.finalText = tc.bestText
		}
	}
	if tc.state.RetryCount == 0 {
		return transitionResult{Event: EventAnswer}
	}
	if tc.outcome.Fallback {
		return transitionResult{Event: EventAnswerAfterReflection}
	}
	// a retry pass answered without tools still has to pass the rubric
	tc.candidate = tc.outcome.Text
	tc.resolved = nil
	return transitionResult{Event: EventReviewAnswer}
}

func (o *Orchestrator) OnEnterTools(ctx context.Context, tc *turnContext) transitionResult {
	ctx, finish := o.tracer.StartSpan(ctx, "agent.tools", map[string]any{"calls": len(tc.outcome.Calls)})
	resolved := o.dispatcher.Dispatch(ctx, tc.outcome.Calls, tc.deadline)
	finish(nil)

	tc.resolved = resolved
	tc.toolCalls = append(tc.toolCalls, resolved...)
	tc.state.Append(ports.Turn{
		Role:      ports.RoleTool,
		Content:   summarizeToolCalls(resolved),
		ToolCalls: cloneCalls(resolved),
	})
	return transitionResult{Event: EventResolved}
}

func (o *Orchestrator) OnEnterSynthesize(ctx context.Context, tc *turnContext) transitionResult {
	ctx, finish := o.tracer.StartSpan(ctx, "agent.synthesize", nil)
	tc.candidate = o.synth.Synthesize(ctx, tc.state, tc.resolved)
	finish(nil)
	return transitionResult{Event: EventCandidate}
}

func (o *Orchestrator) OnEnterQualityGate(ctx context.Context, tc *turnContext) transitionResult {
	ctx, finish := o.tracer.StartSpan(ctx, "agent.quality_gate", nil)
	verdict := o.gate.Evaluate(ctx, tc.candidate, tc.state, tc.resolved)
	finish(nil)

	tc.verdict = verdict
	tc.consider(tc.candidate, len(verdict.Reasons))
	if !verdict.Sufficient {
		return transitionResult{Event: EventInsufficient}
	}
	tc.finalText = tc.candidate
	if tc.state.RetryCount > 0 {
		return transitionResult{Event: EventAcceptAfterReflection}
	}
	return transitionResult{Event: EventAccept}
}

func (o *Orchestrator) OnEnterReflect(ctx context.Context, tc *turnContext) transitionResult {
	decision := o.reflection.Decide(ReflectionInput{
		Verdict:        tc.verdict,
		RetryCount:     tc.state.RetryCount,
		MaxRetries:     tc.maxRetries,
		ContextChanged: tc.contextChanged,
		BudgetElapsed:  !tc.deadline.IsZero() && !o.now().Before(tc.deadline),
	})
	o.tracer.Event(ctx, "reflection", map[string]any{
		"action":      string(decision.Action),
		"reason":      decision.Reason,
		"retry_count": tc.state.RetryCount,
		"reasons":     tc.verdict.Reasons,
	})

	if decision.Action == ReflectRetry {
		tc.state.RetryCount++
		tc.guidance = decision.Guidance
		o.metrics.IncReflectionRetry()
		return transitionResult{Event: EventRetry}
	}

	tc.finalText = tc.bestText
	tc.degraded = decision.Degraded
	tc.pendingGuidance = BuildGuidance(tc.verdict.Reasons)
	return transitionResult{Event: EventGiveUp}
}

// OnEnterTerminal sanitizes the final text and records it in history.
func (o *Orchestrator) OnEnterTerminal(_ context.Context, tc *turnContext, state string) transitionResult {
	tc.terminal = state
	text := strings.TrimSpace(o.guardrails.SanitizeOutput(tc.finalText))
	if text == "" {
		text = emptyAnswerText
	}
	tc.finalText = text

	if tc.answerInHistory {
		for i := len(tc.state.History) - 1; i >= 0; i-- {
			if tc.state.History[i].Role == ports.RoleAssistant {
				tc.state.History[i].Content = text
				break
			}
		}
	} else {
		tc.state.Append(ports.Turn{Role: ports.RoleAssistant, Content: text})
	}
	return transitionResult{}
}

func summarizeToolCalls(calls []ports.ToolCall) string {
	var b strings.Builder
	for i, c := range calls {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s [%s]: ", c.Name, c.Status)
		if c.Succeeded() {
			b.WriteString(truncateRunes(string(c.Result), toolSummaryLimit))
		} else {
			b.WriteString(c.ErrorDetail)
		}
	}
	return b.String()
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}

// turnContext is the mutable state of one turn as it moves through the FSM.
type turnContext struct {
	ctx            context.Context
	state          *ports.ConversationState
	message        string
	carried        string
	guidance       string
	contextChanged bool
	maxRetries     int
	deadline       time.Time
	passes         int

	outcome   DialogueOutcome
	resolved  []ports.ToolCall
	toolCalls []ports.ToolCall
	candidate string
	verdict   QualityVerdict

	hasBest     bool
	bestText    string
	bestReasons int

	answerInHistory bool
	finalText       string
	terminal        string
	degraded        bool
	pendingGuidance string

	visited        []string
	err            error
	eventStartedAt time.Time
}

// consider keeps the candidate with the fewest rubric failures, the latest on ties.
func (tc *turnContext) consider(text string, reasons int) {
	if !tc.hasBest || reasons <= tc.bestReasons {
		tc.hasBest = true
		tc.bestText = text
		tc.bestReasons = reasons
	}
}

func (tc *turnContext) callContext() context.Context {
	if tc.ctx != nil {
		return tc.ctx
	}
	return context.Background()
}

func (tc *turnContext) threadID() string {
	if tc.state == nil {
		return ""
	}
	return tc.state.ThreadID
}

func (tc *turnContext) retryCount() int {
	if tc.state == nil {
		return 0
	}
	return tc.state.RetryCount
}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, _ string, _ map[string]any) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (noopTracer) Event(context.Context, string, map[string]any) {}

var _ turnDeps = (*Orchestrator)(nil)
