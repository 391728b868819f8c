package agent

import (
	"context"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

// Turn states. The three end states are terminal.
const (
	StateIdle               = "idle"
	StateDialogue           = "dialogue"
	StateRoute              = "route"
	StateTools              = "tools"
	StateSynthesize         = "synthesize"
	StateQualityGate        = "quality_gate"
	StateReflect            = "reflect"
	StateEnd                = "end"
	StateEndNoTools         = "end_no_tools"
	StateEndAfterReflection = "end_after_reflection"
)

const (
	EventStart                 = "start"
	EventDecided               = "decided"
	EventToTools               = "to_tools"
	EventAnswer                = "answer"
	EventAnswerAfterReflection = "answer_after_reflection"
	EventReviewAnswer          = "review_answer"
	EventResolved              = "resolved"
	EventCandidate             = "candidate"
	EventAccept                = "accept"
	EventAcceptAfterReflection = "accept_after_reflection"
	EventInsufficient          = "insufficient"
	EventRetry                 = "retry"
	EventGiveUp                = "give_up"
)

// IsTerminalState reports whether state ends a turn.
func IsTerminalState(state string) bool {
	switch state {
	case StateEnd, StateEndNoTools, StateEndAfterReflection:
		return true
	}
	return false
}

type turnDeps interface {
	OnEnterDialogue(context.Context, *turnContext) transitionResult
	OnEnterRoute(context.Context, *turnContext) transitionResult
	OnEnterTools(context.Context, *turnContext) transitionResult
	OnEnterSynthesize(context.Context, *turnContext) transitionResult
	OnEnterQualityGate(context.Context, *turnContext) transitionResult
	OnEnterReflect(context.Context, *turnContext) transitionResult
	OnEnterTerminal(context.Context, *turnContext, string) transitionResult
}

type transitionResult struct {
	Event string
	Args  []any
	Err   error
}

func newTurnFSM(deps turnDeps, logger zerolog.Logger) *fsm.FSM {
	observer := &turnObserver{now: time.Now, logger: logger}
	return fsm.NewFSM(StateIdle, turnFSMEvents(), turnFSMCallbacks(observer, deps))
}

func turnFSMEvents() fsm.Events {
	return fsm.Events{
		{Name: EventStart, Src: []string{StateIdle}, Dst: StateDialogue},
		{Name: EventDecided, Src: []string{StateDialogue}, Dst: StateRoute},
		{Name: EventToTools, Src: []string{StateRoute}, Dst: StateTools},
		{Name: EventAnswer, Src: []string{StateRoute}, Dst: StateEndNoTools},
		{Name: EventAnswerAfterReflection, Src: []string{StateRoute}, Dst: StateEndAfterReflection},
		{Name: EventReviewAnswer, Src: []string{StateRoute}, Dst: StateQualityGate},
		{Name: EventResolved, Src: []string{StateTools}, Dst: StateSynthesize},
		{Name: EventCandidate, Src: []string{StateSynthesize}, Dst: StateQualityGate},
		{Name: EventAccept, Src: []string{StateQualityGate}, Dst: StateEnd},
		{Name: EventAcceptAfterReflection, Src: []string{StateQualityGate}, Dst: StateEndAfterReflection},
		{Name: EventInsufficient, Src: []string{StateQualityGate}, Dst: StateReflect},
		{Name: EventRetry, Src: []string{StateReflect}, Dst: StateDialogue},
		{Name: EventGiveUp, Src: []string{StateReflect}, Dst: StateEndAfterReflection},
	}
}

func turnFSMCallbacks(observer *turnObserver, deps turnDeps) fsm.Callbacks {
	callbacks := fsm.Callbacks{
		"before_event": func(_ context.Context, e *fsm.Event) { observer.BeforeEvent(e) },
		"after_event":  func(_ context.Context, e *fsm.Event) { observer.AfterEvent(e) },
	}
	callbacks["enter_"+StateDialogue] = makeEnterCallback(observer, deps, turnDeps.OnEnterDialogue)
	callbacks["enter_"+StateRoute] = makeEnterCallback(observer, deps, turnDeps.OnEnterRoute)
	callbacks["enter_"+StateTools] = makeEnterCallback(observer, deps, turnDeps.OnEnterTools)
	callbacks["enter_"+StateSynthesize] = makeEnterCallback(observer, deps, turnDeps.OnEnterSynthesize)
	callbacks["enter_"+StateQualityGate] = makeEnterCallback(observer, deps, turnDeps.OnEnterQualityGate)
	callbacks["enter_"+StateReflect] = makeEnterCallback(observer, deps, turnDeps.OnEnterReflect)
	for _, terminal := range []string{StateEnd, StateEndNoTools, StateEndAfterReflection} {
		state := terminal
		callbacks["enter_"+state] = makeEnterCallback(observer, deps, func(d turnDeps, ctx context.Context, tc *turnContext) transitionResult {
			return d.OnEnterTerminal(ctx, tc, state)
		})
	}
	return callbacks
}

func turnContextFromEvent(e *fsm.Event) *turnContext {
	if e != nil && len(e.Args) > 0 {
		if tc, ok := e.Args[0].(*turnContext); ok && tc != nil {
			return tc
		}
	}
	return &turnContext{}
}

// applyTransitionResult fires the follow-up event from inside an enter callback.
// looplab/fsm releases its event lock before enter callbacks run, so the nested
// call is allowed.
func applyTransitionResult(ctx context.Context, e *fsm.Event, result transitionResult) {
	tc := turnContextFromEvent(e)
	if result.Err != nil {
		tc.err = result.Err
		return
	}
	if result.Event == "" {
		return
	}
	args := append([]any{tc}, result.Args...)
	if err := e.FSM.Event(ctx, result.Event, args...); err != nil && tc.err == nil {
		tc.err = err
	}
}

type turnObserver struct {
	now    func() time.Time
	logger zerolog.Logger
}

func (o *turnObserver) BeforeEvent(e *fsm.Event) {
	tc := turnContextFromEvent(e)
	tc.eventStartedAt = o.now()
	o.logger.Debug().
		Str("thread_id", tc.threadID()).
		Str("event", e.Event).
		Str("from_state", e.Src).
		Str("to_state", e.Dst).
		Int("retry_count", tc.retryCount()).
		Msg("fsm transition start")
}

func (o *turnObserver) AfterEvent(e *fsm.Event) {
	tc := turnContextFromEvent(e)
	event := o.logger.Debug().
		Str("thread_id", tc.threadID()).
		Str("event", e.Event).
		Str("from_state", e.Src).
		Str("to_state", e.Dst)
	if !tc.eventStartedAt.IsZero() {
		event = event.Dur("duration", o.now().Sub(tc.eventStartedAt))
	}
	if tc.err != nil {
		event = event.Err(tc.err)
	}
	event.Msg("fsm transition complete")
}

func (o *turnObserver) EnterState(e *fsm.Event, tc *turnContext) {
	tc.visited = append(tc.visited, e.Dst)
	o.logger.Debug().
		Str("thread_id", tc.threadID()).
		Str("state", e.Dst).
		Str("event", e.Event).
		Int("retry_count", tc.retryCount()).
		Msg("fsm state entered")
}

func makeEnterCallback(
	observer *turnObserver,
	deps turnDeps,
	handler func(turnDeps, context.Context, *turnContext) transitionResult,
) fsm.Callback {
	return func(cbCtx context.Context, e *fsm.Event) {
		tc := turnContextFromEvent(e)
		observer.EnterState(e, tc)
		if deps == nil {
			return
		}
		applyTransitionResult(cbCtx, e, handler(deps, tc.callContext(), tc))
	}
}
