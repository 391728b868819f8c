package agent

import (
	"fmt"
	"strings"
)

// ReflectionAction is the Reflection Controller decision.
type ReflectionAction string

const (
	ReflectRetry     ReflectionAction = "retry"
	ReflectTerminate ReflectionAction = "terminate"
)

// ReflectionInput is everything the controller looks at.
type ReflectionInput struct {
	Verdict        QualityVerdict
	RetryCount     int
	MaxRetries     int
	ContextChanged bool
	BudgetElapsed  bool
}

// ReflectionDecision says whether to re-enter the pipeline. Degraded marks a
// termination with an answer that did not pass the gate.
type ReflectionDecision struct {
	Action   ReflectionAction
	Guidance string
	Degraded bool
	Reason   string
}

// ReflectionController decides between a retry and a final answer.
type ReflectionController struct{}

// NewReflectionController returns a controller.
func NewReflectionController() *ReflectionController {
	return &ReflectionController{}
}

// Decide applies the retry rules. A sufficient verdict always terminates
// normally; an insufficient one retries only while budget remains and the topic
// is unchanged.
func (r *ReflectionController) Decide(in ReflectionInput) ReflectionDecision {
	if in.Verdict.Sufficient {
		return ReflectionDecision{Action: ReflectTerminate, Reason: "sufficient"}
	}
	switch {
	case in.ContextChanged:
		return ReflectionDecision{Action: ReflectTerminate, Degraded: true, Reason: "context_changed"}
	case in.RetryCount >= in.MaxRetries:
		return ReflectionDecision{Action: ReflectTerminate, Degraded: true, Reason: "max_retries"}
	case in.BudgetElapsed:
		return ReflectionDecision{Action: ReflectTerminate, Degraded: true, Reason: "turn_budget"}
	}
	return ReflectionDecision{Action: ReflectRetry, Guidance: BuildGuidance(in.Verdict.Reasons), Reason: "insufficient"}
}

// BuildGuidance turns rubric reasons into corrective instructions for the
// Dialogue Controller.
func BuildGuidance(reasons []string) string {
	if len(reasons) == 0 {
		return ""
	}
	var b strings.Builder
	for i, reason := range reasons {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s", instructionFor(reason))
	}
	return b.String()
}

func instructionFor(reason string) string {
	switch {
	case strings.HasPrefix(reason, ReasonToolUnused):
		return reason + ". Use that result explicitly and say where it came from."
	case strings.HasPrefix(reason, ReasonTopicDrift):
		return reason + ". Answer exactly what the user asked in their latest message."
	case strings.HasPrefix(reason, ReasonFailureNotStated):
		return reason + ". State clearly which part could not be completed."
	}
	return reason
}
