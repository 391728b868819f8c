package agent

// Route is the Router decision.
type Route string

const (
	RouteTools Route = "to_tools"
	RouteEnd   Route = "to_end"
)

// RouteOutcome sends tool requests to the dispatcher and everything else to the end.
func RouteOutcome(outcome DialogueOutcome) Route {
	if outcome.Kind == OutcomeToolCalls && len(outcome.Calls) > 0 {
		return RouteTools
	}
	return RouteEnd
}
