package domain

// Agent identifies the conversational role currently driving a session.
type Agent string

const (
	AgentGreeter     Agent = "greeter"
	AgentInterviewer Agent = "interviewer"
	AgentReviewer    Agent = "reviewer"
	AgentFallback    Agent = "fallback"

	// ActorEngine marks log entries written by the engine itself. It is
	// never a valid current agent.
	ActorEngine Agent = "engine"
)

var handoffs = map[Agent][]Agent{
	AgentGreeter:     {AgentInterviewer, AgentFallback},
	AgentInterviewer: {AgentReviewer, AgentFallback},
	AgentReviewer:    {AgentInterviewer, AgentFallback},
	AgentFallback:    {AgentReviewer},
}

// Valid reports whether a is one of the conversational agents.
func (a Agent) Valid() bool {
	_, ok := handoffs[a]
	return ok
}

// ParseAgent converts s to an Agent, rejecting unknown names.
func ParseAgent(s string) (Agent, error) {
	a := Agent(s)
	if !a.Valid() {
		return "", Errorf(KindInvalid, "agent.parse", "unknown agent %q", s)
	}
	return a, nil
}

// CanHandoff reports whether control may pass from one agent to another.
// Handing off to the current agent is always allowed and has no effect.
func CanHandoff(from, to Agent) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range handoffs[from] {
		if next == to {
			return true
		}
	}
	return false
}

// HandoffTargets lists the agents reachable from a.
func HandoffTargets(a Agent) []Agent {
	out := make([]Agent, len(handoffs[a]))
	copy(out, handoffs[a])
	return out
}

func (a Agent) String() string { return string(a) }

