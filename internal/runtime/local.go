package runtime

import (
	"context"
	"fmt"
	"strings"

	gojson "github.com/goccy/go-json"

	"github.com/marromugi/gch4-sub003/internal/assembler"
	"github.com/marromugi/gch4-sub003/internal/domain"
)

// Local is a deterministic rule-based runtime. It walks the todo list in
// order, asking one fact per turn and accepting any non-trivial answer.
// It is used for local runs and demos when no agent runtime is deployed.
type Local struct {
	// MinAnswerLen is the shortest answer accepted as satisfying a fact.
	MinAnswerLen int
}

func (l *Local) Name() string { return "local" }

func (l *Local) Run(_ context.Context, c *assembler.Context) (*Response, error) {
	agent := c.Session.CurrentAgent
	resp := &Response{}
	call := func(as domain.Agent, name string, args any) {
		b, _ := gojson.Marshal(args)
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{Agent: as, Name: name, Args: b})
	}

	if agent == domain.AgentGreeter {
		name := "there"
		if c.Application != nil && c.Application.CandidateName != "" {
			name = c.Application.CandidateName
		}
		call(agent, domain.ToolAgentHandoff, map[string]any{"to": domain.AgentInterviewer})
		resp.Message.Content = fmt.Sprintf("Hello %s! I have a few questions for you.", name)
		if !c.Session.BootstrapCompleted {
			return resp, nil
		}
		agent = domain.AgentInterviewer
	}

	if c.ShouldFallback || agent == domain.AgentFallback {
		resp.Message.Content = "Let's finish the remaining questions in the form instead."
		return resp, nil
	}

	status := make(map[string]domain.TodoStatus, len(c.Todos))
	for _, t := range c.Todos {
		status[t.ID] = t.Status
	}

	var feedback string
	answer := lastUserMessage(c.History)
	for _, t := range c.Todos {
		if t.Status != domain.TodoAwaitingAnswer {
			continue
		}
		call(agent, domain.ToolTodoAnswer, map[string]any{"todoId": t.ID, "candidate": answer})
		ok := len(strings.TrimSpace(answer)) >= max(l.MinAnswerLen, 1)
		call(agent, domain.ToolTodoValidate, map[string]any{"todoId": t.ID, "satisfied": ok, "value": answer})
		if ok {
			status[t.ID] = domain.TodoDone
		} else {
			status[t.ID] = domain.TodoNeedsClarification
			feedback = "I didn't quite catch that. "
		}
		resp.Message.TargetFieldID = t.FieldID
		break
	}

	for _, t := range c.Todos {
		s := status[t.ID]
		if s != domain.TodoPending && s != domain.TodoNeedsClarification {
			continue
		}
		call(agent, domain.ToolTodoAsk, map[string]any{"todoId": t.ID})
		q := feedback + "Could you tell me: " + t.Fact + "?"
		if t.QuestioningHints != "" {
			q += " (" + t.QuestioningHints + ")"
		}
		resp.Message.Content = q
		resp.Message.TargetFieldID = t.FieldID
		return resp, nil
	}

	if agent == domain.AgentInterviewer {
		call(agent, domain.ToolAgentHandoff, map[string]any{"to": domain.AgentReviewer})
	}
	resp.Message.Content = "Thanks, that's everything I need."
	resp.IsComplete = true
	return resp, nil
}

func lastUserMessage(history []assembler.Turn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == domain.RoleUser {
			return history[i].Content
		}
	}
	return ""
}
