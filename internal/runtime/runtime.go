// Package runtime is the boundary to the external agent runtime that
// produces assistant messages and tool calls for each turn.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/marromugi/gch4-sub003/internal/assembler"
	"github.com/marromugi/gch4-sub003/internal/domain"
)

// ToolCall is one action the runtime took during a turn.
type ToolCall struct {
	// Agent that executed the call; empty means the session's current agent.
	Agent  domain.Agent    `json:"agent,omitempty"`
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args"`
	Result json.RawMessage `json:"result,omitempty"`
}

// AssistantMessage is the single reply produced for a turn.
type AssistantMessage struct {
	Content       string `json:"content"`
	TargetFieldID string `json:"targetFieldId,omitempty"`
	// ReviewPassed is the reviewer's verdict, when the turn was reviewed.
	ReviewPassed *bool `json:"reviewPassed,omitempty"`
}

// Response is what the runtime returns for one turn.
type Response struct {
	Message        AssistantMessage `json:"message"`
	ToolCalls      []ToolCall       `json:"toolCalls,omitempty"`
	ShouldFallback bool             `json:"shouldFallback"`
	IsComplete     bool             `json:"isComplete"`
}

// Validate checks the shape of a response before the engine acts on it.
func (r *Response) Validate() error {
	if r.Message.Content == "" {
		return domain.Errorf(domain.KindInvalid, "runtime.response", "assistant message is empty")
	}
	for i, c := range r.ToolCalls {
		if c.Name == "" {
			return domain.Errorf(domain.KindInvalid, "runtime.response", "tool call %d has no name", i)
		}
		if c.Agent != "" && !c.Agent.Valid() {
			return domain.Errorf(domain.KindInvalid, "runtime.response", "tool call %d names unknown agent %q", i, c.Agent)
		}
		if len(c.Args) > 0 && !json.Valid(c.Args) {
			return domain.Errorf(domain.KindInvalid, "runtime.response", "tool call %d has malformed args", i)
		}
	}
	return nil
}

// Runtime runs one agent turn for an assembled context.
type Runtime interface {
	Run(ctx context.Context, c *assembler.Context) (*Response, error)
	Name() string
}

// Error is returned when the runtime answers with a failure.
type Error struct {
	Runtime string
	Message string
	Code    int
}

func (e *Error) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("%s: %d %s", e.Runtime, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Runtime, e.Message)
}
