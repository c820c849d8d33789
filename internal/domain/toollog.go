package domain

import (
	"encoding/json"
	"time"
)

// Log entry tool names written by the engine.
const (
	ToolSessionCreated = "session.created"
	ToolSessionGreeted = "session.greeted"
	ToolTurnCompleted  = "turn.completed"
	ToolTurnTimedOut   = "turn.timed_out"
	ToolSessionStatus  = "session.status"
)

// Tool names the agent runtime may invoke.
const (
	ToolTodoAsk         = "todo.ask"
	ToolTodoAnswer      = "todo.answer"
	ToolTodoValidate    = "todo.validate"
	ToolTodoManualInput = "todo.manual_input"
	ToolAgentHandoff    = "agent.handoff"
	ToolPlanUpdate      = "plan.update"
)

// ToolCallLog is one append-only event log entry.
type ToolCallLog struct {
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Sequence  int64           `json:"sequence"`
	Agent     Agent           `json:"agent"`
	ToolName  string          `json:"toolName"`
	Args      json.RawMessage `json:"args"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}
