package engine

import (
	"encoding/json"

	gojson "github.com/goccy/go-json"

	"github.com/marromugi/gch4-sub003/internal/domain"
)

// SessionCreated seeds a session's log with its initial snapshot.
type SessionCreated struct {
	Session domain.Session `json:"session"`
	Todos   []domain.Todo  `json:"todos"`
}

// SessionGreeted records the bootstrap greeting.
type SessionGreeted struct {
	Message domain.Message `json:"message"`
}

// TurnCompleted closes a turn in which the runtime answered.
type TurnCompleted struct {
	UserMessage      domain.Message `json:"userMessage"`
	AssistantMessage domain.Message `json:"assistantMessage"`
	ReviewPassed     *bool          `json:"reviewPassed,omitempty"`
	RuntimeFallback  bool           `json:"runtimeFallback"`
	RuntimeComplete  bool           `json:"runtimeComplete"`
}

// TurnTimedOut closes a turn in which the runtime did not answer in time.
type TurnTimedOut struct {
	TimeoutMS int64 `json:"timeoutMs"`
}

// StatusChanged moves a session to a terminal status.
type StatusChanged struct {
	Status domain.SessionStatus `json:"status"`
	Reason string               `json:"reason,omitempty"`
}

// TodoAskArgs are the arguments of todo.ask.
type TodoAskArgs struct {
	TodoID string `json:"todoId"`
}

// TodoAnswerArgs are the arguments of todo.answer.
type TodoAnswerArgs struct {
	TodoID    string `json:"todoId"`
	Candidate string `json:"candidate"`
}

// TodoValidateArgs are the arguments of todo.validate.
type TodoValidateArgs struct {
	TodoID    string `json:"todoId"`
	Satisfied bool   `json:"satisfied"`
	Value     string `json:"value,omitempty"`
}

// TodoManualInputArgs are the arguments of todo.manual_input.
type TodoManualInputArgs struct {
	TodoID string `json:"todoId"`
	Value  string `json:"value,omitempty"`
}

// HandoffArgs are the arguments of agent.handoff.
type HandoffArgs struct {
	To domain.Agent `json:"to"`
}

// PlanUpdateArgs are the arguments of plan.update.
type PlanUpdateArgs struct {
	SchemaVersion int             `json:"schemaVersion"`
	Plan          json.RawMessage `json:"plan"`
}

// Encode marshals a payload for a log entry.
func Encode(v any) (json.RawMessage, error) {
	b, err := gojson.Marshal(v)
	if err != nil {
		return nil, domain.Wrap(domain.KindInvalid, "engine.encode", err)
	}
	return b, nil
}

func decode(entry domain.ToolCallLog, v any) error {
	if len(entry.Args) == 0 {
		return domain.Errorf(domain.KindInvalid, "engine.decode", "%s: missing args", entry.ToolName)
	}
	if err := gojson.Unmarshal(entry.Args, v); err != nil {
		return domain.Wrap(domain.KindInvalid, "engine.decode", err)
	}
	return nil
}
