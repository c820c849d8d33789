package domain

import "time"

// TodoStatus tracks one fact's progress through collection.
type TodoStatus string

const (
	TodoPending            TodoStatus = "pending"
	TodoAwaitingAnswer     TodoStatus = "awaiting_answer"
	TodoValidating         TodoStatus = "validating"
	TodoNeedsClarification TodoStatus = "needs_clarification"
	TodoDone               TodoStatus = "done"
	TodoManualInput        TodoStatus = "manual_input"
)

var todoTransitions = map[TodoStatus][]TodoStatus{
	TodoPending:            {TodoAwaitingAnswer, TodoManualInput},
	TodoAwaitingAnswer:     {TodoAwaitingAnswer, TodoValidating, TodoManualInput},
	TodoValidating:         {TodoDone, TodoNeedsClarification, TodoManualInput},
	TodoNeedsClarification: {TodoAwaitingAnswer, TodoManualInput},
	TodoDone:               nil,
	TodoManualInput:        nil,
}

// Valid reports whether s is a known todo status.
func (s TodoStatus) Valid() bool {
	_, ok := todoTransitions[s]
	return ok
}

// Terminal reports whether no further transition is possible.
func (s TodoStatus) Terminal() bool {
	return s == TodoDone || s == TodoManualInput
}

// CanTransitionTodo reports whether a todo may move from one status to
// another.
func CanTransitionTodo(from, to TodoStatus) bool {
	for _, next := range todoTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Todo is a per-session checklist item tied to a fact definition.
type Todo struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"sessionId"`
	FactDefinitionID string     `json:"factDefinitionId"`
	FieldID          string     `json:"fieldId"`
	Position         int        `json:"position"`
	Required         bool       `json:"required"`
	Status           TodoStatus `json:"status"`
	// Candidate is the answer under validation, set only while validating.
	Candidate string `json:"candidate,omitempty"`
	// ExtractedValue is set once the todo is done or manually entered.
	ExtractedValue string    `json:"extractedValue,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// CollectionComplete reports whether every required todo is done or was
// handed over to manual input.
func CollectionComplete(todos []Todo) bool {
	for _, t := range todos {
		if t.Required && !t.Status.Terminal() {
			return false
		}
	}
	return true
}
