package engine

import (
	"sort"
	"time"

	"github.com/marromugi/gch4-sub003/internal/domain"
)

// State is everything derived from a session's event log.
type State struct {
	Session  domain.Session
	Todos    []domain.Todo
	Messages []domain.Message

	dirty map[string]bool
}

// Changes describes what a fold produced on top of its starting state.
type Changes struct {
	Todos    []domain.Todo
	Messages []domain.Message
}

// Clone returns a deep copy of st.
func (st *State) Clone() *State {
	cp := &State{Session: st.Session.Clone()}
	cp.Todos = append([]domain.Todo(nil), st.Todos...)
	cp.Messages = make([]domain.Message, len(st.Messages))
	for i, m := range st.Messages {
		if m.ReviewPassed != nil {
			m.ReviewPassed = domain.BoolPtr(*m.ReviewPassed)
		}
		cp.Messages[i] = m
	}
	return cp
}

// Todo returns the todo with the given ID.
func (st *State) Todo(id string) (*domain.Todo, bool) {
	for i := range st.Todos {
		if st.Todos[i].ID == id {
			return &st.Todos[i], true
		}
	}
	return nil, false
}

// Complete reports whether every required todo has been resolved.
func (st *State) Complete() bool {
	return domain.CollectionComplete(st.Todos)
}

// Fold applies entries to a copy of st. The original is left untouched
// so a rejected turn leaves no trace.
func Fold(st *State, entries []domain.ToolCallLog) (*State, *Changes, error) {
	next := st.Clone()
	next.dirty = make(map[string]bool)
	firstMsg := len(next.Messages)
	for _, e := range entries {
		if err := next.Apply(e); err != nil {
			return nil, nil, err
		}
	}
	ch := &Changes{Messages: append([]domain.Message(nil), next.Messages[firstMsg:]...)}
	for _, t := range next.Todos {
		if next.dirty[t.ID] {
			ch.Todos = append(ch.Todos, t)
		}
	}
	next.dirty = nil
	return next, ch, nil
}

// Replay rebuilds a session from its complete, ordered log.
func Replay(entries []domain.ToolCallLog) (*State, error) {
	if len(entries) == 0 {
		return nil, domain.Errorf(domain.KindNotFound, "engine.replay", "empty log")
	}
	st, _, err := Fold(&State{}, entries)
	if err != nil {
		return nil, domain.WithSession(err, entries[0].SessionID)
	}
	return st, nil
}

// Apply folds a single log entry into st.
func (st *State) Apply(e domain.ToolCallLog) error {
	const op = "engine.apply"
	if e.ToolName == domain.ToolSessionCreated {
		return st.applyCreated(e)
	}
	if st.Session.ID == "" {
		return domain.Errorf(domain.KindInvalid, op, "%s before %s", e.ToolName, domain.ToolSessionCreated)
	}
	if e.SessionID != st.Session.ID {
		return domain.Errorf(domain.KindInvalid, op, "entry for session %s applied to %s", e.SessionID, st.Session.ID)
	}
	if e.Sequence != st.Session.LastSequence+1 {
		return domain.Errorf(domain.KindInvalid, op, "sequence %d does not follow %d", e.Sequence, st.Session.LastSequence)
	}
	if st.Session.Status != domain.StatusActive {
		return &domain.Error{Kind: domain.KindInvalidTransition, Op: op, SessionID: st.Session.ID,
			Msg: "session is " + string(st.Session.Status)}
	}

	s := &st.Session
	now := e.CreatedAt
	switch e.ToolName {
	case domain.ToolSessionGreeted:
		var p SessionGreeted
		if err := decode(e, &p); err != nil {
			return err
		}
		st.appendMessage(p.Message)
		s.BootstrapCompleted = true

	case domain.ToolTodoAsk:
		var a TodoAskArgs
		if err := decode(e, &a); err != nil {
			return err
		}
		if err := st.moveTodo(a.TodoID, domain.TodoAwaitingAnswer, "", now); err != nil {
			return err
		}

	case domain.ToolTodoAnswer:
		var a TodoAnswerArgs
		if err := decode(e, &a); err != nil {
			return err
		}
		if err := st.moveTodo(a.TodoID, domain.TodoValidating, a.Candidate, now); err != nil {
			return err
		}

	case domain.ToolTodoValidate:
		var a TodoValidateArgs
		if err := decode(e, &a); err != nil {
			return err
		}
		to := domain.TodoNeedsClarification
		if a.Satisfied {
			to = domain.TodoDone
		}
		if err := st.moveTodo(a.TodoID, to, a.Value, now); err != nil {
			return err
		}

	case domain.ToolTodoManualInput:
		var a TodoManualInputArgs
		if err := decode(e, &a); err != nil {
			return err
		}
		if err := st.moveTodo(a.TodoID, domain.TodoManualInput, a.Value, now); err != nil {
			return err
		}

	case domain.ToolAgentHandoff:
		var a HandoffArgs
		if err := decode(e, &a); err != nil {
			return err
		}
		if err := Handoff(s, a.To); err != nil {
			return err
		}

	case domain.ToolPlanUpdate:
		var a PlanUpdateArgs
		if err := decode(e, &a); err != nil {
			return err
		}
		if a.SchemaVersion < s.Plan.SchemaVersion {
			return domain.Errorf(domain.KindInvalid, op, "plan schema version %d is older than %d", a.SchemaVersion, s.Plan.SchemaVersion)
		}
		s.Plan = domain.Plan{SchemaVersion: a.SchemaVersion, Data: append([]byte(nil), a.Plan...)}

	case domain.ToolTurnCompleted:
		var p TurnCompleted
		if err := decode(e, &p); err != nil {
			return err
		}
		st.appendMessage(p.UserMessage)
		st.appendMessage(p.AssistantMessage)
		RecordResponse(s)
		if p.ReviewPassed != nil {
			RecordReview(s, *p.ReviewPassed)
		}
		CompleteTurn(s, now)
		SignalFallback(s, p.RuntimeFallback)

	case domain.ToolTurnTimedOut:
		RecordTimeout(s)

	case domain.ToolSessionStatus:
		var p StatusChanged
		if err := decode(e, &p); err != nil {
			return err
		}
		if !domain.CanTransitionStatus(s.Status, p.Status) {
			return &domain.Error{Kind: domain.KindInvalidTransition, Op: op, SessionID: s.ID,
				Msg: "cannot move session from " + string(s.Status) + " to " + string(p.Status)}
		}
		s.Status = p.Status

	default:
		// Unknown tools are recorded without effect.
	}

	s.LastSequence = e.Sequence
	s.UpdatedAt = now
	return nil
}

func (st *State) applyCreated(e domain.ToolCallLog) error {
	const op = "engine.apply"
	if st.Session.ID != "" || e.Sequence != 1 {
		return domain.Errorf(domain.KindInvalid, op, "%s must be the first entry", domain.ToolSessionCreated)
	}
	var p SessionCreated
	if err := decode(e, &p); err != nil {
		return err
	}
	if p.Session.ID == "" || p.Session.ID != e.SessionID {
		return domain.Errorf(domain.KindInvalid, op, "seed session ID %q does not match entry", p.Session.ID)
	}
	if !p.Session.CurrentAgent.Valid() {
		return domain.Errorf(domain.KindInvalid, op, "invalid initial agent %q", p.Session.CurrentAgent)
	}
	st.Session = p.Session.Clone()
	st.Session.LastSequence = e.Sequence
	st.Session.UpdatedAt = e.CreatedAt
	st.Todos = append([]domain.Todo(nil), p.Todos...)
	sort.SliceStable(st.Todos, func(i, j int) bool { return st.Todos[i].Position < st.Todos[j].Position })
	for _, t := range st.Todos {
		st.markDirty(t.ID)
	}
	return nil
}

// moveTodo transitions a todo. value is the candidate for validating, the
// accepted value for done (the candidate when empty) or the manual entry.
func (st *State) moveTodo(id string, to domain.TodoStatus, value string, now time.Time) error {
	t, ok := st.Todo(id)
	if !ok {
		return &domain.Error{Kind: domain.KindInvalid, Op: "engine.todo", SessionID: st.Session.ID, Msg: "unknown todo " + id}
	}
	if !domain.CanTransitionTodo(t.Status, to) {
		return &domain.Error{Kind: domain.KindInvalidTransition, Op: "engine.todo", SessionID: st.Session.ID,
			Msg: "todo " + id + " cannot move from " + string(t.Status) + " to " + string(to)}
	}
	switch to {
	case domain.TodoValidating:
		t.Candidate = value
	case domain.TodoDone:
		if value == "" {
			value = t.Candidate
		}
		t.ExtractedValue = value
		t.Candidate = ""
	case domain.TodoManualInput:
		t.ExtractedValue = value
		t.Candidate = ""
	default:
		t.Candidate = ""
	}
	t.Status = to
	t.UpdatedAt = now
	st.markDirty(id)
	RecordExtraction(&st.Session, to)
	return nil
}

func (st *State) appendMessage(m domain.Message) {
	m.SessionID = st.Session.ID
	m.Seq = len(st.Messages) + 1
	st.Messages = append(st.Messages, m)
}

func (st *State) markDirty(id string) {
	if st.dirty != nil {
		st.dirty[id] = true
	}
}
