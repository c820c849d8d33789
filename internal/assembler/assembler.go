// Package assembler builds the immutable context handed to the agent
// runtime for one turn.
package assembler

import (
	"encoding/json"
	"sort"

	gojson "github.com/goccy/go-json"

	"github.com/marromugi/gch4-sub003/internal/domain"
	"github.com/marromugi/gch4-sub003/internal/engine"
)

// Input is everything the assembler reads. It is never modified.
type Input struct {
	Session     domain.Session
	Job         *domain.Job
	Application *domain.Application
	Form        *domain.Form
	Policy      *domain.PolicyVersion
	Messages    []domain.Message
	Todos       []domain.Todo
	Fields      []domain.Field
	Facts       []domain.FactDefinition
	Topics      []domain.ProhibitedTopic
}

// Context is the payload sent to the agent runtime.
type Context struct {
	Session        SessionInfo      `json:"session"`
	Job            *JobInfo         `json:"job,omitempty"`
	Application    *ApplicationInfo `json:"application,omitempty"`
	Form           *FormInfo        `json:"form,omitempty"`
	Fields         []FieldBundle    `json:"fields"`
	Todos          []TodoItem       `json:"todos"`
	History        []Turn           `json:"history"`
	Review         *ReviewInfo      `json:"review,omitempty"`
	ShouldFallback bool             `json:"shouldFallback"`
	IsComplete     bool             `json:"isComplete"`
}

// SessionInfo is the session state the runtime acts on.
type SessionInfo struct {
	ID                 string          `json:"id"`
	Kind               string          `json:"kind"`
	CurrentAgent       domain.Agent    `json:"currentAgent"`
	HandoffTargets     []domain.Agent  `json:"handoffTargets"`
	BootstrapCompleted bool            `json:"bootstrapCompleted"`
	TurnCount          int             `json:"turnCount"`
	SoftCap            *int            `json:"softCap,omitempty"`
	HardCap            *int            `json:"hardCap,omitempty"`
	SoftCapped         bool            `json:"softCapped"`
	HardCapped         bool            `json:"hardCapped"`
	PlanSchemaVersion  int             `json:"planSchemaVersion"`
	Plan               json.RawMessage `json:"plan,omitempty"`
}

// JobInfo identifies the job a session collects for.
type JobInfo struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// ApplicationInfo identifies the candidate's application.
type ApplicationInfo struct {
	ID            string `json:"id"`
	CandidateName string `json:"candidateName"`
}

// FormInfo describes a standalone form.
type FormInfo struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// FieldBundle is a field joined with its facts and prohibited topics.
type FieldBundle struct {
	FieldID          string   `json:"fieldId"`
	Label            string   `json:"label"`
	Intent           string   `json:"intent,omitempty"`
	Required         bool     `json:"required"`
	RequiredFacts    []string `json:"requiredFacts"`
	DoneCriteria     []string `json:"doneCriteria"`
	ProhibitedTopics []string `json:"prohibitedTopics"`
}

// TodoItem is a todo joined with its fact definition.
type TodoItem struct {
	ID               string            `json:"id"`
	FieldID          string            `json:"fieldId"`
	FactDefinitionID string            `json:"factDefinitionId"`
	Fact             string            `json:"fact"`
	DoneCriteria     string            `json:"doneCriteria,omitempty"`
	QuestioningHints string            `json:"questioningHints,omitempty"`
	Required         bool              `json:"required"`
	Status           domain.TodoStatus `json:"status"`
	Candidate        string            `json:"candidate,omitempty"`
	ExtractedValue   string            `json:"extractedValue,omitempty"`
}

// Turn is one conversational message as the runtime sees it.
type Turn struct {
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
}

// ReviewInfo carries the published policy for the reviewer agent.
type ReviewInfo struct {
	PolicyVersion    int          `json:"policyVersion"`
	Signals          []SignalInfo `json:"signals"`
	ProhibitedTopics []string     `json:"prohibitedTopics"`
}

// SignalInfo is one review signal in authoring order.
type SignalInfo struct {
	Key      string                `json:"key"`
	Label    string                `json:"label"`
	Priority domain.SignalPriority `json:"priority"`
	Category string                `json:"category,omitempty"`
}

// Assemble builds the runtime context. Identical inputs always produce an
// identical context.
func Assemble(in Input) *Context {
	s := in.Session
	ctx := &Context{
		Session: SessionInfo{
			ID:                 s.ID,
			Kind:               string(s.Kind),
			CurrentAgent:       s.CurrentAgent,
			HandoffTargets:     handoffTargets(&s),
			BootstrapCompleted: s.BootstrapCompleted,
			TurnCount:          s.TurnCount,
			SoftCap:            copyInt(s.SoftCap),
			HardCap:            copyInt(s.HardCap),
			SoftCapped:         s.SoftCappedAt != nil,
			HardCapped:         s.HardCappedAt != nil,
			PlanSchemaVersion:  s.Plan.SchemaVersion,
		},
		Fields:         []FieldBundle{},
		Todos:          []TodoItem{},
		History:        []Turn{},
		ShouldFallback: engine.ShouldFallback(&s),
		IsComplete:     domain.CollectionComplete(in.Todos),
	}
	if len(s.Plan.Data) > 0 && gojson.Valid(s.Plan.Data) {
		ctx.Session.Plan = append(json.RawMessage(nil), s.Plan.Data...)
	}
	if in.Job != nil {
		ctx.Job = &JobInfo{ID: in.Job.ID, Title: in.Job.Title, Description: in.Job.Description}
	}
	if in.Application != nil {
		ctx.Application = &ApplicationInfo{ID: in.Application.ID, CandidateName: in.Application.CandidateName}
	}
	if in.Form != nil {
		ctx.Form = &FormInfo{ID: in.Form.ID, Title: in.Form.Title, Description: in.Form.Description}
	}

	facts := sortedFacts(in.Facts)
	factByID := make(map[string]domain.FactDefinition, len(facts))
	for _, f := range facts {
		factByID[f.ID] = f
	}

	for _, field := range sortedFields(in.Fields) {
		b := FieldBundle{
			FieldID:          field.ID,
			Label:            field.Label,
			Intent:           field.Intent,
			Required:         field.Required,
			RequiredFacts:    []string{},
			DoneCriteria:     []string{},
			ProhibitedTopics: []string{},
		}
		for _, f := range facts {
			if f.FieldID != field.ID {
				continue
			}
			b.RequiredFacts = append(b.RequiredFacts, f.Fact)
			if f.DoneCriteria != "" {
				b.DoneCriteria = append(b.DoneCriteria, f.DoneCriteria)
			}
		}
		for _, t := range in.Topics {
			if t.FieldID == field.ID {
				b.ProhibitedTopics = append(b.ProhibitedTopics, t.Topic)
			}
		}
		ctx.Fields = append(ctx.Fields, b)
	}

	todos := append([]domain.Todo(nil), in.Todos...)
	sort.SliceStable(todos, func(i, j int) bool { return todos[i].Position < todos[j].Position })
	for _, t := range todos {
		f := factByID[t.FactDefinitionID]
		ctx.Todos = append(ctx.Todos, TodoItem{
			ID:               t.ID,
			FieldID:          t.FieldID,
			FactDefinitionID: t.FactDefinitionID,
			Fact:             f.Fact,
			DoneCriteria:     f.DoneCriteria,
			QuestioningHints: f.QuestioningHints,
			Required:         t.Required,
			Status:           t.Status,
			Candidate:        t.Candidate,
			ExtractedValue:   t.ExtractedValue,
		})
	}

	for _, m := range in.Messages {
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			continue
		}
		ctx.History = append(ctx.History, Turn{Role: m.Role, Content: m.Content})
	}

	if p := in.Policy; p != nil {
		r := &ReviewInfo{PolicyVersion: p.Version, Signals: []SignalInfo{}, ProhibitedTopics: []string{}}
		for _, sig := range p.Signals {
			r.Signals = append(r.Signals, SignalInfo{Key: sig.Key, Label: sig.Label, Priority: sig.Priority, Category: sig.Category})
		}
		for _, t := range p.ProhibitedTopics {
			r.ProhibitedTopics = append(r.ProhibitedTopics, t.Topic)
		}
		ctx.Review = r
	}
	return ctx
}

// Encode serializes the context for the wire.
func (c *Context) Encode() ([]byte, error) {
	return gojson.Marshal(c)
}

func sortedFields(in []domain.Field) []domain.Field {
	out := append([]domain.Field(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sortedFacts(in []domain.FactDefinition) []domain.FactDefinition {
	out := append([]domain.FactDefinition(nil), in...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// handoffTargets lists the agents the runtime may hand off to. None while
// the session is held on fallback.
func handoffTargets(s *domain.Session) []domain.Agent {
	if engine.FallbackHeld(s) {
		return []domain.Agent{}
	}
	return domain.HandoffTargets(s.CurrentAgent)
}
