package gateway

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/marromugi/gch4-sub003/internal/agent"
	"github.com/marromugi/gch4-sub003/internal/domain"
	"github.com/marromugi/gch4-sub003/internal/policy"
	"github.com/marromugi/gch4-sub003/internal/schema"
	"github.com/marromugi/gch4-sub003/internal/store"
)

// Engine runs sessions. *agent.Runner satisfies it.
type Engine interface {
	CreateSession(ctx context.Context, req agent.CreateRequest) (*agent.SessionView, error)
	GetSession(ctx context.Context, id string, replay bool) (*agent.SessionView, error)
	ProcessTurn(ctx context.Context, sessionID, userMessage string) (*agent.TurnResult, error)
	CompleteSession(ctx context.Context, id, reason string) (*domain.Session, error)
	AbandonSession(ctx context.Context, id, reason string) (*domain.Session, error)
	ReconcileSession(ctx context.Context, id string) (*agent.ReconcileResult, error)
	ListSessions(ctx context.Context, f store.ListFilter) ([]domain.Session, error)
	PublishPolicyVersion(ctx context.Context, id string) (*domain.PolicyVersion, error)
}

// Policies authors review policy versions. *policy.Service satisfies it.
type Policies interface {
	CreateDraft(ctx context.Context, jobID string, limits policy.Limits) (*domain.PolicyVersion, error)
	Get(ctx context.Context, id string) (*domain.PolicyVersion, error)
	List(ctx context.Context, jobID string) ([]domain.PolicyVersion, error)
	AddSignal(ctx context.Context, id string, sig domain.Signal) (*domain.PolicyVersion, error)
	RemoveSignal(ctx context.Context, id, key string) (*domain.PolicyVersion, error)
	AddTopic(ctx context.Context, id, topic string) (*domain.PolicyVersion, error)
	RemoveTopic(ctx context.Context, id, topic string) (*domain.PolicyVersion, error)
	SetLimits(ctx context.Context, id string, limits policy.Limits) (*domain.PolicyVersion, error)
	Confirm(ctx context.Context, id string) (*domain.PolicyVersion, error)
	Demote(ctx context.Context, id string) (*domain.PolicyVersion, error)
}

// Importer loads authored schema documents. *schema.Importer satisfies it.
type Importer interface {
	Import(ctx context.Context, doc *schema.Document) (*schema.Result, error)
}

var (
	_ Engine   = (*agent.Runner)(nil)
	_ Policies = (*policy.Service)(nil)
	_ Importer = (*schema.Importer)(nil)
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Request bodies shared by the REST and RPC surfaces.

type sessionRef struct {
	SessionID string `json:"sessionId" validate:"required"`
	Replay    bool   `json:"replay,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type turnParams struct {
	SessionID string `json:"sessionId" validate:"required"`
	Message   string `json:"message" validate:"required"`
}

type listParams struct {
	Status domain.SessionStatus `json:"status,omitempty" validate:"omitempty,oneof=active completed abandoned"`
	Limit  int                  `json:"limit,omitempty" validate:"omitempty,min=1,max=500"`
}

type policyRef struct {
	PolicyVersionID string `json:"policyVersionId" validate:"required"`
}

type createPolicyParams struct {
	JobID  string        `json:"jobId" validate:"required"`
	Limits policy.Limits `json:"limits"`
}

type listPoliciesParams struct {
	JobID string `json:"jobId" validate:"required"`
}

type signalParams struct {
	PolicyVersionID string `json:"policyVersionId" validate:"required"`
	Key             string `json:"key" validate:"required"`
	Label           string `json:"label" validate:"required"`
	Priority        string `json:"priority" validate:"required,oneof=must want nice"`
	Category        string `json:"category,omitempty"`
}

type signalKeyParams struct {
	PolicyVersionID string `json:"policyVersionId" validate:"required"`
	Key             string `json:"key" validate:"required"`
}

type topicParams struct {
	PolicyVersionID string `json:"policyVersionId" validate:"required"`
	Topic           string `json:"topic" validate:"required"`
}

type limitsParams struct {
	PolicyVersionID string        `json:"policyVersionId" validate:"required"`
	Limits          policy.Limits `json:"limits"`
}

type importParams struct {
	Document string `json:"document" validate:"required"`
}

// check runs struct validation and reports failures as KindInvalid.
func check(op string, v any) error {
	if err := validate.Struct(v); err != nil {
		var issues []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				issues = append(issues, fmt.Sprintf("%s: failed rule '%s'", fe.Field(), fe.Tag()))
			}
		} else {
			issues = append(issues, err.Error())
		}
		return domain.Errorf(domain.KindInvalid, op, "%s", strings.Join(issues, "; "))
	}
	return nil
}

// service is the transport-independent operation set behind both the REST
// routes and the RPC methods.
type service struct {
	engine   Engine
	policies Policies
	importer Importer
}

func (s *service) createSession(ctx context.Context, p agent.CreateRequest) (*agent.SessionView, error) {
	if err := check("session.create", p); err != nil {
		return nil, err
	}
	return s.engine.CreateSession(ctx, p)
}

func (s *service) getSession(ctx context.Context, p sessionRef) (*agent.SessionView, error) {
	if err := check("session.get", p); err != nil {
		return nil, err
	}
	return s.engine.GetSession(ctx, p.SessionID, p.Replay)
}

func (s *service) turn(ctx context.Context, p turnParams) (*agent.TurnResult, error) {
	if err := check("session.turn", p); err != nil {
		return nil, err
	}
	return s.engine.ProcessTurn(ctx, p.SessionID, p.Message)
}

func (s *service) complete(ctx context.Context, p sessionRef) (*domain.Session, error) {
	if err := check("session.complete", p); err != nil {
		return nil, err
	}
	return s.engine.CompleteSession(ctx, p.SessionID, p.Reason)
}

func (s *service) abandon(ctx context.Context, p sessionRef) (*domain.Session, error) {
	if err := check("session.abandon", p); err != nil {
		return nil, err
	}
	return s.engine.AbandonSession(ctx, p.SessionID, p.Reason)
}

func (s *service) reconcile(ctx context.Context, p sessionRef) (*agent.ReconcileResult, error) {
	if err := check("session.reconcile", p); err != nil {
		return nil, err
	}
	return s.engine.ReconcileSession(ctx, p.SessionID)
}

func (s *service) listSessions(ctx context.Context, p listParams) ([]domain.Session, error) {
	if err := check("session.list", p); err != nil {
		return nil, err
	}
	sessions, err := s.engine.ListSessions(ctx, store.ListFilter{Status: p.Status, Limit: p.Limit})
	if sessions == nil && err == nil {
		sessions = []domain.Session{}
	}
	return sessions, err
}

func (s *service) createPolicy(ctx context.Context, p createPolicyParams) (*domain.PolicyVersion, error) {
	if err := check("policy.create", p); err != nil {
		return nil, err
	}
	return s.policies.CreateDraft(ctx, p.JobID, p.Limits)
}

func (s *service) getPolicy(ctx context.Context, p policyRef) (*domain.PolicyVersion, error) {
	if err := check("policy.get", p); err != nil {
		return nil, err
	}
	return s.policies.Get(ctx, p.PolicyVersionID)
}

func (s *service) listPolicies(ctx context.Context, p listPoliciesParams) ([]domain.PolicyVersion, error) {
	if err := check("policy.list", p); err != nil {
		return nil, err
	}
	versions, err := s.policies.List(ctx, p.JobID)
	if versions == nil && err == nil {
		versions = []domain.PolicyVersion{}
	}
	return versions, err
}

func (s *service) addSignal(ctx context.Context, p signalParams) (*domain.PolicyVersion, error) {
	if err := check("policy.addSignal", p); err != nil {
		return nil, err
	}
	return s.policies.AddSignal(ctx, p.PolicyVersionID, domain.Signal{
		Key:      p.Key,
		Label:    p.Label,
		Priority: domain.SignalPriority(p.Priority),
		Category: p.Category,
	})
}

func (s *service) removeSignal(ctx context.Context, p signalKeyParams) (*domain.PolicyVersion, error) {
	if err := check("policy.removeSignal", p); err != nil {
		return nil, err
	}
	return s.policies.RemoveSignal(ctx, p.PolicyVersionID, p.Key)
}

func (s *service) addTopic(ctx context.Context, p topicParams) (*domain.PolicyVersion, error) {
	if err := check("policy.addTopic", p); err != nil {
		return nil, err
	}
	return s.policies.AddTopic(ctx, p.PolicyVersionID, p.Topic)
}

func (s *service) removeTopic(ctx context.Context, p topicParams) (*domain.PolicyVersion, error) {
	if err := check("policy.removeTopic", p); err != nil {
		return nil, err
	}
	return s.policies.RemoveTopic(ctx, p.PolicyVersionID, p.Topic)
}

func (s *service) setLimits(ctx context.Context, p limitsParams) (*domain.PolicyVersion, error) {
	if err := check("policy.setLimits", p); err != nil {
		return nil, err
	}
	return s.policies.SetLimits(ctx, p.PolicyVersionID, p.Limits)
}

func (s *service) confirm(ctx context.Context, p policyRef) (*domain.PolicyVersion, error) {
	if err := check("policy.confirm", p); err != nil {
		return nil, err
	}
	return s.policies.Confirm(ctx, p.PolicyVersionID)
}

func (s *service) publish(ctx context.Context, p policyRef) (*domain.PolicyVersion, error) {
	if err := check("policy.publish", p); err != nil {
		return nil, err
	}
	return s.engine.PublishPolicyVersion(ctx, p.PolicyVersionID)
}

func (s *service) demote(ctx context.Context, p policyRef) (*domain.PolicyVersion, error) {
	if err := check("policy.demote", p); err != nil {
		return nil, err
	}
	return s.policies.Demote(ctx, p.PolicyVersionID)
}

func (s *service) importSchema(ctx context.Context, r io.Reader) (*schema.Result, error) {
	doc, err := schema.Parse(r)
	if err != nil {
		return nil, domain.Wrap(domain.KindInvalid, "schema.import", err)
	}
	return s.importer.Import(ctx, doc)
}
