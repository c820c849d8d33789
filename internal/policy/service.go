package policy

import (
	"context"
	"time"

	"github.com/marromugi/gch4-sub003/internal/domain"
	"github.com/marromugi/gch4-sub003/internal/hooks"
	"github.com/marromugi/gch4-sub003/internal/logging"
)

// Store persists policy versions. UpdatePolicyVersion runs fn inside a
// transaction with the job's currently published version, if any, and
// saves v when fn returns nil.
type Store interface {
	CreatePolicyVersion(ctx context.Context, v *domain.PolicyVersion) error
	GetPolicyVersion(ctx context.Context, id string) (*domain.PolicyVersion, error)
	ListPolicyVersions(ctx context.Context, jobID string) ([]domain.PolicyVersion, error)
	PublishedPolicyVersion(ctx context.Context, jobID string) (*domain.PolicyVersion, error)
	UpdatePolicyVersion(ctx context.Context, id string, fn func(v, published *domain.PolicyVersion) error) (*domain.PolicyVersion, error)
}

// Service applies lifecycle rules on top of a Store.
type Service struct {
	store Store
	hooks *hooks.Manager
	log   *logging.Logger
	now   func() time.Time
	newID func() string
}

// NewService creates a policy service. hooks may be nil.
func NewService(store Store, hm *hooks.Manager, log *logging.Logger, newID func() string) *Service {
	return &Service{
		store: store,
		hooks: hm,
		log:   log.Sub("policy"),
		now:   func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		newID: newID,
	}
}

// CreateDraft opens a new draft version for a job. The store assigns the
// version number.
func (s *Service) CreateDraft(ctx context.Context, jobID string, limits Limits) (*domain.PolicyVersion, error) {
	v := &domain.PolicyVersion{
		ID:               s.newID(),
		JobID:            jobID,
		Status:           domain.PolicyDraft,
		Signals:          []domain.Signal{},
		ProhibitedTopics: []domain.PolicyTopic{},
		CreatedAt:        s.now(),
	}
	if err := SetLimits(v, limits); err != nil {
		return nil, err
	}
	if err := s.store.CreatePolicyVersion(ctx, v); err != nil {
		return nil, err
	}
	s.log.Info().Str("jobId", jobID).Str("policyVersionId", v.ID).Int("version", v.Version).Msg("policy draft created")
	return v, nil
}

// Get returns a policy version by ID.
func (s *Service) Get(ctx context.Context, id string) (*domain.PolicyVersion, error) {
	return s.store.GetPolicyVersion(ctx, id)
}

// List returns a job's policy versions, oldest first.
func (s *Service) List(ctx context.Context, jobID string) ([]domain.PolicyVersion, error) {
	return s.store.ListPolicyVersions(ctx, jobID)
}

// Published returns the job's effective policy.
func (s *Service) Published(ctx context.Context, jobID string) (*domain.PolicyVersion, error) {
	return s.store.PublishedPolicyVersion(ctx, jobID)
}

// AddSignal appends a review signal to a draft.
func (s *Service) AddSignal(ctx context.Context, id string, sig domain.Signal) (*domain.PolicyVersion, error) {
	if sig.ID == "" {
		sig.ID = s.newID()
	}
	return s.store.UpdatePolicyVersion(ctx, id, func(v, _ *domain.PolicyVersion) error {
		return AddSignal(v, sig)
	})
}

// RemoveSignal drops a draft's signal by key.
func (s *Service) RemoveSignal(ctx context.Context, id, key string) (*domain.PolicyVersion, error) {
	return s.store.UpdatePolicyVersion(ctx, id, func(v, _ *domain.PolicyVersion) error {
		return RemoveSignal(v, key)
	})
}

// AddTopic prohibits a topic in a draft.
func (s *Service) AddTopic(ctx context.Context, id, topic string) (*domain.PolicyVersion, error) {
	t := domain.PolicyTopic{ID: s.newID(), Topic: topic}
	return s.store.UpdatePolicyVersion(ctx, id, func(v, _ *domain.PolicyVersion) error {
		return AddTopic(v, t)
	})
}

// RemoveTopic allows a topic again.
func (s *Service) RemoveTopic(ctx context.Context, id, topic string) (*domain.PolicyVersion, error) {
	return s.store.UpdatePolicyVersion(ctx, id, func(v, _ *domain.PolicyVersion) error {
		return RemoveTopic(v, topic)
	})
}

// SetLimits replaces a draft's caps and thresholds.
func (s *Service) SetLimits(ctx context.Context, id string, limits Limits) (*domain.PolicyVersion, error) {
	return s.store.UpdatePolicyVersion(ctx, id, func(v, _ *domain.PolicyVersion) error {
		return SetLimits(v, limits)
	})
}

// Confirm freezes a draft version.
func (s *Service) Confirm(ctx context.Context, id string) (*domain.PolicyVersion, error) {
	now := s.now()
	v, err := s.store.UpdatePolicyVersion(ctx, id, func(v, _ *domain.PolicyVersion) error {
		return Confirm(v, now)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("policyVersionId", id).Msg("policy version confirmed")
	return v, nil
}

// Publish makes a confirmed version effective for new sessions of its
// job. It fails while another version of the job is published.
func (s *Service) Publish(ctx context.Context, id string) (*domain.PolicyVersion, error) {
	now := s.now()
	v, err := s.store.UpdatePolicyVersion(ctx, id, func(v, published *domain.PolicyVersion) error {
		return Publish(v, published, now)
	})
	if err != nil {
		s.log.Warn().Err(err).Str("policyVersionId", id).Msg("policy publish rejected")
		return nil, err
	}
	s.log.Info().Str("jobId", v.JobID).Str("policyVersionId", id).Int("version", v.Version).Msg("policy version published")
	s.hooks.Emit(ctx, hooks.Payload{Event: hooks.EventPolicyPublished, Data: map[string]any{
		"jobId": v.JobID, "policyVersionId": v.ID, "version": v.Version,
	}})
	return v, nil
}

// Demote withdraws a published version.
func (s *Service) Demote(ctx context.Context, id string) (*domain.PolicyVersion, error) {
	v, err := s.store.UpdatePolicyVersion(ctx, id, func(v, _ *domain.PolicyVersion) error {
		return Demote(v)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("jobId", v.JobID).Str("policyVersionId", id).Msg("policy version demoted")
	s.hooks.Emit(ctx, hooks.Payload{Event: hooks.EventPolicyDemoted, Data: map[string]any{
		"jobId": v.JobID, "policyVersionId": v.ID, "version": v.Version,
	}})
	return v, nil
}
