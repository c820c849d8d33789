// Package agent runs the conversation turn pipeline: it loads a session,
// asks the agent runtime for the next move, folds the resulting tool calls
// into the session state, and commits everything in one write.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/marromugi/gch4-sub003/internal/assembler"
	"github.com/marromugi/gch4-sub003/internal/domain"
	"github.com/marromugi/gch4-sub003/internal/engine"
	"github.com/marromugi/gch4-sub003/internal/hooks"
	"github.com/marromugi/gch4-sub003/internal/logging"
	"github.com/marromugi/gch4-sub003/internal/policy"
	"github.com/marromugi/gch4-sub003/internal/runtime"
	"github.com/marromugi/gch4-sub003/internal/store"
)

// RunnerConfig configures the turn pipeline.
type RunnerConfig struct {
	// AgentTimeout bounds one call to the agent runtime.
	AgentTimeout time.Duration
	// TurnLease is how long a turn holds the session before another turn
	// may take over. It should exceed AgentTimeout.
	TurnLease time.Duration
	// Thresholds apply when the job has no published policy or the policy
	// leaves a threshold unset.
	Thresholds domain.Thresholds
	// SoftCap and HardCap apply to sessions without policy or form caps.
	// Zero means no cap.
	SoftCap int
	HardCap int
}

// DefaultRunnerConfig returns the engine defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		AgentTimeout: 60 * time.Second,
		TurnLease:    90 * time.Second,
		Thresholds:   domain.Thresholds{ReviewFail: 3, ExtractionFail: 3, Timeout: 3},
		SoftCap:      12,
		HardCap:      20,
	}
}

// Deps are the runner's collaborators.
type Deps struct {
	Sessions SessionStore
	Schemas  SchemaReader
	Policies *policy.Service
	Runtime  runtime.Runtime
	Hooks    *hooks.Manager
	Meter    metric.Meter
	Log      *logging.Logger
	// Now and NewID default to the wall clock and random UUIDs.
	Now   func() time.Time
	NewID func() string
}

// Runner is the turn pipeline.
type Runner struct {
	cfg      RunnerConfig
	sessions SessionStore
	schemas  SchemaReader
	policies *policy.Service
	rt       runtime.Runtime
	hooks    *hooks.Manager
	metrics  *metrics
	log      *logging.Logger
	now      func() time.Time
	newID    func() string
}

// NewRunner creates a runner.
func NewRunner(cfg RunnerConfig, deps Deps) (*Runner, error) {
	if deps.Sessions == nil || deps.Schemas == nil || deps.Policies == nil || deps.Runtime == nil {
		return nil, errors.New("agent: sessions, schemas, policies and runtime are required")
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = DefaultRunnerConfig().AgentTimeout
	}
	if cfg.TurnLease < cfg.AgentTimeout {
		cfg.TurnLease = cfg.AgentTimeout + 30*time.Second
	}
	m, err := newMetrics(deps.Meter)
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}
	r := &Runner{
		cfg:      cfg,
		sessions: deps.Sessions,
		schemas:  deps.Schemas,
		policies: deps.Policies,
		rt:       deps.Runtime,
		hooks:    deps.Hooks,
		metrics:  m,
		log:      deps.Log,
		now:      deps.Now,
		newID:    deps.NewID,
	}
	if r.log == nil {
		r.log = logging.New(nil, "silent")
	}
	r.log = r.log.Sub("agent")
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }
	}
	if r.newID == nil {
		r.newID = func() string { return uuid.New().String() }
	}
	return r, nil
}

// Config returns the effective configuration.
func (r *Runner) Config() RunnerConfig { return r.cfg }

// CreateRequest asks for a new session.
type CreateRequest struct {
	Kind            domain.SessionKind `json:"kind" validate:"required,oneof=application interview_feedback policy_creation form_response"`
	ParentID        string             `json:"parentId" validate:"required"`
	SchemaVersionID string             `json:"schemaVersionId" validate:"required"`
	// Greet runs the greeter once so the session opens with a message.
	Greet bool `json:"greet"`
}

// SessionView is a session together with its rows.
type SessionView struct {
	Session  domain.Session   `json:"session"`
	Todos    []domain.Todo    `json:"todos"`
	Messages []domain.Message `json:"messages"`
	Greeting *domain.Message  `json:"greeting,omitempty"`
	// Drift lists snapshot fields that disagree with the event log. Only
	// set when the view was rebuilt by replay.
	Drift []string `json:"drift,omitempty"`
}

// TurnResult is what a caller sees after a turn.
type TurnResult struct {
	SessionID        string             `json:"sessionId"`
	AssistantMessage domain.Message     `json:"assistantMessage"`
	Todos            []domain.Todo      `json:"todos"`
	IsComplete       bool               `json:"isComplete"`
	ShouldFallback   bool               `json:"shouldFallback"`
	CurrentAgent     domain.Agent       `json:"currentAgent"`
	TurnCount        int                `json:"turnCount"`
	Notices          []domain.ErrorKind `json:"notices,omitempty"`
}

// CreateSession materializes a session and its todos from an approved
// schema version. Caps and thresholds are copied from the job's published
// policy, the form, or the runner defaults, in that order.
func (r *Runner) CreateSession(ctx context.Context, req CreateRequest) (*SessionView, error) {
	const op = "agent.createSession"
	parentKind, ok := domain.ParentFor(req.Kind)
	if !ok {
		return nil, domain.Errorf(domain.KindInvalid, op, "unknown session kind %q", req.Kind)
	}
	if req.ParentID == "" || req.SchemaVersionID == "" {
		return nil, domain.Errorf(domain.KindInvalid, op, "parent and schema version are required")
	}

	now := r.now()
	sess := domain.Session{
		ID:              r.newID(),
		Kind:            req.Kind,
		SchemaVersionID: req.SchemaVersionID,
		Status:          domain.StatusActive,
		CurrentAgent:    domain.AgentGreeter,
		SoftCap:         capOrNil(r.cfg.SoftCap),
		HardCap:         capOrNil(r.cfg.HardCap),
		Thresholds:      r.cfg.Thresholds,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	sess.SetParent(parentKind, req.ParentID)

	in, err := r.resolveParent(ctx, &sess)
	if err != nil {
		return nil, err
	}
	if in.Form != nil && (in.Form.SoftCap != nil || in.Form.HardCap != nil) {
		sess.SoftCap = copyInt(in.Form.SoftCap)
		sess.HardCap = copyInt(in.Form.HardCap)
	}
	jobID := jobOf(&sess, in.Application)

	sv, err := r.schemas.GetSchemaVersion(ctx, req.SchemaVersionID)
	if err != nil {
		return nil, err
	}
	if sv.Status != domain.SchemaApproved {
		return nil, domain.Errorf(domain.KindInvalid, op, "schema version %s is not approved", sv.ID)
	}
	if !schemaOwnedBy(sv, sess.FormID, jobID) {
		return nil, domain.Errorf(domain.KindInvalid, op, "schema version %s belongs to %s %s", sv.ID, sv.OwnerKind, sv.OwnerID)
	}
	if err := r.loadSchema(ctx, sess.SchemaVersionID, &in); err != nil {
		return nil, err
	}
	if jobID != "" {
		pv, err := r.policies.Published(ctx, jobID)
		switch {
		case domain.IsKind(err, domain.KindNotFound):
		case err != nil:
			return nil, err
		default:
			applyPolicy(&sess, pv)
			in.Policy = pv
		}
	}

	required := make(map[string]bool, len(in.Fields))
	for _, f := range in.Fields {
		required[f.ID] = f.Required
	}
	todos := make([]domain.Todo, 0, len(in.Facts))
	for i, f := range in.Facts {
		todos = append(todos, domain.Todo{
			ID:               r.newID(),
			SessionID:        sess.ID,
			FactDefinitionID: f.ID,
			FieldID:          f.FieldID,
			Position:         i,
			Required:         required[f.FieldID],
			Status:           domain.TodoPending,
			UpdatedAt:        now,
		})
	}

	rec := engine.NewRecorder(sess.ID, 0, now, r.newID)
	if err := rec.Record(domain.ActorEngine, domain.ToolSessionCreated, engine.SessionCreated{Session: sess, Todos: todos}, nil); err != nil {
		return nil, err
	}
	st, _, err := engine.Fold(&engine.State{}, rec.Entries())
	if err != nil {
		return nil, err
	}
	entries := rec.Entries()

	log := r.log.Session(sess.ID)
	var greeting *domain.Message
	if req.Greet {
		greeted, more, err := r.greet(ctx, st, in)
		if err != nil {
			log.Warn().Err(err).Msg("greeting skipped")
		} else {
			st = greeted
			entries = append(entries, more...)
			greeting = &st.Messages[len(st.Messages)-1]
		}
	}

	if err := r.sessions.Create(ctx, store.Commit{Session: st.Session, Todos: st.Todos, Messages: st.Messages, Entries: entries}); err != nil {
		return nil, err
	}
	st.Session.Version = 1

	r.metrics.sessions.Add(ctx, 1)
	r.hooks.Emit(ctx, hooks.Payload{Event: hooks.EventSessionCreated, SessionID: sess.ID, Data: map[string]any{
		"kind":            string(sess.Kind),
		"schemaVersionId": sess.SchemaVersionID,
		"todos":           len(st.Todos),
	}})
	log.Info().
		Str("kind", string(sess.Kind)).
		Int("todos", len(st.Todos)).
		Bool("greeted", greeting != nil).
		Msg("session created")

	return &SessionView{Session: st.Session, Todos: st.Todos, Messages: st.Messages, Greeting: greeting}, nil
}

// greet runs the greeter once on a freshly seeded state.
func (r *Runner) greet(ctx context.Context, st *engine.State, in assembler.Input) (*engine.State, []domain.ToolCallLog, error) {
	in.Session = st.Session
	in.Todos = st.Todos
	in.Messages = nil

	rctx, cancel := context.WithTimeout(ctx, r.cfg.AgentTimeout)
	resp, err := r.rt.Run(rctx, assembler.Assemble(in))
	cancel()
	if err != nil {
		return nil, nil, err
	}
	if err := resp.Validate(); err != nil {
		return nil, nil, err
	}

	now := r.now()
	rec := engine.NewRecorder(st.Session.ID, st.Session.LastSequence, now, r.newID)
	if err := r.recordCalls(rec, domain.AgentGreeter, resp.ToolCalls); err != nil {
		return nil, nil, err
	}
	msg := domain.Message{ID: r.newID(), Role: domain.RoleAssistant, Content: resp.Message.Content,
		TargetFieldID: resp.Message.TargetFieldID, CreatedAt: now}
	if err := rec.Record(domain.ActorEngine, domain.ToolSessionGreeted, engine.SessionGreeted{Message: msg}, nil); err != nil {
		return nil, nil, err
	}
	next, _, err := engine.Fold(st, rec.Entries())
	if err != nil {
		return nil, nil, err
	}
	return next, rec.Entries(), nil
}

// ProcessTurn handles one user message. The turn commits in full or not at
// all. A runtime timeout is recorded and reported as a retryable
// UpstreamTimeout error.
func (r *Runner) ProcessTurn(ctx context.Context, sessionID, userMessage string) (*TurnResult, error) {
	const op = "agent.processTurn"
	start := time.Now()
	if strings.TrimSpace(userMessage) == "" {
		return nil, &domain.Error{Kind: domain.KindInvalid, Op: op, SessionID: sessionID, Msg: "message is empty"}
	}

	token := r.newID()
	now := r.now()
	if err := r.sessions.ClaimTurn(ctx, sessionID, token, now, now.Add(r.cfg.TurnLease)); err != nil {
		r.countConflict(ctx, err)
		return nil, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if err := r.sessions.ReleaseTurn(context.WithoutCancel(ctx), sessionID, token); err != nil {
			r.log.Warn().Err(err).Str("sessionId", sessionID).Msg("releasing turn lease")
		}
	}()

	// Read under the lease so the turn starts from the latest commit.
	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	st, in, err := r.load(ctx, sess)
	if err != nil {
		return nil, err
	}

	userMsg := domain.Message{ID: r.newID(), SessionID: sessionID, Seq: len(st.Messages) + 1,
		Role: domain.RoleUser, Content: userMessage, CreatedAt: now}
	in.Messages = append(append([]domain.Message(nil), st.Messages...), userMsg)

	rctx, cancel := context.WithTimeout(ctx, r.cfg.AgentTimeout)
	resp, err := r.rt.Run(rctx, assembler.Assemble(in))
	timedOut := errors.Is(rctx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if timedOut || errors.Is(err, context.DeadlineExceeded) {
			if cerr := r.commitTimeout(ctx, st, token); cerr != nil {
				return nil, cerr
			}
			committed = true
			return nil, &domain.Error{Kind: domain.KindUpstreamTimeout, Op: op, SessionID: sessionID,
				Msg: fmt.Sprintf("agent runtime did not answer within %s", r.cfg.AgentTimeout), Err: err}
		}
		return nil, domain.WithSession(fmt.Errorf("agent runtime %s: %w", r.rt.Name(), err), sessionID)
	}
	if err := resp.Validate(); err != nil {
		return nil, domain.WithSession(err, sessionID)
	}

	rec := engine.NewRecorder(sessionID, st.Session.LastSequence, now, r.newID)
	if err := r.recordCalls(rec, st.Session.CurrentAgent, resp.ToolCalls); err != nil {
		return nil, domain.WithSession(err, sessionID)
	}
	assistant := domain.Message{ID: r.newID(), Role: domain.RoleAssistant, Content: resp.Message.Content,
		TargetFieldID: resp.Message.TargetFieldID, ReviewPassed: resp.Message.ReviewPassed, CreatedAt: now}
	if err := rec.Record(domain.ActorEngine, domain.ToolTurnCompleted, engine.TurnCompleted{
		UserMessage:      userMsg,
		AssistantMessage: assistant,
		ReviewPassed:     resp.Message.ReviewPassed,
		RuntimeFallback:  resp.ShouldFallback,
		RuntimeComplete:  resp.IsComplete,
	}, nil); err != nil {
		return nil, domain.WithSession(err, sessionID)
	}

	next, changes, err := engine.Fold(st, rec.Entries())
	if err != nil {
		return nil, domain.WithSession(err, sessionID)
	}
	if _, err := r.sessions.Commit(ctx, store.Commit{
		Session:  next.Session,
		Todos:    changes.Todos,
		Messages: changes.Messages,
		Entries:  rec.Entries(),
		Lease:    token,
	}, r.now()); err != nil {
		r.countConflict(ctx, err)
		return nil, err
	}
	committed = true

	s := &next.Session
	r.metrics.turn(ctx, string(st.Session.CurrentAgent), time.Since(start))
	r.afterCommit(ctx, &st.Session, s, hooks.EventTurnCompleted, map[string]any{
		"turnCount":    s.TurnCount,
		"currentAgent": string(s.CurrentAgent),
		"toolCalls":    len(resp.ToolCalls),
	})

	result := &TurnResult{
		SessionID:        sessionID,
		AssistantMessage: next.Messages[len(next.Messages)-1],
		Todos:            next.Todos,
		IsComplete:       next.Complete(),
		ShouldFallback:   engine.ShouldFallback(s),
		CurrentAgent:     s.CurrentAgent,
		TurnCount:        s.TurnCount,
		Notices:          engine.Notices(s),
	}
	ev := r.log.Session(sessionID).Info().
		Str("agent", string(s.CurrentAgent)).
		Int("turn", s.TurnCount).
		Int("toolCalls", len(resp.ToolCalls)).
		Bool("complete", result.IsComplete).
		Dur("duration", time.Since(start))
	if result.ShouldFallback {
		ev = ev.Str("fallbackReason", fallbackReason(s))
	}
	ev.Msg("turn completed")
	return result, nil
}

// commitTimeout records a timed-out turn.
func (r *Runner) commitTimeout(ctx context.Context, st *engine.State, token string) error {
	now := r.now()
	rec := engine.NewRecorder(st.Session.ID, st.Session.LastSequence, now, r.newID)
	if err := rec.Record(domain.ActorEngine, domain.ToolTurnTimedOut,
		engine.TurnTimedOut{TimeoutMS: r.cfg.AgentTimeout.Milliseconds()}, nil); err != nil {
		return err
	}
	next, _, err := engine.Fold(st, rec.Entries())
	if err != nil {
		return err
	}
	if _, err := r.sessions.Commit(ctx, store.Commit{Session: next.Session, Entries: rec.Entries(), Lease: token}, now); err != nil {
		r.countConflict(ctx, err)
		return err
	}
	r.metrics.timeouts.Add(ctx, 1)
	r.afterCommit(ctx, &st.Session, &next.Session, hooks.EventTurnTimedOut, map[string]any{
		"timeoutStreak": next.Session.TimeoutStreak,
	})
	r.log.Session(st.Session.ID).Warn().
		Int("timeoutStreak", next.Session.TimeoutStreak).
		Dur("timeout", r.cfg.AgentTimeout).
		Msg("agent runtime timed out")
	return nil
}

// afterCommit emits the turn event and a fallback event when the turn
// moved the session onto the fallback agent.
func (r *Runner) afterCommit(ctx context.Context, before, after *domain.Session, event string, data map[string]any) {
	r.hooks.Emit(ctx, hooks.Payload{Event: event, SessionID: after.ID, Data: data})
	if before.CurrentAgent != domain.AgentFallback && after.CurrentAgent == domain.AgentFallback {
		reason := fallbackReason(after)
		r.metrics.fallback(ctx, reason)
		r.hooks.Emit(ctx, hooks.Payload{Event: hooks.EventFallbackEngaged, SessionID: after.ID, Data: map[string]any{
			"reason": reason,
		}})
	}
}

func (r *Runner) recordCalls(rec *engine.Recorder, current domain.Agent, calls []runtime.ToolCall) error {
	for _, c := range calls {
		agent := c.Agent
		if agent == "" {
			agent = current
		}
		args := c.Args
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		if err := rec.Record(agent, c.Name, args, c.Result); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) countConflict(ctx context.Context, err error) {
	if domain.IsKind(err, domain.KindConcurrencyConflict) {
		r.metrics.conflicts.Add(ctx, 1)
	}
}

// GetSession returns a session with its todos and messages. With replay
// set, the view is rebuilt from the event log and Drift reports where the
// stored snapshot disagrees with it.
func (r *Runner) GetSession(ctx context.Context, id string, replay bool) (*SessionView, error) {
	stored, err := r.storedState(ctx, id)
	if err != nil {
		return nil, err
	}
	if !replay {
		return &SessionView{Session: stored.Session, Todos: stored.Todos, Messages: stored.Messages}, nil
	}
	replayed, err := r.replay(ctx, id)
	if err != nil {
		return nil, err
	}
	replayed.Session.Version = stored.Session.Version
	return &SessionView{
		Session:  replayed.Session,
		Todos:    replayed.Todos,
		Messages: replayed.Messages,
		Drift:    engine.Drift(stored, replayed),
	}, nil
}

// ReconcileResult reports what ReconcileSession found.
type ReconcileResult struct {
	SessionID string   `json:"sessionId"`
	Drift     []string `json:"drift"`
	Repaired  bool     `json:"repaired"`
}

// ReconcileSession rebuilds a session from its event log and overwrites
// the stored snapshot when the two disagree.
func (r *Runner) ReconcileSession(ctx context.Context, id string) (*ReconcileResult, error) {
	stored, err := r.storedState(ctx, id)
	if err != nil {
		return nil, err
	}
	replayed, err := r.replay(ctx, id)
	if err != nil {
		return nil, err
	}
	res := &ReconcileResult{SessionID: id, Drift: engine.Drift(stored, replayed)}
	if len(res.Drift) == 0 {
		res.Drift = []string{}
		return res, nil
	}

	snap := replayed.Session
	snap.Version = stored.Session.Version
	if _, err := r.sessions.Commit(ctx, store.Commit{
		Session:  snap,
		Todos:    replayed.Todos,
		Messages: engine.MissingMessages(stored.Messages, replayed.Messages),
	}, r.now()); err != nil {
		r.countConflict(ctx, err)
		return nil, err
	}
	res.Repaired = true
	r.log.Session(id).Warn().Strs("drift", res.Drift).Msg("session reconciled from event log")
	return res, nil
}

// CompleteSession marks an active session completed.
func (r *Runner) CompleteSession(ctx context.Context, id, reason string) (*domain.Session, error) {
	return r.setStatus(ctx, id, domain.StatusCompleted, reason, hooks.EventSessionCompleted)
}

// AbandonSession marks an active session abandoned.
func (r *Runner) AbandonSession(ctx context.Context, id, reason string) (*domain.Session, error) {
	return r.setStatus(ctx, id, domain.StatusAbandoned, reason, hooks.EventSessionAbandoned)
}

func (r *Runner) setStatus(ctx context.Context, id string, to domain.SessionStatus, reason, event string) (*domain.Session, error) {
	sess, err := r.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := r.now()
	rec := engine.NewRecorder(id, sess.LastSequence, now, r.newID)
	if err := rec.Record(domain.ActorEngine, domain.ToolSessionStatus, engine.StatusChanged{Status: to, Reason: reason}, nil); err != nil {
		return nil, err
	}
	next, _, err := engine.Fold(&engine.State{Session: *sess}, rec.Entries())
	if err != nil {
		return nil, domain.WithSession(err, id)
	}
	version, err := r.sessions.Commit(ctx, store.Commit{Session: next.Session, Entries: rec.Entries()}, now)
	if err != nil {
		r.countConflict(ctx, err)
		return nil, err
	}
	next.Session.Version = version

	r.hooks.Emit(ctx, hooks.Payload{Event: event, SessionID: id, Data: map[string]any{"reason": reason}})
	r.log.Session(id).Info().Str("status", string(to)).Str("reason", reason).Msg("session closed")
	return &next.Session, nil
}

// ListSessions returns stored session snapshots.
func (r *Runner) ListSessions(ctx context.Context, f store.ListFilter) ([]domain.Session, error) {
	return r.sessions.List(ctx, f)
}

// PublishPolicyVersion publishes a confirmed review policy version.
func (r *Runner) PublishPolicyVersion(ctx context.Context, id string) (*domain.PolicyVersion, error) {
	return r.policies.Publish(ctx, id)
}

func (r *Runner) storedState(ctx context.Context, id string) (*engine.State, error) {
	sess, err := r.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.withRows(ctx, sess)
}

func (r *Runner) withRows(ctx context.Context, sess *domain.Session) (*engine.State, error) {
	todos, err := r.sessions.Todos(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	msgs, err := r.sessions.Messages(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	return &engine.State{Session: *sess, Todos: todos, Messages: msgs}, nil
}

func (r *Runner) replay(ctx context.Context, id string) (*engine.State, error) {
	entries, err := r.sessions.Log(ctx, id)
	if err != nil {
		return nil, err
	}
	st, err := engine.Replay(entries)
	if err != nil {
		return nil, domain.WithSession(err, id)
	}
	return st, nil
}

// load reads the session's rows and everything the assembler needs.
func (r *Runner) load(ctx context.Context, sess *domain.Session) (*engine.State, assembler.Input, error) {
	st, err := r.withRows(ctx, sess)
	if err != nil {
		return nil, assembler.Input{}, err
	}

	in, err := r.resolveParent(ctx, sess)
	if err != nil {
		return nil, in, err
	}
	if err := r.loadSchema(ctx, sess.SchemaVersionID, &in); err != nil {
		return nil, in, err
	}
	if sess.PolicyVersionID != "" {
		if in.Policy, err = r.policies.Get(ctx, sess.PolicyVersionID); err != nil {
			return nil, in, err
		}
	}
	in.Session = st.Session
	in.Todos = st.Todos
	return st, in, nil
}

// resolveParent loads the session's parent entity and, for applications,
// the job behind it.
func (r *Runner) resolveParent(ctx context.Context, sess *domain.Session) (assembler.Input, error) {
	var in assembler.Input
	kind, id, err := sess.Parent()
	if err != nil {
		return in, err
	}
	switch kind {
	case domain.ParentApplication:
		if in.Application, err = r.schemas.GetApplication(ctx, id); err != nil {
			return in, err
		}
		in.Job, err = r.schemas.GetJob(ctx, in.Application.JobID)
	case domain.ParentJob:
		in.Job, err = r.schemas.GetJob(ctx, id)
	case domain.ParentForm:
		in.Form, err = r.schemas.GetForm(ctx, id)
	}
	return in, err
}

func (r *Runner) loadSchema(ctx context.Context, schemaVersionID string, in *assembler.Input) error {
	var err error
	if in.Fields, err = r.schemas.Fields(ctx, schemaVersionID); err != nil {
		return err
	}
	if in.Facts, err = r.schemas.Facts(ctx, schemaVersionID); err != nil {
		return err
	}
	in.Topics, err = r.schemas.Topics(ctx, schemaVersionID)
	return err
}

func applyPolicy(s *domain.Session, pv *domain.PolicyVersion) {
	s.PolicyVersionID = pv.ID
	if pv.SoftCap != nil {
		s.SoftCap = copyInt(pv.SoftCap)
	}
	if pv.HardCap != nil {
		s.HardCap = copyInt(pv.HardCap)
	}
	if pv.ReviewFailThreshold != nil {
		s.Thresholds.ReviewFail = *pv.ReviewFailThreshold
	}
	if pv.ExtractionFailThreshold != nil {
		s.Thresholds.ExtractionFail = *pv.ExtractionFailThreshold
	}
	if pv.TimeoutThreshold != nil {
		s.Thresholds.Timeout = *pv.TimeoutThreshold
	}
}

func schemaOwnedBy(sv *domain.SchemaVersion, formID, jobID string) bool {
	switch sv.OwnerKind {
	case domain.ParentForm:
		return formID != "" && sv.OwnerID == formID
	case domain.ParentJob:
		return jobID != "" && sv.OwnerID == jobID
	}
	return false
}

func jobOf(s *domain.Session, app *domain.Application) string {
	if s.JobID != "" {
		return s.JobID
	}
	if app != nil {
		return app.JobID
	}
	return ""
}

func fallbackReason(s *domain.Session) string {
	switch {
	case s.HardCappedAt != nil:
		return "hard_cap"
	case s.Thresholds.ReviewFail > 0 && s.ReviewFailStreak >= s.Thresholds.ReviewFail:
		return "review_fail_streak"
	case s.Thresholds.ExtractionFail > 0 && s.ExtractionFailStreak >= s.Thresholds.ExtractionFail:
		return "extraction_fail_streak"
	case s.Thresholds.Timeout > 0 && s.TimeoutStreak >= s.Thresholds.Timeout:
		return "timeout_streak"
	case s.FallbackSignaled:
		return "runtime"
	}
	return "unknown"
}

func capOrNil(v int) *int {
	if v <= 0 {
		return nil
	}
	return domain.IntPtr(v)
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	return domain.IntPtr(*p)
}
