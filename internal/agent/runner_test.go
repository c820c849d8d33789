package agent

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marromugi/gch4-sub003/internal/assembler"
	"github.com/marromugi/gch4-sub003/internal/domain"
	"github.com/marromugi/gch4-sub003/internal/engine"
	"github.com/marromugi/gch4-sub003/internal/hooks"
	"github.com/marromugi/gch4-sub003/internal/logging"
	"github.com/marromugi/gch4-sub003/internal/policy"
	"github.com/marromugi/gch4-sub003/internal/runtime"
	"github.com/marromugi/gch4-sub003/internal/store"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	t        *testing.T
	db       *store.DB
	sessions *store.SessionStore
	policies *policy.Service
	runner   *Runner

	mu     sync.Mutex
	events []hooks.Payload
}

func newHarness(t *testing.T, rt runtime.Runtime, cfg RunnerConfig) *harness {
	t.Helper()
	log := logging.New(nil, "silent")
	db, err := store.Open(store.Options{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "intake.db")}, log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{t: t, db: db, sessions: store.NewSessionStore(db)}
	hm := hooks.NewManager(log)
	hm.OnAll("test", func(_ context.Context, p hooks.Payload) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, p)
		return nil
	})
	h.policies = policy.NewService(store.NewPolicyStore(db), hm, log, uuid.NewString)

	var tick atomic.Int64
	h.runner, err = NewRunner(cfg, Deps{
		Sessions: h.sessions,
		Schemas:  store.NewSchemaStore(db),
		Policies: h.policies,
		Runtime:  rt,
		Hooks:    hm,
		Log:      log,
		Now:      func() time.Time { return t0.Add(time.Duration(tick.Add(1)) * time.Second) },
	})
	require.NoError(t, err)
	h.seed()
	return h
}

// seed creates job-1 with application app-1 and approved schema sv-job
// (two required facts on f-1, one optional fact on f-2), form-1 with caps
// 2/4 and approved schema sv-form, and an unapproved sv-draft.
func (h *harness) seed() {
	ctx := context.Background()
	ss := store.NewSchemaStore(h.db)
	require.NoError(h.t, ss.CreateJob(ctx, domain.Job{ID: "job-1", Title: "Backend Engineer", CreatedAt: t0}))
	require.NoError(h.t, ss.CreateApplication(ctx, domain.Application{ID: "app-1", JobID: "job-1", CandidateName: "Sam", CreatedAt: t0}))
	require.NoError(h.t, ss.CreateForm(ctx, domain.Form{ID: "form-1", Title: "Feedback",
		SoftCap: domain.IntPtr(2), HardCap: domain.IntPtr(4), CreatedAt: t0}))

	require.NoError(h.t, ss.CreateSchemaVersion(ctx, &domain.SchemaVersion{ID: "sv-job", OwnerKind: domain.ParentJob, OwnerID: "job-1", CreatedAt: t0}))
	require.NoError(h.t, ss.AddField(ctx, store.FieldDefinition{
		Field: domain.Field{ID: "f-1", SchemaVersionID: "sv-job", Label: "Experience", Required: true, Position: 1},
		Facts: []domain.FactDefinition{
			{ID: "fd-1", Fact: "Years", DoneCriteria: "a number", Position: 0},
			{ID: "fd-2", Fact: "Languages", Position: 1},
		},
		Topics: []domain.ProhibitedTopic{{ID: "pt-1", Topic: "age"}},
	}))
	require.NoError(h.t, ss.AddField(ctx, store.FieldDefinition{
		Field: domain.Field{ID: "f-2", SchemaVersionID: "sv-job", Label: "Availability", Position: 2},
		Facts: []domain.FactDefinition{{ID: "fd-3", Fact: "Start date", Position: 0}},
	}))
	require.NoError(h.t, ss.ApproveSchemaVersion(ctx, "sv-job", t0))

	require.NoError(h.t, ss.CreateSchemaVersion(ctx, &domain.SchemaVersion{ID: "sv-form", OwnerKind: domain.ParentForm, OwnerID: "form-1", CreatedAt: t0}))
	require.NoError(h.t, ss.AddField(ctx, store.FieldDefinition{
		Field: domain.Field{ID: "ff-1", SchemaVersionID: "sv-form", Label: "Rating", Required: true},
		Facts: []domain.FactDefinition{{ID: "ffd-1", Fact: "Overall rating"}},
	}))
	require.NoError(h.t, ss.ApproveSchemaVersion(ctx, "sv-form", t0))

	require.NoError(h.t, ss.CreateSchemaVersion(ctx, &domain.SchemaVersion{ID: "sv-draft", OwnerKind: domain.ParentJob, OwnerID: "job-1", CreatedAt: t0}))
}

func (h *harness) publishPolicy(limits policy.Limits) *domain.PolicyVersion {
	h.t.Helper()
	ctx := context.Background()
	v, err := h.policies.CreateDraft(ctx, "job-1", limits)
	require.NoError(h.t, err)
	_, err = h.policies.Confirm(ctx, v.ID)
	require.NoError(h.t, err)
	v, err = h.runner.PublishPolicyVersion(ctx, v.ID)
	require.NoError(h.t, err)
	return v
}

func (h *harness) create(greet bool) *SessionView {
	h.t.Helper()
	view, err := h.runner.CreateSession(context.Background(), CreateRequest{
		Kind: domain.KindApplication, ParentID: "app-1", SchemaVersionID: "sv-job", Greet: greet,
	})
	require.NoError(h.t, err)
	return view
}

func (h *harness) turn(id, msg string) *TurnResult {
	h.t.Helper()
	res, err := h.runner.ProcessTurn(context.Background(), id, msg)
	require.NoError(h.t, err)
	return res
}

func (h *harness) stored(id string) *domain.Session {
	h.t.Helper()
	s, err := h.sessions.Get(context.Background(), id)
	require.NoError(h.t, err)
	return s
}

func (h *harness) log(id string) []domain.ToolCallLog {
	h.t.Helper()
	entries, err := h.sessions.Log(context.Background(), id)
	require.NoError(h.t, err)
	return entries
}

func (h *harness) eventsNamed(name string) []hooks.Payload {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []hooks.Payload
	for _, p := range h.events {
		if p.Event == name {
			out = append(out, p)
		}
	}
	return out
}

func (h *harness) assertNoDrift(id string) {
	h.t.Helper()
	view, err := h.runner.GetSession(context.Background(), id, true)
	require.NoError(h.t, err)
	assert.Empty(h.t, view.Drift)
}

func TestCreateSession_Defaults(t *testing.T) {
	h := newHarness(t, &runtime.Mock{}, DefaultRunnerConfig())
	view := h.create(false)

	s := view.Session
	assert.Equal(t, domain.StatusActive, s.Status)
	assert.Equal(t, domain.AgentGreeter, s.CurrentAgent)
	assert.False(t, s.BootstrapCompleted)
	assert.Equal(t, 12, *s.SoftCap)
	assert.Equal(t, 20, *s.HardCap)
	assert.Equal(t, domain.Thresholds{ReviewFail: 3, ExtractionFail: 3, Timeout: 3}, s.Thresholds)
	assert.Empty(t, s.PolicyVersionID)
	assert.Equal(t, int64(1), s.LastSequence)
	assert.Nil(t, view.Greeting)

	require.Len(t, view.Todos, 3)
	facts := []string{}
	for i, td := range view.Todos {
		assert.Equal(t, i, td.Position)
		assert.Equal(t, domain.TodoPending, td.Status)
		facts = append(facts, td.FactDefinitionID)
	}
	assert.Equal(t, []string{"fd-1", "fd-2", "fd-3"}, facts)
	assert.True(t, view.Todos[0].Required)
	assert.True(t, view.Todos[1].Required)
	assert.False(t, view.Todos[2].Required)

	entries := h.log(s.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ToolSessionCreated, entries[0].ToolName)
	assert.Equal(t, domain.ActorEngine, entries[0].Agent)
	assert.Len(t, h.eventsNamed(hooks.EventSessionCreated), 1)
	h.assertNoDrift(s.ID)
}

func TestCreateSession_CopiesPublishedPolicy(t *testing.T) {
	h := newHarness(t, &runtime.Mock{}, DefaultRunnerConfig())
	pv := h.publishPolicy(policy.Limits{SoftCap: domain.IntPtr(6), HardCap: domain.IntPtr(10), ExtractionFailThreshold: domain.IntPtr(2)})

	view := h.create(false)
	s := view.Session
	assert.Equal(t, pv.ID, s.PolicyVersionID)
	assert.Equal(t, 6, *s.SoftCap)
	assert.Equal(t, 10, *s.HardCap)
	assert.Equal(t, domain.Thresholds{ReviewFail: 3, ExtractionFail: 2, Timeout: 3}, s.Thresholds)

	// Caps are fixed at creation; later policy changes do not reach the session.
	_, err := h.policies.Demote(context.Background(), pv.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, *h.stored(s.ID).HardCap)
}

func TestCreateSession_FormCaps(t *testing.T) {
	h := newHarness(t, &runtime.Mock{}, DefaultRunnerConfig())
	view, err := h.runner.CreateSession(context.Background(), CreateRequest{
		Kind: domain.KindFormResponse, ParentID: "form-1", SchemaVersionID: "sv-form",
	})
	require.NoError(t, err)
	assert.Equal(t, "form-1", view.Session.FormID)
	assert.Equal(t, 2, *view.Session.SoftCap)
	assert.Equal(t, 4, *view.Session.HardCap)
	require.Len(t, view.Todos, 1)
	assert.True(t, view.Todos[0].Required)
}

func TestCreateSession_OtherKinds(t *testing.T) {
	h := newHarness(t, &runtime.Mock{}, DefaultRunnerConfig())
	ctx := context.Background()

	view, err := h.runner.CreateSession(ctx, CreateRequest{Kind: domain.KindPolicyCreation, ParentID: "job-1", SchemaVersionID: "sv-job"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", view.Session.JobID)

	view, err = h.runner.CreateSession(ctx, CreateRequest{Kind: domain.KindInterviewFeedback, ParentID: "app-1", SchemaVersionID: "sv-job"})
	require.NoError(t, err)
	assert.Equal(t, "app-1", view.Session.ApplicationID)
}

func TestCreateSession_Rejects(t *testing.T) {
	h := newHarness(t, &runtime.Mock{}, DefaultRunnerConfig())
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateRequest
		kind domain.ErrorKind
	}{
		{"unknown kind", CreateRequest{Kind: "survey", ParentID: "app-1", SchemaVersionID: "sv-job"}, domain.KindInvalid},
		{"missing parent", CreateRequest{Kind: domain.KindApplication, SchemaVersionID: "sv-job"}, domain.KindInvalid},
		{"unknown parent", CreateRequest{Kind: domain.KindApplication, ParentID: "app-x", SchemaVersionID: "sv-job"}, domain.KindNotFound},
		{"unknown schema", CreateRequest{Kind: domain.KindApplication, ParentID: "app-1", SchemaVersionID: "sv-x"}, domain.KindNotFound},
		{"draft schema", CreateRequest{Kind: domain.KindApplication, ParentID: "app-1", SchemaVersionID: "sv-draft"}, domain.KindInvalid},
		{"schema of another owner", CreateRequest{Kind: domain.KindFormResponse, ParentID: "form-1", SchemaVersionID: "sv-job"}, domain.KindInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.runner.CreateSession(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, domain.KindOf(err))
		})
	}

	sessions, err := h.runner.ListSessions(ctx, store.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestCreateSession_Greeting(t *testing.T) {
	h := newHarness(t, &runtime.Local{}, DefaultRunnerConfig())
	view := h.create(true)

	require.NotNil(t, view.Greeting)
	assert.Equal(t, "Hello Sam! I have a few questions for you.", view.Greeting.Content)
	assert.True(t, view.Session.BootstrapCompleted)
	assert.Equal(t, domain.AgentInterviewer, view.Session.CurrentAgent)
	require.Len(t, view.Messages, 1)

	entries := h.log(view.Session.ID)
	names := []string{}
	for _, e := range entries {
		names = append(names, e.ToolName)
	}
	assert.Equal(t, []string{domain.ToolSessionCreated, domain.ToolAgentHandoff, domain.ToolSessionGreeted}, names)
	assert.Equal(t, domain.AgentGreeter, entries[1].Agent)
	h.assertNoDrift(view.Session.ID)
}

func TestCreateSession_GreetingFailureKeepsSession(t *testing.T) {
	rt := &runtime.Mock{RunFunc: func(context.Context, *assembler.Context) (*runtime.Response, error) {
		return nil, &runtime.Error{Runtime: "mock", Code: 500, Message: "down"}
	}}
	h := newHarness(t, rt, DefaultRunnerConfig())
	view := h.create(true)
	assert.Nil(t, view.Greeting)
	assert.False(t, view.Session.BootstrapCompleted)
	assert.Len(t, h.log(view.Session.ID), 1)
}

func TestProcessTurn_HardCapForcesFallback(t *testing.T) {
	h := newHarness(t, &runtime.Mock{}, DefaultRunnerConfig())
	h.publishPolicy(policy.Limits{SoftCap: domain.IntPtr(6), HardCap: domain.IntPtr(10)})
	id := h.create(false).Session.ID

	for i := 1; i <= 9; i++ {
		res := h.turn(id, "hello")
		assert.Equal(t, i, res.TurnCount)
		assert.False(t, res.ShouldFallback)
		if i == 6 {
			assert.NotNil(t, h.stored(id).SoftCappedAt)
		}
	}
	assert.Nil(t, h.stored(id).HardCappedAt)

	res := h.turn(id, "hello")
	assert.Equal(t, 10, res.TurnCount)
	assert.Equal(t, domain.AgentFallback, res.CurrentAgent)
	assert.True(t, res.ShouldFallback)
	assert.Contains(t, res.Notices, domain.KindCapExceeded)

	s := h.stored(id)
	require.NotNil(t, s.HardCappedAt)
	capped := *s.HardCappedAt

	h.turn(id, "still here")
	s = h.stored(id)
	assert.Equal(t, 11, s.TurnCount)
	assert.True(t, capped.Equal(*s.HardCappedAt))

	fallbacks := h.eventsNamed(hooks.EventFallbackEngaged)
	require.Len(t, fallbacks, 1)
	assert.Equal(t, "hard_cap", fallbacks[0].Data["reason"])
	assert.Len(t, h.eventsNamed(hooks.EventTurnCompleted), 11)
	h.assertNoDrift(id)
}

func TestProcessTurn_FallbackHeldPastHardCap(t *testing.T) {
	var handoff bool
	rt := &runtime.Mock{RunFunc: func(context.Context, *assembler.Context) (*runtime.Response, error) {
		resp := &runtime.Response{Message: runtime.AssistantMessage{Content: "ok"}}
		if handoff {
			resp.ToolCalls = []runtime.ToolCall{{Name: domain.ToolAgentHandoff, Args: json.RawMessage(`{"to":"reviewer"}`)}}
		}
		return resp, nil
	}}
	h := newHarness(t, rt, DefaultRunnerConfig())
	h.publishPolicy(policy.Limits{SoftCap: domain.IntPtr(1), HardCap: domain.IntPtr(2)})
	id := h.create(false).Session.ID

	h.turn(id, "one")
	res := h.turn(id, "two")
	require.Equal(t, domain.AgentFallback, res.CurrentAgent)

	handoff = true
	_, err := h.runner.ProcessTurn(context.Background(), id, "three")
	require.Error(t, err)
	assert.Equal(t, domain.KindInvalidTransition, domain.KindOf(err))
	s := h.stored(id)
	assert.Equal(t, domain.AgentFallback, s.CurrentAgent)
	assert.Equal(t, 2, s.TurnCount)

	handoff = false
	for i := 3; i <= 4; i++ {
		res = h.turn(id, "still here")
		assert.Equal(t, i, res.TurnCount)
		assert.Equal(t, domain.AgentFallback, res.CurrentAgent)
		assert.True(t, res.ShouldFallback)
	}
	assert.Len(t, h.eventsNamed(hooks.EventFallbackEngaged), 1)
	h.assertNoDrift(id)
}

func TestProcessTurn_ExtractionStreakForcesFallback(t *testing.T) {
	h := newHarness(t, &runtime.Local{MinAnswerLen: 2}, DefaultRunnerConfig())
	id := h.create(true).Session.ID

	res := h.turn(id, "hi")
	assert.Equal(t, "Could you tell me: Years?", res.AssistantMessage.Content)
	assert.Equal(t, domain.TodoAwaitingAnswer, res.Todos[0].Status)

	for i := 1; i <= 2; i++ {
		res = h.turn(id, "?")
		assert.Equal(t, domain.AgentInterviewer, res.CurrentAgent)
		assert.Equal(t, i, h.stored(id).ExtractionFailStreak)
	}

	res = h.turn(id, "?")
	assert.Equal(t, domain.AgentFallback, res.CurrentAgent)
	assert.True(t, res.ShouldFallback)
	assert.Contains(t, res.Notices, domain.KindStreakThresholdReached)
	assert.Equal(t, 3, h.stored(id).ExtractionFailStreak)

	fallbacks := h.eventsNamed(hooks.EventFallbackEngaged)
	require.Len(t, fallbacks, 1)
	assert.Equal(t, "extraction_fail_streak", fallbacks[0].Data["reason"])

	res = h.turn(id, "ok then")
	assert.Equal(t, "Let's finish the remaining questions in the form instead.", res.AssistantMessage.Content)
	h.assertNoDrift(id)
}

func TestProcessTurn_CollectsEveryFact(t *testing.T) {
	h := newHarness(t, &runtime.Local{MinAnswerLen: 2}, DefaultRunnerConfig())
	id := h.create(true).Session.ID

	h.turn(id, "hello")
	res := h.turn(id, "five years")
	assert.Equal(t, domain.TodoDone, res.Todos[0].Status)
	assert.Equal(t, "five years", res.Todos[0].ExtractedValue)
	assert.False(t, res.IsComplete)

	res = h.turn(id, "Go and Rust")
	assert.True(t, res.IsComplete, "required facts are done")
	assert.Equal(t, domain.TodoAwaitingAnswer, res.Todos[2].Status)

	res = h.turn(id, "next month")
	assert.True(t, res.IsComplete)
	assert.Equal(t, domain.AgentReviewer, res.CurrentAgent)
	assert.Equal(t, "Thanks, that's everything I need.", res.AssistantMessage.Content)

	view, err := h.runner.GetSession(context.Background(), id, false)
	require.NoError(t, err)
	assert.Len(t, view.Messages, 9)
	for i, m := range view.Messages {
		assert.Equal(t, i+1, m.Seq)
	}
	assert.Equal(t, 4, view.Session.TurnCount)

	entries := h.log(id)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
	assert.Equal(t, entries[len(entries)-1].Sequence, view.Session.LastSequence)

	s, err := h.runner.CompleteSession(context.Background(), id, "collected")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, s.Status)
	h.assertNoDrift(id)
}

func TestProcessTurn_ReviewVerdicts(t *testing.T) {
	verdicts := []bool{false, false, true, false}
	var n int
	rt := &runtime.Mock{RunFunc: func(context.Context, *assembler.Context) (*runtime.Response, error) {
		v := verdicts[n]
		n++
		return &runtime.Response{Message: runtime.AssistantMessage{Content: "reviewed", ReviewPassed: domain.BoolPtr(v)}}, nil
	}}
	h := newHarness(t, rt, DefaultRunnerConfig())
	id := h.create(false).Session.ID

	want := []int{1, 2, 0, 1}
	for i := range verdicts {
		h.turn(id, "answer")
		assert.Equal(t, want[i], h.stored(id).ReviewFailStreak)
	}
	msgs, err := h.sessions.Messages(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, msgs[1].ReviewPassed)
	assert.False(t, *msgs[1].ReviewPassed)
}

func TestProcessTurn_RuntimeFallbackSignal(t *testing.T) {
	rt := &runtime.Mock{RunFunc: func(context.Context, *assembler.Context) (*runtime.Response, error) {
		return &runtime.Response{Message: runtime.AssistantMessage{Content: "switching"}, ShouldFallback: true}, nil
	}}
	h := newHarness(t, rt, DefaultRunnerConfig())
	id := h.create(false).Session.ID

	res := h.turn(id, "hi")
	assert.True(t, res.ShouldFallback)
	assert.Equal(t, domain.AgentFallback, res.CurrentAgent)
	assert.Empty(t, res.Notices)
	assert.Equal(t, "runtime", h.eventsNamed(hooks.EventFallbackEngaged)[0].Data["reason"])
}

func TestProcessTurn_RecoversAfterCrashBetweenLogAndSnapshot(t *testing.T) {
	h := newHarness(t, &runtime.Local{MinAnswerLen: 2}, DefaultRunnerConfig())
	ctx := context.Background()
	id := h.create(true).Session.ID
	h.turn(id, "hello")

	s := h.stored(id)
	require.Equal(t, int64(5), s.LastSequence)
	require.Equal(t, 1, s.TurnCount)

	// A turn whose log entry landed but whose snapshot update did not.
	args, err := engine.Encode(engine.TurnCompleted{
		UserMessage:      domain.Message{ID: "crash-u", Role: domain.RoleUser, Content: "lost answer", CreatedAt: t0},
		AssistantMessage: domain.Message{ID: "crash-a", Role: domain.RoleAssistant, Content: "lost reply", CreatedAt: t0},
	})
	require.NoError(t, err)
	_, err = h.db.SQL().ExecContext(ctx, `INSERT INTO tool_call_logs
		(id, session_id, sequence, agent, tool_name, args, result, created_at) VALUES (?, ?, ?, ?, ?, ?, NULL, ?)`,
		"crash-entry", id, 6, string(domain.ActorEngine), domain.ToolTurnCompleted, string(args), t0.Add(time.Hour).UnixMilli())
	require.NoError(t, err)

	view, err := h.runner.GetSession(ctx, id, true)
	require.NoError(t, err)
	assert.Equal(t, 2, view.Session.TurnCount)
	assert.Equal(t, int64(6), view.Session.LastSequence)
	assert.Len(t, view.Messages, 5)
	assert.Subset(t, view.Drift, []string{"turnCount", "lastSequence", "messages"})

	// The stale snapshot cannot be built on: its next sequence is taken.
	_, err = h.runner.ProcessTurn(ctx, id, "next")
	assert.True(t, domain.IsKind(err, domain.KindConcurrencyConflict), "got %v", err)
	assert.Equal(t, 1, h.stored(id).TurnCount)

	rec, err := h.runner.ReconcileSession(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.Repaired)
	assert.NotEmpty(t, rec.Drift)

	s = h.stored(id)
	assert.Equal(t, 2, s.TurnCount)
	assert.Equal(t, int64(6), s.LastSequence)
	msgs, err := h.sessions.Messages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	assert.Equal(t, "crash-a", msgs[4].ID)
	h.assertNoDrift(id)

	rec, err = h.runner.ReconcileSession(ctx, id)
	require.NoError(t, err)
	assert.False(t, rec.Repaired)

	res := h.turn(id, "five years")
	assert.Equal(t, 3, res.TurnCount)
	h.assertNoDrift(id)
}

func TestProcessTurn_ConcurrentTurnRejected(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	rt := &runtime.Mock{RunFunc: func(context.Context, *assembler.Context) (*runtime.Response, error) {
		entered <- struct{}{}
		<-release
		return &runtime.Response{Message: runtime.AssistantMessage{Content: "first"}}, nil
	}}
	h := newHarness(t, rt, DefaultRunnerConfig())
	id := h.create(false).Session.ID

	done := make(chan error, 1)
	go func() {
		_, err := h.runner.ProcessTurn(context.Background(), id, "one")
		done <- err
	}()
	<-entered

	_, err := h.runner.ProcessTurn(context.Background(), id, "two")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindConcurrencyConflict))
	assert.True(t, domain.IsRetryable(err))

	close(release)
	require.NoError(t, <-done)

	s := h.stored(id)
	assert.Equal(t, 1, s.TurnCount)
	assert.Equal(t, int64(2), s.LastSequence)
}

func TestProcessTurn_Timeout(t *testing.T) {
	rt := &runtime.Mock{RunFunc: func(ctx context.Context, _ *assembler.Context) (*runtime.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	cfg := DefaultRunnerConfig()
	cfg.AgentTimeout = 20 * time.Millisecond
	h := newHarness(t, rt, cfg)
	id := h.create(false).Session.ID

	for i := 1; i <= 3; i++ {
		_, err := h.runner.ProcessTurn(context.Background(), id, "hello?")
		require.Error(t, err)
		assert.True(t, domain.IsKind(err, domain.KindUpstreamTimeout), "got %v", err)
		assert.True(t, domain.IsRetryable(err))

		s := h.stored(id)
		assert.Equal(t, i, s.TimeoutStreak)
		assert.Equal(t, 0, s.TurnCount)
	}

	s := h.stored(id)
	assert.Equal(t, domain.AgentFallback, s.CurrentAgent)
	entries := h.log(id)
	assert.Equal(t, domain.ToolTurnTimedOut, entries[len(entries)-1].ToolName)
	assert.Len(t, h.eventsNamed(hooks.EventTurnTimedOut), 3)
	assert.Equal(t, "timeout_streak", h.eventsNamed(hooks.EventFallbackEngaged)[0].Data["reason"])

	msgs, err := h.sessions.Messages(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	rt.RunFunc = nil
	h.turn(id, "back")
	assert.Equal(t, 0, h.stored(id).TimeoutStreak)
	h.assertNoDrift(id)
}

func TestProcessTurn_CancelCommitsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &runtime.Mock{RunFunc: func(rctx context.Context, _ *assembler.Context) (*runtime.Response, error) {
		cancel()
		<-rctx.Done()
		return nil, rctx.Err()
	}}
	h := newHarness(t, rt, DefaultRunnerConfig())
	id := h.create(false).Session.ID
	before := h.stored(id)

	_, err := h.runner.ProcessTurn(ctx, id, "hello")
	assert.ErrorIs(t, err, context.Canceled)

	after := h.stored(id)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.LastSequence, after.LastSequence)
	assert.Len(t, h.log(id), 1)

	rt.RunFunc = nil
	res := h.turn(id, "hello again")
	assert.Equal(t, 1, res.TurnCount)
}

func TestProcessTurn_RejectedToolCallCommitsNothing(t *testing.T) {
	tests := []struct {
		name string
		call runtime.ToolCall
		kind domain.ErrorKind
	}{
		{"handoff outside table", runtime.ToolCall{Name: domain.ToolAgentHandoff, Args: json.RawMessage(`{"to":"reviewer"}`)}, domain.KindInvalidTransition},
		{"unknown todo", runtime.ToolCall{Name: domain.ToolTodoAsk, Args: json.RawMessage(`{"todoId":"nope"}`)}, domain.KindInvalid},
		{"answer before ask", runtime.ToolCall{Name: domain.ToolTodoAnswer}, domain.KindInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call := tt.call
			rt := &runtime.Mock{}
			h := newHarness(t, rt, DefaultRunnerConfig())
			view := h.create(false)
			id := view.Session.ID
			if call.Name == domain.ToolTodoAnswer {
				call.Args = json.RawMessage(`{"todoId":"` + view.Todos[0].ID + `","candidate":"x"}`)
			}
			rt.RunFunc = func(context.Context, *assembler.Context) (*runtime.Response, error) {
				return &runtime.Response{Message: runtime.AssistantMessage{Content: "x"}, ToolCalls: []runtime.ToolCall{call}}, nil
			}

			_, err := h.runner.ProcessTurn(context.Background(), id, "hi")
			require.Error(t, err)
			assert.Equal(t, tt.kind, domain.KindOf(err))
			assert.False(t, domain.IsRetryable(err))
			assert.Len(t, h.log(id), 1)
			assert.Equal(t, 0, h.stored(id).TurnCount)

			rt.RunFunc = nil
			h.turn(id, "again")
		})
	}
}

func TestProcessTurn_UnknownToolRecorded(t *testing.T) {
	rt := &runtime.Mock{RunFunc: func(context.Context, *assembler.Context) (*runtime.Response, error) {
		return &runtime.Response{
			Message:   runtime.AssistantMessage{Content: "noted"},
			ToolCalls: []runtime.ToolCall{{Name: "notes.write", Result: json.RawMessage(`{"ok":true}`)}},
		}, nil
	}}
	h := newHarness(t, rt, DefaultRunnerConfig())
	id := h.create(false).Session.ID
	h.turn(id, "hi")

	entries := h.log(id)
	require.Len(t, entries, 3)
	assert.Equal(t, "notes.write", entries[1].ToolName)
	assert.Equal(t, domain.AgentGreeter, entries[1].Agent)
	assert.JSONEq(t, `{}`, string(entries[1].Args))
	assert.JSONEq(t, `{"ok":true}`, string(entries[1].Result))
}

func TestProcessTurn_RuntimeErrorCommitsNothing(t *testing.T) {
	rt := &runtime.Mock{RunFunc: func(context.Context, *assembler.Context) (*runtime.Response, error) {
		return nil, &runtime.Error{Runtime: "mock", Code: 502, Message: "bad gateway"}
	}}
	h := newHarness(t, rt, DefaultRunnerConfig())
	id := h.create(false).Session.ID

	_, err := h.runner.ProcessTurn(context.Background(), id, "hi")
	var rerr *runtime.Error
	require.True(t, errors.As(err, &rerr))
	assert.False(t, domain.IsRetryable(err))
	assert.Equal(t, 0, h.stored(id).TimeoutStreak)
	assert.Len(t, h.log(id), 1)
}

func TestProcessTurn_Rejects(t *testing.T) {
	h := newHarness(t, &runtime.Mock{}, DefaultRunnerConfig())
	ctx := context.Background()
	id := h.create(false).Session.ID

	_, err := h.runner.ProcessTurn(ctx, id, "   ")
	assert.Equal(t, domain.KindInvalid, domain.KindOf(err))

	_, err = h.runner.ProcessTurn(ctx, "missing", "hi")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	_, err = h.runner.AbandonSession(ctx, id, "idle")
	require.NoError(t, err)
	_, err = h.runner.ProcessTurn(ctx, id, "hi")
	assert.Equal(t, domain.KindInvalidTransition, domain.KindOf(err))
	assert.False(t, domain.IsRetryable(err))
}

func TestCloseSession(t *testing.T) {
	h := newHarness(t, &runtime.Mock{}, DefaultRunnerConfig())
	ctx := context.Background()
	id := h.create(false).Session.ID

	s, err := h.runner.CompleteSession(ctx, id, "done")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, s.Status)
	assert.Equal(t, int64(2), s.LastSequence)

	_, err = h.runner.AbandonSession(ctx, id, "idle")
	assert.Equal(t, domain.KindInvalidTransition, domain.KindOf(err))
	_, err = h.runner.CompleteSession(ctx, id, "again")
	assert.Equal(t, domain.KindInvalidTransition, domain.KindOf(err))

	assert.Len(t, h.eventsNamed(hooks.EventSessionCompleted), 1)
	assert.Empty(t, h.eventsNamed(hooks.EventSessionAbandoned))
	h.assertNoDrift(id)

	active, err := h.runner.ListSessions(ctx, store.ListFilter{Status: domain.StatusActive})
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestPublishPolicyVersion_OnePublishedPerJob(t *testing.T) {
	h := newHarness(t, &runtime.Mock{}, DefaultRunnerConfig())
	ctx := context.Background()
	v1 := h.publishPolicy(policy.Limits{})

	v2, err := h.policies.CreateDraft(ctx, "job-1", policy.Limits{})
	require.NoError(t, err)
	_, err = h.policies.Confirm(ctx, v2.ID)
	require.NoError(t, err)

	_, err = h.runner.PublishPolicyVersion(ctx, v2.ID)
	assert.Equal(t, domain.KindPolicyState, domain.KindOf(err))

	_, err = h.policies.Demote(ctx, v1.ID)
	require.NoError(t, err)
	got, err := h.runner.PublishPolicyVersion(ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PolicyPublished, got.Status)
	assert.Equal(t, 2, got.Version)
}
