package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marromugi/gch4-sub003/internal/agent"
	"github.com/marromugi/gch4-sub003/internal/assembler"
	"github.com/marromugi/gch4-sub003/internal/config"
	"github.com/marromugi/gch4-sub003/internal/domain"
	"github.com/marromugi/gch4-sub003/internal/hooks"
	"github.com/marromugi/gch4-sub003/internal/logging"
	"github.com/marromugi/gch4-sub003/internal/policy"
	"github.com/marromugi/gch4-sub003/internal/runtime"
	"github.com/marromugi/gch4-sub003/internal/schema"
	"github.com/marromugi/gch4-sub003/internal/store"
)

const testToken = "test-token-123"

const seedDoc = `
jobs:
  - id: job-1
    title: Backend Engineer
applications:
  - id: app-1
    jobId: job-1
    candidateName: Sam
schemas:
  - id: sv-1
    owner: {kind: job, id: job-1}
    approve: true
    fields:
      - id: f-1
        label: Experience
        required: true
        facts:
          - id: fd-1
            fact: Years of professional experience
          - id: fd-2
            fact: Main languages
`

type testEnv struct {
	srv    *Server
	ts     *httptest.Server
	runner *agent.Runner
	hooks  *hooks.Manager
}

func newTestEnv(t *testing.T, rt runtime.Runtime, opts ...ServerOption) *testEnv {
	t.Helper()
	log := logging.New(nil, "silent")
	db, err := store.Open(store.Options{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "intake.db")}, log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	hm := hooks.NewManager(log)
	schemas := store.NewSchemaStore(db)
	policies := policy.NewService(store.NewPolicyStore(db), hm, log, uuid.NewString)
	runner, err := agent.NewRunner(agent.DefaultRunnerConfig(), agent.Deps{
		Sessions: store.NewSessionStore(db),
		Schemas:  schemas,
		Policies: policies,
		Runtime:  rt,
		Hooks:    hm,
		Log:      log,
	})
	require.NoError(t, err)

	cfg := config.Defaults().Gateway
	cfg.Auth.Token = testToken
	opts = append([]ServerOption{WithHooks(hm), WithPing(db.Ping)}, opts...)
	srv := New(cfg, Services{Engine: runner, Policies: policies, Importer: schema.NewImporter(schemas, log)}, log, opts...)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, ts: ts, runner: runner, hooks: hm}
}

// call sends an authenticated request and decodes a JSON response into out.
func (e *testEnv) call(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	var res schema.Result
	require.Equal(t, http.StatusCreated, e.call(t, http.MethodPost, "/api/v1/schemas/import", seedDoc, &res))
	require.Len(t, res.SchemaVersions, 1)
}

type errorBody struct {
	Error ErrorShape `json:"error"`
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, &runtime.Mock{})

	resp, err := http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	// Public endpoint only returns status
	assert.Empty(t, health.Version)
	assert.Empty(t, health.Database)
}

func TestHealthEndpoint_DatabaseDown(t *testing.T) {
	env := newTestEnv(t, &runtime.Mock{}, WithPing(func(context.Context) error { return errors.New("gone") }))

	resp, err := http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestNotFoundEndpoint(t *testing.T) {
	env := newTestEnv(t, &runtime.Mock{})

	resp, err := http.Get(env.ts.URL + "/nonexistent")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "not_found", body.Error.Code)
}

func TestRESTRequiresAuth(t *testing.T) {
	env := newTestEnv(t, &runtime.Mock{})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + testToken, http.StatusUnauthorized},
		{"valid", "Bearer " + testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/api/v1/sessions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	log := logging.New(nil, "silent")
	cfg := config.Defaults().Gateway
	cfg.AllowedOrigins = []string{"https://recruit.example.com"}
	srv := New(cfg, Services{}, log)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/sessions", nil)
	req.Header.Set("Origin", "https://recruit.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://recruit.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRESTSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, &runtime.Local{MinAnswerLen: 2})
	env.seed(t)

	var view agent.SessionView
	status := env.call(t, http.MethodPost, "/api/v1/sessions", agent.CreateRequest{
		Kind: domain.KindApplication, ParentID: "app-1", SchemaVersionID: "sv-1", Greet: true,
	}, &view)
	require.Equal(t, http.StatusCreated, status)
	id := view.Session.ID
	require.NotNil(t, view.Greeting)
	assert.Equal(t, "Hello Sam! I have a few questions for you.", view.Greeting.Content)
	assert.Equal(t, domain.AgentInterviewer, view.Session.CurrentAgent)
	require.Len(t, view.Todos, 2)

	var turn agent.TurnResult
	require.Equal(t, http.StatusOK, env.call(t, http.MethodPost, "/api/v1/sessions/"+id+"/turns", map[string]string{"message": "hello"}, &turn))
	assert.Equal(t, "Could you tell me: Years of professional experience?", turn.AssistantMessage.Content)

	require.Equal(t, http.StatusOK, env.call(t, http.MethodPost, "/api/v1/sessions/"+id+"/turns", map[string]string{"message": "five years"}, &turn))
	assert.Equal(t, domain.TodoDone, turn.Todos[0].Status)
	assert.False(t, turn.IsComplete)

	require.Equal(t, http.StatusOK, env.call(t, http.MethodPost, "/api/v1/sessions/"+id+"/turns", map[string]string{"message": "Go and Rust"}, &turn))
	assert.True(t, turn.IsComplete)
	assert.Equal(t, 3, turn.TurnCount)

	var replayed agent.SessionView
	require.Equal(t, http.StatusOK, env.call(t, http.MethodGet, "/api/v1/sessions/"+id+"?replay=true", nil, &replayed))
	assert.Empty(t, replayed.Drift)
	assert.Equal(t, 3, replayed.Session.TurnCount)

	var list []domain.Session
	require.Equal(t, http.StatusOK, env.call(t, http.MethodGet, "/api/v1/sessions?status=active", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)

	var closed domain.Session
	require.Equal(t, http.StatusOK, env.call(t, http.MethodPost, "/api/v1/sessions/"+id+"/complete", map[string]string{"reason": "collected"}, &closed))
	assert.Equal(t, domain.StatusCompleted, closed.Status)

	var failed errorBody
	status = env.call(t, http.MethodPost, "/api/v1/sessions/"+id+"/turns", map[string]string{"message": "one more"}, &failed)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, string(domain.KindInvalidTransition), failed.Error.Code)
	assert.False(t, failed.Error.Retryable)

	var rec agent.ReconcileResult
	require.Equal(t, http.StatusOK, env.call(t, http.MethodPost, "/api/v1/sessions/"+id+"/reconcile", nil, &rec))
	assert.False(t, rec.Repaired)
}

func TestRESTErrors(t *testing.T) {
	env := newTestEnv(t, &runtime.Mock{})
	env.seed(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown session", http.MethodGet, "/api/v1/sessions/missing", nil, http.StatusNotFound, string(domain.KindNotFound)},
		{"empty message", http.MethodPost, "/api/v1/sessions/missing/turns", map[string]string{}, http.StatusBadRequest, string(domain.KindInvalid)},
		{"bad json", http.MethodPost, "/api/v1/sessions", "{", http.StatusBadRequest, codeInvalidParams},
		{"bad kind", http.MethodPost, "/api/v1/sessions", map[string]string{"kind": "survey", "parentId": "app-1", "schemaVersionId": "sv-1"}, http.StatusBadRequest, string(domain.KindInvalid)},
		{"bad list status", http.MethodGet, "/api/v1/sessions?status=paused", nil, http.StatusBadRequest, string(domain.KindInvalid)},
		{"unknown policy", http.MethodPost, "/api/v1/policies/missing/confirm", nil, http.StatusNotFound, string(domain.KindNotFound)},
		{"bad signal priority", http.MethodPost, "/api/v1/policies/p/signals", map[string]string{"key": "k", "label": "L", "priority": "urgent"}, http.StatusBadRequest, string(domain.KindInvalid)},
		{"invalid yaml", http.MethodPost, "/api/v1/schemas/import", "jobs: [", http.StatusBadRequest, string(domain.KindInvalid)},
		{"invalid document", http.MethodPost, "/api/v1/schemas/import", "jobs:\n  - title: ''\n", http.StatusBadRequest, codeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body errorBody
			status := env.call(t, tt.method, tt.path, tt.body, &body)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}
}

func TestRESTPolicyAuthoring(t *testing.T) {
	env := newTestEnv(t, &runtime.Mock{})
	env.seed(t)

	var draft domain.PolicyVersion
	require.Equal(t, http.StatusCreated, env.call(t, http.MethodPost, "/api/v1/jobs/job-1/policies",
		map[string]any{"limits": map[string]int{"softCap": 6, "hardCap": 10}}, &draft))
	assert.Equal(t, domain.PolicyDraft, draft.Status)
	assert.Equal(t, 1, draft.Version)
	base := "/api/v1/policies/" + draft.ID

	var v domain.PolicyVersion
	require.Equal(t, http.StatusOK, env.call(t, http.MethodPost, base+"/signals",
		map[string]string{"key": "go", "label": "Go experience", "priority": "must"}, &v))
	require.Equal(t, http.StatusOK, env.call(t, http.MethodPost, base+"/signals",
		map[string]string{"key": "oss", "label": "Open source", "priority": "nice"}, &v))
	require.Len(t, v.Signals, 2)
	require.Equal(t, http.StatusOK, env.call(t, http.MethodDelete, base+"/signals/go", nil, &v))
	require.Len(t, v.Signals, 1)
	assert.Equal(t, 0, v.Signals[0].Position)

	require.Equal(t, http.StatusOK, env.call(t, http.MethodPost, base+"/topics", map[string]string{"topic": "salary"}, &v))
	require.Equal(t, http.StatusOK, env.call(t, http.MethodDelete, base+"/topics/salary", nil, &v))
	assert.Empty(t, v.ProhibitedTopics)

	require.Equal(t, http.StatusOK, env.call(t, http.MethodPut, base+"/limits",
		map[string]any{"limits": map[string]int{"softCap": 5, "hardCap": 9}}, &v))
	assert.Equal(t, 9, *v.HardCap)

	var failed errorBody
	assert.Equal(t, http.StatusUnprocessableEntity, env.call(t, http.MethodPost, base+"/publish", nil, &failed))
	assert.Equal(t, string(domain.KindPolicyState), failed.Error.Code)

	require.Equal(t, http.StatusOK, env.call(t, http.MethodPost, base+"/confirm", nil, &v))
	assert.Equal(t, domain.PolicyConfirmed, v.Status)
	assert.Equal(t, http.StatusUnprocessableEntity, env.call(t, http.MethodPost, base+"/signals",
		map[string]string{"key": "late", "label": "Late", "priority": "want"}, &failed))

	require.Equal(t, http.StatusOK, env.call(t, http.MethodPost, base+"/publish", nil, &v))
	assert.Equal(t, domain.PolicyPublished, v.Status)

	var versions []domain.PolicyVersion
	require.Equal(t, http.StatusOK, env.call(t, http.MethodGet, "/api/v1/jobs/job-1/policies", nil, &versions))
	require.Len(t, versions, 1)

	var view agent.SessionView
	require.Equal(t, http.StatusCreated, env.call(t, http.MethodPost, "/api/v1/sessions", agent.CreateRequest{
		Kind: domain.KindApplication, ParentID: "app-1", SchemaVersionID: "sv-1",
	}, &view))
	assert.Equal(t, draft.ID, view.Session.PolicyVersionID)
	assert.Equal(t, 9, *view.Session.HardCap)

	require.Equal(t, http.StatusOK, env.call(t, http.MethodPost, base+"/demote", nil, &v))
	assert.Equal(t, domain.PolicyConfirmed, v.Status)
}

func TestRESTTurnTimeoutIsRetryable(t *testing.T) {
	env := newTestEnv(t, &runtime.Mock{RunFunc: func(ctx context.Context, _ *assembler.Context) (*runtime.Response, error) {
		return nil, context.DeadlineExceeded
	}})
	env.seed(t)

	var view agent.SessionView
	require.Equal(t, http.StatusCreated, env.call(t, http.MethodPost, "/api/v1/sessions", agent.CreateRequest{
		Kind: domain.KindApplication, ParentID: "app-1", SchemaVersionID: "sv-1",
	}, &view))

	var failed errorBody
	status := env.call(t, http.MethodPost, "/api/v1/sessions/"+view.Session.ID+"/turns", map[string]string{"message": "hi"}, &failed)
	assert.Equal(t, http.StatusGatewayTimeout, status)
	assert.Equal(t, string(domain.KindUpstreamTimeout), failed.Error.Code)
	assert.True(t, failed.Error.Retryable)
}

func TestErrorShape(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		status    int
		retryable bool
	}{
		{"conflict", domain.Errorf(domain.KindConcurrencyConflict, "op", "stale"), "concurrency_conflict", http.StatusConflict, true},
		{"wrapped not found", errors.Join(errors.New("ctx"), domain.Errorf(domain.KindNotFound, "op", "x")), "not_found", http.StatusNotFound, false},
		{"cap", domain.Errorf(domain.KindCapExceeded, "op", "cap"), "cap_exceeded", http.StatusUnprocessableEntity, false},
		{"canceled", context.Canceled, codeCanceled, 499, false},
		{"plain", errors.New("boom"), codeInternal, http.StatusInternalServerError, false},
		{"document", &schema.ValidationError{Issues: []string{"a"}}, codeInvalidParams, http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shape, status := errorShape(tt.err)
			assert.Equal(t, tt.code, shape.Code)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.retryable, shape.Retryable)
		})
	}
}

func TestResolveBindAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:8080", resolveBindAddr(config.GatewayConfig{Port: 8080, Bind: "loopback"}))
	assert.Equal(t, "0.0.0.0:8080", resolveBindAddr(config.GatewayConfig{Port: 8080, Bind: "lan"}))
	assert.Equal(t, "10.0.0.5:8080", resolveBindAddr(config.GatewayConfig{Port: 8080, Bind: "custom", CustomBindHost: "10.0.0.5"}))
	assert.Equal(t, "127.0.0.1:8080", resolveBindAddr(config.GatewayConfig{Port: 8080}))
}
