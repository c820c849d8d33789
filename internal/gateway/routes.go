package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	gojson "github.com/goccy/go-json"

	"github.com/marromugi/gch4-sub003/internal/domain"
	"github.com/marromugi/gch4-sub003/internal/schema"
)

// routes builds the HTTP router.
func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, requestIDHeader, requestLogger(s.log), middleware.Recoverer, cors(s.cfg.AllowedOrigins))

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", rest(s.svc.listSessions, bindList, http.StatusOK))
			r.Post("/", rest(s.svc.createSession, nil, http.StatusCreated))
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", rest(s.svc.getSession, bindSessionRef, http.StatusOK))
				r.Post("/turns", rest(s.svc.turn, bindTurn, http.StatusOK))
				r.Post("/complete", rest(s.svc.complete, bindSessionRef, http.StatusOK))
				r.Post("/abandon", rest(s.svc.abandon, bindSessionRef, http.StatusOK))
				r.Post("/reconcile", rest(s.svc.reconcile, bindSessionRef, http.StatusOK))
			})
		})

		r.Get("/jobs/{jobID}/policies", rest(s.svc.listPolicies, func(r *http.Request, p *listPoliciesParams) {
			p.JobID = chi.URLParam(r, "jobID")
		}, http.StatusOK))
		r.Post("/jobs/{jobID}/policies", rest(s.svc.createPolicy, func(r *http.Request, p *createPolicyParams) {
			p.JobID = chi.URLParam(r, "jobID")
		}, http.StatusCreated))

		r.Route("/policies/{policyID}", func(r chi.Router) {
			r.Get("/", rest(s.svc.getPolicy, bindPolicyRef, http.StatusOK))
			r.Post("/signals", rest(s.svc.addSignal, func(r *http.Request, p *signalParams) {
				p.PolicyVersionID = chi.URLParam(r, "policyID")
			}, http.StatusOK))
			r.Delete("/signals/{key}", rest(s.svc.removeSignal, func(r *http.Request, p *signalKeyParams) {
				p.PolicyVersionID = chi.URLParam(r, "policyID")
				p.Key = chi.URLParam(r, "key")
			}, http.StatusOK))
			r.Post("/topics", rest(s.svc.addTopic, bindTopic, http.StatusOK))
			r.Delete("/topics/{topic}", rest(s.svc.removeTopic, bindTopic, http.StatusOK))
			r.Put("/limits", rest(s.svc.setLimits, func(r *http.Request, p *limitsParams) {
				p.PolicyVersionID = chi.URLParam(r, "policyID")
			}, http.StatusOK))
			r.Post("/confirm", rest(s.svc.confirm, bindPolicyRef, http.StatusOK))
			r.Post("/publish", rest(s.svc.publish, bindPolicyRef, http.StatusOK))
			r.Post("/demote", rest(s.svc.demote, bindPolicyRef, http.StatusOK))
		})

		r.Post("/schemas/import", s.handleSchemaImport)
	})

	r.NotFound(handleNotFound)
	return r
}

// rest adapts a service operation to an HTTP handler. The JSON body, when
// present, is decoded first; bind then fills fields from the path and query.
func rest[P, R any](fn func(context.Context, P) (R, error), bind func(*http.Request, *P), status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p P
		if r.Method != http.MethodGet && r.Body != nil {
			body := http.MaxBytesReader(w, r.Body, maxPayload)
			if err := gojson.NewDecoder(body).Decode(&p); err != nil && !errors.Is(err, io.EOF) {
				writeError(w, ErrorShape{Code: codeInvalidParams, Message: "invalid JSON body: " + err.Error()}, http.StatusBadRequest)
				return
			}
		}
		if bind != nil {
			bind(r, &p)
		}
		res, err := fn(r.Context(), p)
		if err != nil {
			shape, code := errorShape(err)
			writeError(w, shape, code)
			return
		}
		writeJSON(w, status, res)
	}
}

func bindList(r *http.Request, p *listParams) {
	q := r.URL.Query()
	p.Status = domain.SessionStatus(q.Get("status"))
	if n, err := strconv.Atoi(q.Get("limit")); err == nil {
		p.Limit = n
	}
}

func bindSessionRef(r *http.Request, p *sessionRef) {
	p.SessionID = chi.URLParam(r, "sessionID")
	if replay, err := strconv.ParseBool(r.URL.Query().Get("replay")); err == nil {
		p.Replay = replay
	}
}

func bindTurn(r *http.Request, p *turnParams) {
	p.SessionID = chi.URLParam(r, "sessionID")
}

func bindPolicyRef(r *http.Request, p *policyRef) {
	p.PolicyVersionID = chi.URLParam(r, "policyID")
}

func bindTopic(r *http.Request, p *topicParams) {
	p.PolicyVersionID = chi.URLParam(r, "policyID")
	if t := chi.URLParam(r, "topic"); t != "" {
		p.Topic = t
	}
}

// handleSchemaImport accepts a YAML document as the request body.
func (s *Server) handleSchemaImport(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.importSchema(r.Context(), http.MaxBytesReader(w, r.Body, maxPayload))
	if err != nil {
		shape, code := errorShape(err)
		if res != nil {
			shape.Details = map[string]any{"imported": res, "issues": shape.Details}
		}
		writeError(w, shape, code)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// registerRPCHandlers sets up all RPC method handlers.
func (s *Server) registerRPCHandlers() {
	s.Handle("health", s.rpcHealth)

	s.Handle("session.create", rpc(s.svc.createSession))
	s.Handle("session.get", rpc(s.svc.getSession))
	s.Handle("session.turn", rpc(s.svc.turn))
	s.Handle("session.complete", rpc(s.svc.complete))
	s.Handle("session.abandon", rpc(s.svc.abandon))
	s.Handle("session.reconcile", rpc(s.svc.reconcile))
	s.Handle("session.list", rpc(s.svc.listSessions))
	s.Handle("session.subscribe", s.rpcSubscribe)
	s.Handle("session.unsubscribe", s.rpcUnsubscribe)

	s.Handle("policy.create", rpc(s.svc.createPolicy))
	s.Handle("policy.get", rpc(s.svc.getPolicy))
	s.Handle("policy.list", rpc(s.svc.listPolicies))
	s.Handle("policy.addSignal", rpc(s.svc.addSignal))
	s.Handle("policy.removeSignal", rpc(s.svc.removeSignal))
	s.Handle("policy.addTopic", rpc(s.svc.addTopic))
	s.Handle("policy.removeTopic", rpc(s.svc.removeTopic))
	s.Handle("policy.setLimits", rpc(s.svc.setLimits))
	s.Handle("policy.confirm", rpc(s.svc.confirm))
	s.Handle("policy.publish", rpc(s.svc.publish))
	s.Handle("policy.demote", rpc(s.svc.demote))

	s.Handle("schema.import", rpc(func(ctx context.Context, p importParams) (*schema.Result, error) {
		if err := check("schema.import", p); err != nil {
			return nil, err
		}
		return s.svc.importSchema(ctx, strings.NewReader(p.Document))
	}))
}

func (s *Server) rpcHealth(rc *RequestContext) {
	h := s.health(rc.Context())
	h.Version = s.version
	h.Clients = s.clients.Count()
	h.UptimeMs = time.Since(s.startedAt).Milliseconds()
	rc.Respond(h)
}

type subscribeParams struct {
	SessionID string `json:"sessionId" validate:"required"`
}

func (s *Server) rpcSubscribe(rc *RequestContext) {
	var p subscribeParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError(codeInvalidParams, err.Error())
		return
	}
	if err := check("session.subscribe", p); err != nil {
		rc.Fail(err)
		return
	}
	if p.SessionID != "*" {
		if _, err := s.svc.engine.GetSession(rc.Context(), p.SessionID, false); err != nil {
			rc.Fail(err)
			return
		}
	}
	rc.Client.Subscribe(p.SessionID)
	rc.Respond(map[string]any{"sessionId": p.SessionID, "subscribed": true})
}

func (s *Server) rpcUnsubscribe(rc *RequestContext) {
	var p subscribeParams
	if err := rc.Params(&p); err != nil {
		rc.RespondError(codeInvalidParams, err.Error())
		return
	}
	rc.Client.Unsubscribe(p.SessionID)
	rc.Respond(map[string]any{"sessionId": p.SessionID, "subscribed": false})
}
