package gateway

import (
	"context"
	"net/http"
	"time"

	gojson "github.com/goccy/go-json"
)

// HealthResponse is returned by health endpoints. The public HTTP endpoint
// only populates Status; the authenticated RPC handler populates all fields.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
	Version  string `json:"version,omitempty"`
	Clients  int    `json:"clients,omitempty"`
	UptimeMs int64  `json:"uptimeMs,omitempty"`
}

// health probes the database when a ping is configured.
func (s *Server) health(ctx context.Context) HealthResponse {
	h := HealthResponse{Status: "ok", Database: "ok"}
	if s.ping != nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.ping(ctx); err != nil {
			s.log.Warn().Err(err).Msg("database ping failed")
			h.Status, h.Database = "degraded", "unreachable"
		}
	}
	return h
}

// handleHealth returns the server health status. Only status is exposed
// publicly; detailed info is available via the authenticated RPC health method.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.health(r.Context())
	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, HealthResponse{Status: h.Status})
}

// handleNotFound returns a 404 for unknown routes.
func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, ErrorShape{Code: "not_found", Message: "no route for " + r.URL.Path}, http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	gojson.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, shape ErrorShape, status int) {
	writeJSON(w, status, map[string]ErrorShape{"error": shape})
}

// RequestHandler processes an incoming RPC request frame from a client.
type RequestHandler func(rc *RequestContext)

// RequestContext carries everything a handler needs.
type RequestContext struct {
	Client *Client
	Frame  Frame
	Server *Server
}

// Context is cancelled when the client disconnects.
func (rc *RequestContext) Context() context.Context {
	return rc.Client.Context()
}

// Respond sends a success response.
func (rc *RequestContext) Respond(payload any) {
	if err := rc.Client.Reply(rc.Frame.ID, payload); err != nil {
		rc.Server.log.Warn().Err(err).Str("method", rc.Frame.Method).Msg("failed to send response")
	}
}

// RespondError sends an error response.
func (rc *RequestContext) RespondError(code, message string) {
	rc.Client.ReplyError(rc.Frame.ID, ErrorShape{
		Code:    code,
		Message: message,
	})
}

// Fail converts err to an error response.
func (rc *RequestContext) Fail(err error) {
	shape, _ := errorShape(err)
	rc.Server.log.Debug().Err(err).Str("method", rc.Frame.Method).Str("code", shape.Code).Msg("rpc request failed")
	rc.Client.ReplyError(rc.Frame.ID, shape)
}

// Params unmarshals the request params into the given target.
func (rc *RequestContext) Params(target any) error {
	if len(rc.Frame.Params) == 0 {
		return nil
	}
	return gojson.Unmarshal(rc.Frame.Params, target)
}

// rpc adapts a service operation to a RequestHandler.
func rpc[P, R any](fn func(context.Context, P) (R, error)) RequestHandler {
	return func(rc *RequestContext) {
		var p P
		if err := rc.Params(&p); err != nil {
			rc.RespondError(codeInvalidParams, err.Error())
			return
		}
		res, err := fn(rc.Context(), p)
		if err != nil {
			rc.Fail(err)
			return
		}
		rc.Respond(res)
	}
}
