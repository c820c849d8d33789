// Package gateway exposes the session engine, policy authoring and schema
// import over REST (chi) and a WebSocket RPC channel (gorilla/websocket).
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/marromugi/gch4-sub003/internal/config"
	"github.com/marromugi/gch4-sub003/internal/hooks"
	"github.com/marromugi/gch4-sub003/internal/logging"
	"github.com/marromugi/gch4-sub003/internal/version"
)

var ErrClientClosed = errors.New("client connection closed")

const (
	maxPayload       = 1 << 20
	handshakeTimeout = 10 * time.Second
)

// Services are the operations the gateway exposes.
type Services struct {
	Engine   Engine
	Policies Policies
	Importer Importer
}

// Server is the intake gateway HTTP + WebSocket server.
type Server struct {
	cfg      config.GatewayConfig
	auth     ResolvedAuth
	log      *logging.Logger
	svc      *service
	clients  *ClientRegistry
	handlers map[string]RequestHandler
	version  string
	eventSeq atomic.Int64

	hooks        *hooks.Manager
	ping         func(ctx context.Context) error
	writeTimeout time.Duration

	startedAt  time.Time
	httpServer *http.Server
	upgrader   websocket.Upgrader
	limiter    *authLimiter
	inflight   sync.WaitGroup
}

// ServerOption configures the gateway server.
type ServerOption func(*Server)

// WithHooks forwards engine lifecycle events to subscribed WebSocket clients.
func WithHooks(hm *hooks.Manager) ServerOption {
	return func(s *Server) {
		s.hooks = hm
	}
}

// WithPing sets the database probe reported by health checks.
func WithPing(ping func(ctx context.Context) error) ServerOption {
	return func(s *Server) {
		s.ping = ping
	}
}

// WithWriteTimeout bounds REST responses. It must exceed the agent
// timeout or turn requests are cut off.
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.writeTimeout = d
	}
}

// New creates a new gateway server.
func New(cfg config.GatewayConfig, svc Services, log *logging.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cfg:          cfg,
		auth:         ResolveAuth(cfg.Auth),
		log:          log.Sub("gateway"),
		svc:          &service{engine: svc.Engine, policies: svc.Policies, importer: svc.Importer},
		clients:      NewClientRegistry(log.Sub("clients")),
		handlers:     make(map[string]RequestHandler),
		version:      version.Version,
		writeTimeout: 2 * time.Minute,
		limiter:      newAuthLimiter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.AllowedOrigins),
		},
		startedAt: time.Now(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.registerRPCHandlers()
	if s.hooks != nil {
		s.hooks.OnAll("gateway", s.forwardEvent)
	}
	return s
}

// checkWebSocketOrigin allows requests without an Origin header and
// browser requests from the configured origins.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return isOriginAllowed(origin, allowed)
	}
}

// Handle registers an RPC method handler.
func (s *Server) Handle(method string, handler RequestHandler) {
	s.handlers[method] = handler
}

// Methods returns the registered RPC method names, sorted.
func (s *Server) Methods() []string {
	methods := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// Handler returns the HTTP handler serving REST, health and /ws.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// resolveBindAddr computes the listen address from config.
func resolveBindAddr(cfg config.GatewayConfig) string {
	switch cfg.Bind {
	case "lan":
		return fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	case "custom":
		host := cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
		return net.JoinHostPort(host, fmt.Sprint(cfg.Port))
	default:
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
}

// Start begins listening for HTTP and WebSocket connections.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	addr := resolveBindAddr(s.cfg)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the server on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.startedAt = time.Now()

	if s.auth.Mode == "none" && s.cfg.Bind != "loopback" {
		s.log.Warn().Msg("gateway auth is disabled on a non-loopback bind")
	}
	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("bind", s.cfg.Bind).
		Str("auth", s.auth.Mode).
		Int("methods", len(s.handlers)).
		Msg("gateway server ready")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		s.log.Info().Msg("shutting down gateway server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.clients.CloseAll()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.inflight.Wait()
	return nil
}

// forwardEvent relays a hook payload to subscribed clients.
func (s *Server) forwardEvent(_ context.Context, p hooks.Payload) error {
	s.clients.Publish(p.Event, p.SessionID, p, s.eventSeq.Add(1))
	return nil
}

// handleWebSocket upgrades HTTP to WebSocket and runs the connection loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(r.RemoteAddr) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("rate limited: too many failed auth attempts")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxPayload)

	client, err := s.handshake(conn)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("handshake failed")
		s.limiter.recordFailure(r.RemoteAddr)
		conn.Close()
		return
	}

	s.clients.Add(client)
	defer func() {
		s.clients.Remove(client.ConnID)
		client.Close()
	}()

	s.readLoop(client)
}

// handshake performs the WebSocket authentication handshake: the server
// sends a challenge, the client answers with a connect call, the server
// replies with a welcome.
func (s *Server) handshake(conn *websocket.Conn) (*Client, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	challenge, err := NewEvent("connect.challenge", "", map[string]any{
		"nonce": uuid.New().String(),
		"ts":    time.Now().UnixMilli(),
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("creating challenge: %w", err)
	}
	if err := writeFrame(conn, challenge); err != nil {
		return nil, fmt.Errorf("sending challenge: %w", err)
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading connect: %w", err)
	}

	var frame Frame
	if err := gojson.Unmarshal(msg, &frame); err != nil {
		return nil, fmt.Errorf("parsing connect frame: %w", err)
	}
	if frame.Kind != FrameCall || frame.Method != "connect" {
		sendErrorAndClose(conn, frame.ID, "protocol_error", "expected connect call")
		return nil, fmt.Errorf("expected connect call, got kind=%s method=%s", frame.Kind, frame.Method)
	}

	var params Hello
	if len(frame.Params) > 0 {
		if err := gojson.Unmarshal(frame.Params, &params); err != nil {
			sendErrorAndClose(conn, frame.ID, codeInvalidParams, "invalid connect params")
			return nil, fmt.Errorf("parsing connect params: %w", err)
		}
	}
	if params.Protocol > ProtocolVersion {
		sendErrorAndClose(conn, frame.ID, "protocol_error", fmt.Sprintf("protocol %d not supported", params.Protocol))
		return nil, fmt.Errorf("peer requires protocol %d", params.Protocol)
	}

	authResult := Authorize(s.auth, params.Auth)
	if !authResult.OK {
		sendErrorAndClose(conn, frame.ID, codeUnauthorized, authResult.Reason)
		return nil, fmt.Errorf("auth failed: %s", authResult.Reason)
	}

	conn.SetReadDeadline(time.Time{})
	client := NewClient(conn, params.Peer, authResult, s.log.Sub("ws"))

	welcome := Welcome{
		Protocol: ProtocolVersion,
		ConnID:   client.ConnID,
		Version:  s.version,
		Commit:   version.Commit,
		Methods:  s.Methods(),
		Events:   append([]string{"connect.challenge"}, hooks.AllEvents...),
	}
	if err := client.Reply(frame.ID, welcome); err != nil {
		return nil, fmt.Errorf("sending welcome: %w", err)
	}

	s.log.Info().
		Str("connId", client.ConnID).
		Str("peer", params.Peer.Name).
		Str("peerVersion", params.Peer.Version).
		Str("authMethod", authResult.Method).
		Msg("client authenticated")
	return client, nil
}

// readLoop processes incoming frames from an authenticated client. Each
// request runs in its own goroutine bound to the connection's context.
func (s *Server) readLoop(client *Client) {
	for {
		frame, err := client.ReadFrame()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Str("connId", client.ConnID).Msg("client closed connection")
			} else {
				s.log.Warn().Err(err).Str("connId", client.ConnID).Msg("read error")
			}
			return
		}
		if frame.Kind != FrameCall {
			s.log.Debug().Str("kind", string(frame.Kind)).Msg("ignoring non-call frame")
			continue
		}

		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.dispatch(client, frame)
		}()
	}
}

// dispatch routes a request frame to the appropriate handler.
func (s *Server) dispatch(client *Client, frame Frame) {
	handler, ok := s.handlers[frame.Method]
	if !ok {
		client.ReplyError(frame.ID, ErrorShape{
			Code:    codeMethodNotFound,
			Message: "unknown method: " + frame.Method,
		})
		return
	}
	handler(&RequestContext{Client: client, Frame: frame, Server: s})
}

func writeFrame(conn *websocket.Conn, f Frame) error {
	data, err := gojson.Marshal(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// sendErrorAndClose sends an error response and closes the connection.
func sendErrorAndClose(conn *websocket.Conn, reqID, code, message string) {
	writeFrame(conn, NewFailure(reqID, ErrorShape{Code: code, Message: message}))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message))
}
