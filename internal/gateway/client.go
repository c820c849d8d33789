package gateway

import (
	"context"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/marromugi/gch4-sub003/internal/logging"
)

// Client represents an authenticated WebSocket connection.
type Client struct {
	ConnID      string
	Peer        Peer
	Socket      *websocket.Conn
	AuthResult  AuthResult
	ConnectedAt time.Time

	// ctx is cancelled when the connection closes so in-flight turns stop.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	// subs holds session IDs this client receives events for; "*" means all.
	subs map[string]bool
	log  *logging.Logger
}

// NewClient creates a Client for a newly authenticated WebSocket connection.
func NewClient(conn *websocket.Conn, peer Peer, authResult AuthResult, log *logging.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ConnID:      uuid.New().String(),
		Peer:        peer,
		Socket:      conn,
		AuthResult:  authResult,
		ConnectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		subs:        make(map[string]bool),
		log:         log,
	}
}

// Context is cancelled when the client disconnects.
func (c *Client) Context() context.Context { return c.ctx }

// Send sends a frame to the client. Thread-safe.
func (c *Client) Send(frame Frame) error {
	data, err := gojson.Marshal(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	return c.Socket.WriteMessage(websocket.TextMessage, data)
}

// SendEvent sends a named event about sessionID.
func (c *Client) SendEvent(event, sessionID string, data any, seq int64) error {
	f, err := NewEvent(event, sessionID, data, seq)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// Reply sends a successful reply to call id.
func (c *Client) Reply(id string, result any) error {
	f, err := NewReply(id, result)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// ReplyError sends a failed reply to call id.
func (c *Client) ReplyError(id string, shape ErrorShape) error {
	return c.Send(NewFailure(id, shape))
}

// ReadFrame reads the next frame from the WebSocket.
func (c *Client) ReadFrame() (Frame, error) {
	_, msg, err := c.Socket.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := gojson.Unmarshal(msg, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Subscribe adds a session ID, or "*", to the client's event filter.
func (c *Client) Subscribe(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[sessionID] = true
}

// Unsubscribe removes a session ID from the client's event filter.
func (c *Client) Unsubscribe(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, sessionID)
}

// Wants reports whether an event for sessionID should reach this client.
// Events without a session go to clients subscribed to "*".
func (c *Client) Wants(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs["*"] || (sessionID != "" && c.subs[sessionID])
}

// Close closes the WebSocket connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	return c.Socket.Close()
}

// ClientRegistry manages connected clients.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client // connID → Client
	log     *logging.Logger
}

// NewClientRegistry creates an empty client registry.
func NewClientRegistry(log *logging.Logger) *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
		log:     log,
	}
}

// Add registers a connected client.
func (r *ClientRegistry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.ConnID] = c
	r.log.Info().Str("connId", c.ConnID).Str("peer", c.Peer.Name).Msg("client connected")
}

// Remove unregisters a client by connection ID.
func (r *ClientRegistry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, connID)
	r.log.Info().Str("connId", connID).Msg("client disconnected")
}

// Count returns the number of connected clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Publish sends an event frame to every client subscribed to sessionID.
func (r *ClientRegistry) Publish(event, sessionID string, payload any, seq int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sent := 0
	for _, c := range r.clients {
		if !c.Wants(sessionID) {
			continue
		}
		if err := c.SendEvent(event, sessionID, payload, seq); err != nil {
			r.log.Warn().Err(err).Str("connId", c.ConnID).Msg("event send failed")
			continue
		}
		sent++
	}
	return sent
}

// CloseAll closes all connected clients.
func (r *ClientRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.clients {
		c.Close()
		delete(r.clients, id)
	}
}
