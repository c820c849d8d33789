package gateway

import (
	"encoding/json"

	gojson "github.com/goccy/go-json"
)

// ProtocolVersion is the RPC protocol spoken on /ws.
const ProtocolVersion = 1

// FrameKind discriminates the three frame shapes on the RPC channel.
type FrameKind string

const (
	// FrameCall invokes a method; the server answers with a FrameReply
	// carrying the same ID.
	FrameCall  FrameKind = "call"
	FrameReply FrameKind = "reply"
	// FrameEvent is a lifecycle notification pushed to subscribers.
	FrameEvent FrameKind = "event"
)

// Frame is one message on the RPC channel.
type Frame struct {
	Kind FrameKind `json:"kind"`
	ID   string    `json:"id,omitempty"`

	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	OK    *bool       `json:"ok,omitempty"`
	Error *ErrorShape `json:"error,omitempty"`

	Event     string `json:"event,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Seq       int64  `json:"seq,omitempty"`

	// Data is the reply result or the event body.
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrorShape is the standard error format in reply frames and REST
// error bodies. Code is a domain error kind or a transport code such as
// "invalid_params" or "method_not_found".
type ErrorShape struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// Hello is the params of the "connect" call that opens every connection.
type Hello struct {
	Protocol int          `json:"protocol"`
	Peer     Peer         `json:"peer"`
	Auth     *Credentials `json:"auth,omitempty"`
}

// Peer names the operator tool or service on the other end.
type Peer struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Credentials authenticate a connection or a REST request.
type Credentials struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// Welcome answers a successful connect.
type Welcome struct {
	Protocol int      `json:"protocol"`
	ConnID   string   `json:"connId"`
	Version  string   `json:"version"`
	Commit   string   `json:"commit,omitempty"`
	Methods  []string `json:"methods"`
	Events   []string `json:"events"`
}

// NewCall builds a call frame.
func NewCall(id, method string, params any) (Frame, error) {
	raw, err := gojson.Marshal(params)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: FrameCall, ID: id, Method: method, Params: raw}, nil
}

// NewReply builds a successful reply to call id.
func NewReply(id string, result any) (Frame, error) {
	raw, err := gojson.Marshal(result)
	if err != nil {
		return Frame{}, err
	}
	ok := true
	return Frame{Kind: FrameReply, ID: id, OK: &ok, Data: raw}, nil
}

// NewFailure builds a failed reply to call id.
func NewFailure(id string, shape ErrorShape) Frame {
	ok := false
	return Frame{Kind: FrameReply, ID: id, OK: &ok, Error: &shape}
}

// NewEvent builds an event frame. sessionID is empty for events that
// are not about a single session.
func NewEvent(event, sessionID string, data any, seq int64) (Frame, error) {
	raw, err := gojson.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: FrameEvent, Event: event, SessionID: sessionID, Seq: seq, Data: raw}, nil
}
