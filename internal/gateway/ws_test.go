package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marromugi/gch4-sub003/internal/agent"
	"github.com/marromugi/gch4-sub003/internal/domain"
	"github.com/marromugi/gch4-sub003/internal/hooks"
	"github.com/marromugi/gch4-sub003/internal/runtime"
)

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func sendCall(t *testing.T, conn *websocket.Conn, id, method string, params any) {
	t.Helper()
	req, err := NewCall(id, method, params)
	require.NoError(t, err)
	data, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// awaitReply reads frames until the reply to id arrives. Event
// frames seen on the way are returned too.
func awaitReply(t *testing.T, conn *websocket.Conn, id string) (Frame, []Frame) {
	t.Helper()
	var events []Frame
	for {
		f := readFrame(t, conn)
		if f.Kind == FrameEvent {
			events = append(events, f)
			continue
		}
		if f.Kind == FrameReply && f.ID == id {
			return f, events
		}
	}
}

func connectWS(t *testing.T, env *testEnv, token string) (*websocket.Conn, Frame) {
	t.Helper()
	conn := dialWS(t, env)

	challenge := readFrame(t, conn)
	require.Equal(t, FrameEvent, challenge.Kind)
	require.Equal(t, "connect.challenge", challenge.Event)

	sendCall(t, conn, "c1", "connect", Hello{
		Protocol: ProtocolVersion,
		Peer:     Peer{Name: "test", Version: "1.0"},
		Auth:     &Credentials{Token: token},
	})
	return conn, readFrame(t, conn)
}

func TestWebSocketHandshake(t *testing.T) {
	env := newTestEnv(t, &runtime.Mock{})

	_, hello := connectWS(t, env, testToken)
	require.Equal(t, FrameReply, hello.Kind)
	require.NotNil(t, hello.OK)
	require.True(t, *hello.OK)

	var welcome Welcome
	require.NoError(t, json.Unmarshal(hello.Data, &welcome))
	assert.Equal(t, ProtocolVersion, welcome.Protocol)
	assert.NotEmpty(t, welcome.ConnID)
	assert.Contains(t, welcome.Methods, "session.turn")
	assert.Contains(t, welcome.Methods, "policy.publish")
	assert.Contains(t, welcome.Events, hooks.EventTurnCompleted)
}

func TestWebSocketHandshake_BadToken(t *testing.T) {
	env := newTestEnv(t, &runtime.Mock{})

	_, res := connectWS(t, env, "wrong")
	require.NotNil(t, res.OK)
	assert.False(t, *res.OK)
	require.NotNil(t, res.Error)
	assert.Equal(t, codeUnauthorized, res.Error.Code)
	assert.Equal(t, "token_mismatch", res.Error.Message)
}

func TestWebSocketHandshake_ExpectsConnect(t *testing.T) {
	env := newTestEnv(t, &runtime.Mock{})
	conn := dialWS(t, env)
	readFrame(t, conn)

	sendCall(t, conn, "x", "session.list", nil)
	res := readFrame(t, conn)
	require.NotNil(t, res.Error)
	assert.Equal(t, "protocol_error", res.Error.Code)
}

func TestWebSocketHandshake_NewerProtocol(t *testing.T) {
	env := newTestEnv(t, &runtime.Mock{})
	conn := dialWS(t, env)
	readFrame(t, conn)

	sendCall(t, conn, "c1", "connect", Hello{Protocol: ProtocolVersion + 1, Auth: &Credentials{Token: testToken}})
	res := readFrame(t, conn)
	require.NotNil(t, res.Error)
	assert.Equal(t, "protocol_error", res.Error.Code)
}

func TestWebSocketUnknownMethod(t *testing.T) {
	env := newTestEnv(t, &runtime.Mock{})
	conn, _ := connectWS(t, env, testToken)

	sendCall(t, conn, "r1", "session.teleport", map[string]string{})
	res, _ := awaitReply(t, conn, "r1")
	require.NotNil(t, res.Error)
	assert.Equal(t, codeMethodNotFound, res.Error.Code)
}

func TestWebSocketSessionFlow(t *testing.T) {
	env := newTestEnv(t, &runtime.Local{MinAnswerLen: 2})
	env.seed(t)
	conn, _ := connectWS(t, env, testToken)

	sendCall(t, conn, "r1", "session.create", agent.CreateRequest{
		Kind: domain.KindApplication, ParentID: "app-1", SchemaVersionID: "sv-1", Greet: true,
	})
	res, _ := awaitReply(t, conn, "r1")
	require.True(t, *res.OK, "%+v", res.Error)
	var view agent.SessionView
	require.NoError(t, json.Unmarshal(res.Data, &view))
	id := view.Session.ID

	sendCall(t, conn, "r2", "session.subscribe", map[string]string{"sessionId": id})
	res, _ = awaitReply(t, conn, "r2")
	require.True(t, *res.OK)

	sendCall(t, conn, "r3", "session.turn", map[string]string{"sessionId": id, "message": "hello"})
	res, events := awaitReply(t, conn, "r3")
	require.True(t, *res.OK, "%+v", res.Error)
	var turn agent.TurnResult
	require.NoError(t, json.Unmarshal(res.Data, &turn))
	assert.Equal(t, 1, turn.TurnCount)
	assert.Equal(t, "Could you tell me: Years of professional experience?", turn.AssistantMessage.Content)

	if len(events) == 0 {
		events = append(events, readFrame(t, conn))
	}
	require.Equal(t, hooks.EventTurnCompleted, events[0].Event)
	assert.Equal(t, id, events[0].SessionID)
	var p hooks.Payload
	require.NoError(t, json.Unmarshal(events[0].Data, &p))
	assert.Equal(t, id, p.SessionID)

	sendCall(t, conn, "r4", "session.abandon", map[string]string{"sessionId": id, "reason": "left"})
	res, _ = awaitReply(t, conn, "r4")
	require.True(t, *res.OK)
	var closed domain.Session
	require.NoError(t, json.Unmarshal(res.Data, &closed))
	assert.Equal(t, domain.StatusAbandoned, closed.Status)

	sendCall(t, conn, "r5", "session.turn", map[string]string{"sessionId": id, "message": "again"})
	res, _ = awaitReply(t, conn, "r5")
	require.NotNil(t, res.Error)
	assert.Equal(t, string(domain.KindInvalidTransition), res.Error.Code)
}

func TestWebSocketSubscribeUnknownSession(t *testing.T) {
	env := newTestEnv(t, &runtime.Mock{})
	conn, _ := connectWS(t, env, testToken)

	sendCall(t, conn, "r1", "session.subscribe", map[string]string{"sessionId": "nope"})
	res, _ := awaitReply(t, conn, "r1")
	require.NotNil(t, res.Error)
	assert.Equal(t, string(domain.KindNotFound), res.Error.Code)

	sendCall(t, conn, "r2", "session.subscribe", map[string]string{})
	res, _ = awaitReply(t, conn, "r2")
	require.NotNil(t, res.Error)
	assert.Equal(t, string(domain.KindInvalid), res.Error.Code)
}

func TestWebSocketSchemaImportAndHealth(t *testing.T) {
	env := newTestEnv(t, &runtime.Mock{})
	conn, _ := connectWS(t, env, testToken)

	sendCall(t, conn, "r1", "schema.import", map[string]string{"document": seedDoc})
	res, _ := awaitReply(t, conn, "r1")
	require.True(t, *res.OK, "%+v", res.Error)

	sendCall(t, conn, "r2", "health", nil)
	res, _ = awaitReply(t, conn, "r2")
	require.True(t, *res.OK)
	var h HealthResponse
	require.NoError(t, json.Unmarshal(res.Data, &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "ok", h.Database)
	assert.Equal(t, 1, h.Clients)
}

func TestWebSocketRejectsUnauthorizedOrigin(t *testing.T) {
	env := newTestEnv(t, &runtime.Mock{})
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}
