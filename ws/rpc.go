// Package ws serves the live JSON-RPC 2.0 channel over WebSocket. A
// connection authenticates, subscribes to one or more conversations, and can
// both drive tasks and answer pending requests raised from any channel.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/agentrelay/server/bus"
	"github.com/agentrelay/server/logger"
	"github.com/agentrelay/server/orchestrator"
	"github.com/agentrelay/server/session"
	"github.com/agentrelay/server/settings"
)

// RPCHandler handles JSON-RPC 2.0 over WebSocket.
type RPCHandler struct {
	token         string
	version       string
	backend       string
	devMode       bool
	orch          *orchestrator.Orchestrator
	bus           *bus.Bus
	store         *session.Store
	settingsStore *settings.Store
}

func NewRPCHandler(token, version, backend string, devMode bool, orch *orchestrator.Orchestrator, b *bus.Bus, store *session.Store, settingsStore *settings.Store) *RPCHandler {
	return &RPCHandler{
		token:         token,
		version:       version,
		backend:       backend,
		devMode:       devMode,
		orch:          orch,
		bus:           b,
		store:         store,
		settingsStore: settingsStore,
	}
}

func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.devMode,
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}

	h.handleConnection(r.Context(), conn)
}

func (h *RPCHandler) handleConnection(ctx context.Context, wsConn *websocket.Conn) {
	stream := newWebSocketStream(wsConn)
	connID := uuid.Must(uuid.NewV7()).String()
	h.HandleStream(ctx, stream, connID)
}

// HandleStream runs one connection to completion. Split from ServeHTTP so
// tests can drive it with an in-memory ObjectStream.
func (h *RPCHandler) HandleStream(ctx context.Context, stream jsonrpc2.ObjectStream, connID string) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "websocket connection crashed", "connId", connID)
		}
	}()

	log := slog.With("connId", connID)
	log.Info("new connection")

	state := &rpcConnState{
		connID:        connID,
		log:           log,
		subscriptions: make(map[string]string),
	}

	handler := &rpcMethodHandler{
		RPCHandler: h,
		state:      state,
		log:        log,
	}

	rpcConn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.AsyncHandler(handler))
	state.setConn(rpcConn)

	<-rpcConn.DisconnectNotify()

	state.cleanup(h.bus)
	log.Info("connection closed")
}

// rpcConnState tracks per-connection state.
type rpcConnState struct {
	mu            sync.Mutex
	connID        string
	conn          *jsonrpc2.Conn
	log           *slog.Logger
	subscriptions map[string]string // subscription id → conversation channel
}

func (s *rpcConnState) setConn(conn *jsonrpc2.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *rpcConnState) trackSubscription(id, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[id] = channel
}

func (s *rpcConnState) untrackSubscription(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	channel, ok := s.subscriptions[id]
	delete(s.subscriptions, id)
	return channel, ok
}

func (s *rpcConnState) cleanup(b *bus.Bus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, channel := range s.subscriptions {
		b.Unsubscribe(channel, id)
	}
	s.subscriptions = nil
}

type rpcMethodHandler struct {
	*RPCHandler
	state         *rpcConnState
	log           *slog.Logger
	authenticated bool
	authMu        sync.Mutex
}

func (h *rpcMethodHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "rpc handler panic", "method", req.Method, "connId", h.state.connID)
		}
	}()

	h.log.Debug("received request", "method", req.Method, "id", req.ID)

	// Auth must be the first request
	if !h.isAuthenticated() {
		if req.Method != "auth" {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "first request must be auth")
			conn.Close()
			return
		}
		h.handleAuth(ctx, conn, req)
		return
	}

	switch req.Method {
	case "task.run":
		h.handleTaskRun(ctx, conn, req)
	case "task.cancel":
		h.handleTaskCancel(ctx, conn, req)
	case "task.status":
		h.handleTaskStatus(ctx, conn, req)
	case "events.subscribe":
		h.handleEventsSubscribe(ctx, conn, req)
	case "events.unsubscribe":
		h.handleEventsUnsubscribe(ctx, conn, req)
	case "hitl.respond":
		h.handlePermissionResponse(ctx, conn, req)
	case "question.answer":
		h.handleQuestionAnswer(ctx, conn, req)
	case "plan.respond":
		h.handlePlanResponse(ctx, conn, req)
	case "history.get":
		h.handleHistoryGet(ctx, conn, req)
	case "settings.get":
		h.handleSettingsGet(ctx, conn, req)
	case "settings.update":
		h.handleSettingsUpdate(ctx, conn, req)
	case "ping":
		h.reply(ctx, conn, req.ID, map[string]string{"pong": "pong"})
	default:
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (h *rpcMethodHandler) isAuthenticated() bool {
	h.authMu.Lock()
	defer h.authMu.Unlock()
	return h.authenticated
}

func (h *rpcMethodHandler) setAuthenticated() {
	h.authMu.Lock()
	h.authenticated = true
	h.authMu.Unlock()
}

func (h *rpcMethodHandler) replyError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, code int64, message string) {
	err := &jsonrpc2.Error{
		Code:    code,
		Message: message,
	}
	if replyErr := conn.ReplyWithError(ctx, id, err); replyErr != nil {
		h.log.Error("failed to send error response", "error", replyErr)
	}
}

func (h *rpcMethodHandler) reply(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, result any) {
	if err := conn.Reply(ctx, id, result); err != nil {
		h.log.Error("failed to send response", "error", err)
	}
}

func unmarshalParams(req *jsonrpc2.Request, v interface{}) error {
	if req.Params == nil {
		return errors.New("params required")
	}
	return json.Unmarshal(*req.Params, v)
}

// channelID identifies this connection as a responding channel on the bus.
func (h *rpcMethodHandler) channelID() string {
	return "ws:" + h.state.connID
}

// webSocketStream adapts coder/websocket to jsonrpc2.ObjectStream.
type webSocketStream struct {
	conn *websocket.Conn
	mu   sync.Mutex // protects writes
}

func newWebSocketStream(conn *websocket.Conn) *webSocketStream {
	return &webSocketStream{conn: conn}
}

func (s *webSocketStream) ReadObject(v interface{}) error {
	_, data, err := s.conn.Read(context.Background())
	if err != nil {
		// Treat normal close frames as EOF so jsonrpc2 shuts down gracefully
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return io.EOF
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *webSocketStream) WriteObject(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(context.Background(), websocket.MessageText, data)
}

func (s *webSocketStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// Ensure webSocketStream implements ObjectStream
var _ jsonrpc2.ObjectStream = (*webSocketStream)(nil)
