package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"

	"duochat/internal/apperr"
	"duochat/internal/calls"
	"duochat/internal/config"
	"duochat/internal/conversation"
	"duochat/internal/middleware"
	"duochat/internal/models"
	"duochat/internal/presence"
	"duochat/internal/router"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	sessionCheckTick  = 5 * time.Second
	maxMessageSize    = 16384
	maxMessagesPerSec = 10
	sendBufferSize    = 256
	eventTimeout      = 5 * time.Second
)

// WSClient is one live socket. It satisfies presence.Conn.
type WSClient struct {
	ConnID    string
	Conn      *websocket.Conn
	SessionID string
	UserID    string

	send   chan []byte
	mu     sync.Mutex
	closed bool

	parser       fastjson.Parser
	messageCount int
	lastReset    time.Time
}

func (c *WSClient) ID() string { return c.ConnID }

// Send queues msg without blocking. A full buffer or closed client drops it.
func (c *WSClient) Send(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		slog.Warn("WebSocket send buffer full, dropping frame", "conn_id", c.ConnID, "user_id", c.UserID)
		return false
	}
}

func (c *WSClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

type WSHandler struct {
	auth     *middleware.Auth
	sessions middleware.SessionStore
	origins  []string
	upgrader websocket.Upgrader

	presence *presence.Registry
	tracker  *conversation.Tracker
	router   *router.Router
	relay    *calls.Relay

	mu      sync.RWMutex
	clients map[string]*WSClient
}

type WSDeps struct {
	Auth           *middleware.Auth
	Sessions       middleware.SessionStore
	AllowedOrigins []string
	Presence       *presence.Registry
	Tracker        *conversation.Tracker
	Router         *router.Router
	Relay          *calls.Relay
}

func NewWSHandler(deps WSDeps) *WSHandler {
	h := &WSHandler{
		auth:     deps.Auth,
		sessions: deps.Sessions,
		origins:  deps.AllowedOrigins,
		presence: deps.Presence,
		tracker:  deps.Tracker,
		router:   deps.Router,
		relay:    deps.Relay,
		clients:  make(map[string]*WSClient),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	return config.IsOriginAllowed(origin, h.origins)
}

func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID, userID, err := h.auth.Identify(r)
	if err != nil {
		slog.Warn("WebSocket session validation failed", "error", err)
		http.Error(w, "Storage temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	if userID == "" {
		http.Error(w, "Not authenticated", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade error", "user_id", userID, "error", err)
		return
	}

	client := &WSClient{
		ConnID:    uuid.New().String(),
		Conn:      conn,
		SessionID: sessionID,
		UserID:    userID,
		send:      make(chan []byte, sendBufferSize),
		lastReset: time.Now(),
	}

	h.bind(client)
	slog.Info("WebSocket connected", "conn_id", client.ConnID, "user_id", userID)

	go h.writePump(client)
	h.readPump(r.Context(), client)
}

// bind makes client the user's live connection. A conversation selected on an
// earlier connection does not carry over; the new one starts with none open.
func (h *WSHandler) bind(client *WSClient) {
	h.mu.Lock()
	h.clients[client.ConnID] = client
	h.mu.Unlock()

	h.presence.Bind(client.UserID, client)
	h.tracker.Clear(client.UserID)
}

// ownsBinding reports whether client is still the user's live connection.
func (h *WSHandler) ownsBinding(client *WSClient) bool {
	conn, ok := h.presence.Lookup(client.UserID)
	return ok && conn.ID() == client.ConnID
}

// disconnect releases everything the client held. Per-user state is only torn
// down if this client still owned the presence binding.
func (h *WSHandler) disconnect(client *WSClient) {
	h.mu.Lock()
	delete(h.clients, client.ConnID)
	h.mu.Unlock()

	if h.presence.Unbind(client.UserID, client) {
		h.tracker.Clear(client.UserID)
		h.relay.Drop(client.UserID)
	}
	client.shutdown()
	client.Conn.Close()
	slog.Info("WebSocket disconnected", "conn_id", client.ConnID, "user_id", client.UserID)
}

func (h *WSHandler) readPump(ctx context.Context, client *WSClient) {
	defer h.disconnect(client)

	client.Conn.SetReadLimit(maxMessageSize)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("WebSocket read error", "conn_id", client.ConnID, "error", err)
			}
			return
		}

		if !h.validateClientSession(ctx, client) {
			return
		}

		event, data, err := client.peekEvent(message)

		// Typing indicators are relayed as fast as they arrive.
		if event != models.EventTyping && !client.allowFrame(time.Now()) {
			slog.Warn("WebSocket rate limit exceeded", "user_id", client.UserID)
			h.closeClient(client, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if err != nil {
			h.sendError(client, "", apperr.Validation("Malformed event frame"))
			continue
		}

		evCtx, cancel := context.WithTimeout(ctx, eventTimeout)
		err = router.Safely(event, func() error {
			return h.dispatch(evCtx, client, event, data)
		})
		cancel()
		if err != nil {
			h.sendError(client, event, err)
		}
	}
}

// allowFrame counts one inbound frame against the per-second budget.
func (c *WSClient) allowFrame(now time.Time) bool {
	if now.Sub(c.lastReset) > time.Second {
		c.messageCount = 0
		c.lastReset = now
	}
	c.messageCount++
	return c.messageCount <= maxMessagesPerSec
}

// peekEvent reads the event name without decoding the payload, which is left
// for the handler that knows its shape.
func (c *WSClient) peekEvent(message []byte) (string, []byte, error) {
	v, err := c.parser.ParseBytes(message)
	if err != nil {
		return "", nil, err
	}
	name := string(v.GetStringBytes("event"))
	if name == "" {
		return "", nil, apperr.Validation("event is required")
	}
	var data []byte
	if d := v.Get("data"); d != nil {
		data = d.MarshalTo(nil)
	}
	return name, data, nil
}

func decodeEventData(data []byte, dst any) error {
	if len(data) == 0 {
		return apperr.Validation("data is required")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return apperr.Validation("Malformed event data")
	}
	return nil
}

func (h *WSHandler) dispatch(ctx context.Context, client *WSClient, event string, data []byte) error {
	switch event {
	case models.EventMarkMessagesAsSeen:
		var req models.SeenRequest
		if err := decodeEventData(data, &req); err != nil {
			return err
		}
		return h.router.MarkSeen(ctx, client.UserID, req.SenderID, req.ReceiverID)

	case models.EventTyping:
		var req models.TypingRequest
		if err := decodeEventData(data, &req); err != nil {
			return err
		}
		return h.router.Typing(client.UserID, req.ReceiverID, req.IsTyping)

	case models.EventSelectConversation:
		var req models.SelectConversationRequest
		if err := decodeEventData(data, &req); err != nil {
			return err
		}
		if !h.ownsBinding(client) {
			slog.Debug("Ignoring selection from superseded connection", "conn_id", client.ConnID, "user_id", client.UserID)
			return nil
		}
		return h.router.SelectConversation(ctx, client.UserID, req.PeerID)

	case models.EventInitiateCall, models.EventAcceptCall, models.EventRejectCall,
		models.EventUserJoinedCall, models.EventUserLeftCall:
		var req models.CallRequest
		if err := decodeEventData(data, &req); err != nil {
			return err
		}
		return h.dispatchCall(client.UserID, event, req)

	default:
		return apperr.Validation("Unknown event")
	}
}

func (h *WSHandler) dispatchCall(userID, event string, req models.CallRequest) error {
	switch event {
	case models.EventInitiateCall:
		return h.relay.Initiate(userID, req)
	case models.EventAcceptCall:
		return h.relay.Accept(userID, req)
	case models.EventRejectCall:
		return h.relay.Reject(userID, req)
	case models.EventUserJoinedCall:
		return h.relay.Joined(userID, req)
	default:
		return h.relay.Left(userID, req)
	}
}

// sendError reports a failed event to the connection that sent it only.
func (h *WSHandler) sendError(client *WSClient, event string, err error) {
	if apperr.CodeOf(err) == apperr.CodeInternal {
		slog.Error("WebSocket event failed", "conn_id", client.ConnID, "user_id", client.UserID, "event", event, "error", err)
	}
	frame, mErr := models.EncodeEvent(models.EventError, models.ErrorPayload{
		Event:   event,
		Code:    string(apperr.CodeOf(err)),
		Message: apperr.PublicMessage(err),
	})
	if mErr != nil {
		return
	}
	client.Send(frame)
}

func (h *WSHandler) writePump(client *WSClient) {
	ticker := time.NewTicker(pingPeriod)
	sessionTicker := time.NewTicker(sessionCheckTick)
	defer func() {
		ticker.Stop()
		sessionTicker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := client.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sessionTicker.C:
			if !h.validateClientSession(context.Background(), client) {
				return
			}
		}
	}
}

// DisconnectSession closes every socket opened under sessionID. Called on logout.
func (h *WSHandler) DisconnectSession(sessionID string) {
	if sessionID == "" {
		return
	}
	for _, client := range h.snapshotSessionClients(sessionID) {
		h.closeClient(client, websocket.ClosePolicyViolation, "session invalidated")
	}
}

func (h *WSHandler) validateClientSession(ctx context.Context, client *WSClient) bool {
	ctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()
	valid, err := h.sessions.ValidateSession(ctx, client.SessionID, client.UserID)
	if err != nil {
		// A store hiccup is not proof the session ended.
		slog.Warn("WebSocket session check failed", "conn_id", client.ConnID, "user_id", client.UserID, "error", err)
		return true
	}
	if !valid {
		slog.Info("Closing websocket with invalid session", "conn_id", client.ConnID, "user_id", client.UserID)
		h.closeClient(client, websocket.ClosePolicyViolation, "session invalidated")
		return false
	}
	return true
}

func (h *WSHandler) closeClient(client *WSClient, code int, reason string) {
	if client == nil || client.Conn == nil {
		return
	}
	deadline := time.Now().Add(writeWait)
	_ = client.Conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = client.Conn.Close()
}

func (h *WSHandler) snapshotSessionClients(sessionID string) []*WSClient {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := make([]*WSClient, 0, len(h.clients))
	for _, client := range h.clients {
		if client.SessionID == sessionID {
			clients = append(clients, client)
		}
	}
	return clients
}
