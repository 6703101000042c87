// Package session implements the Session Handler: the per-connection
// protocol interpreter that sits between a live WebSocket and the Message
// Router, translating wire frames into Router calls and Router-observed
// envelopes back into frames.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/agentbus/core/internal/connmgr"
	"github.com/agentbus/core/internal/domain"
	"github.com/agentbus/core/internal/pubsub"
	"github.com/agentbus/core/internal/router"
	"github.com/coder/websocket"
)

// TokenVerifier checks a bearer token from the handshake and returns the
// user id it names.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, bearer string) (string, error)
}

// Handler upgrades incoming HTTP requests to the persistent session
// protocol and drives each connection's read loop.
type Handler struct {
	conns         *connmgr.Manager
	router        *router.Router
	auth          TokenVerifier
	allowedOrigin string
	isDev         bool
}

// New constructs a Session Handler. auth may be nil, in which case the
// handshake accepts whatever identity the query parameters name.
func New(conns *connmgr.Manager, r *router.Router, auth TokenVerifier, allowedOrigin string, isDev bool) *Handler {
	return &Handler{conns: conns, router: r, auth: auth, allowedOrigin: allowedOrigin, isDev: isDev}
}

// wsSocket adapts *websocket.Conn to connmgr.Socket, serializing writes
// with a mutex since frames can arrive concurrently from the read loop's
// replies, router-forwarded messages, and the Connection Manager's
// heartbeat pings.
type wsSocket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSocket) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(ctx, typ, data)
}

func (s *wsSocket) Close(code websocket.StatusCode, reason string) error {
	return s.conn.Close(code, reason)
}

func (s *wsSocket) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Write(context.Background(), websocket.MessageText, data)
}

type inboundFrame struct {
	Type         string          `json:"type"`
	Topics       []string        `json:"topics,omitempty"`
	ToAgent      string          `json:"to_agent,omitempty"`
	Content      json.RawMessage `json:"content,omitempty"`
	MessageType  string          `json:"message_type,omitempty"`
	Priority     int             `json:"priority,omitempty"`
	WorkspaceID  string          `json:"workspace_id,omitempty"`
	ExcludeAgent string          `json:"exclude_agent,omitempty"`
}

func agentTopicName(topic string) string   { return "agent:" + topic }
func agentInboxName(agentID string) string { return "agent:" + agentID + ":inbox" }
func workspaceTopicName(id string) string  { return "workspace:" + id }

func nowSeconds() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	workspaceID := q.Get("workspace_id")
	agentID := q.Get("agent_id")

	if h.auth != nil {
		verified, err := h.auth.VerifyToken(r.Context(), q.Get("token"))
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		userID = verified
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Error("session: accept failed", "error", err)
		return
	}
	sock := &wsSocket{conn: conn}
	defer func() {
		_ = sock.Close(websocket.StatusNormalClosure, "session ended")
	}()

	sessionID := domain.NewID("sess")
	sess := h.conns.Register(sessionID, userID, workspaceID, agentID, sock)

	if err := sock.writeJSON(map[string]any{
		"type":          "connected",
		"connection_id": sessionID,
		"timestamp":     nowSeconds(),
	}); err != nil {
		slog.Debug("session: failed to send connected frame", "error", err)
		h.conns.Unregister(sessionID)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var token int
	if agentID != "" {
		token = h.router.OnMessage(h.forwarder(sess, sock))
		// Open the broker subscriptions live delivery rides on: without
		// them no pump reads the inbox or workspace channel and the
		// forwarder never fires.
		if err := h.router.AttachSession(ctx, sessionID, agentID, workspaceID); err != nil {
			slog.Warn("session: attach subscriptions failed", "session_id", sessionID, "agent_id", agentID, "error", err)
		}
		h.drainInbox(ctx, agentID, sock)
	}
	defer func() {
		if agentID != "" {
			h.router.RemoveHandler(token)
			h.router.DetachSession(sessionID)
		}
	}()

	h.readLoop(ctx, conn, sess, sock)
	h.conns.Unregister(sessionID)
	slog.Info("session: ended", "session_id", sessionID, "agent_id", agentID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	return origin == h.allowedOrigin
}

// drainInbox delivers and acknowledges every message already pending in
// agentID's durable queue at connect time, marking each delivery queued.
func (h *Handler) drainInbox(ctx context.Context, agentID string, sock *wsSocket) {
	for {
		qm, ok, err := h.router.DequeueNext(ctx, agentID)
		if err != nil {
			slog.Warn("session: drain inbox failed", "agent_id", agentID, "error", err)
			return
		}
		if !ok {
			return
		}
		if err := sock.writeJSON(map[string]any{
			"type":   "message",
			"data":   qm.Payload,
			"queued": true,
		}); err != nil {
			slog.Debug("session: drain delivery failed", "agent_id", agentID, "error", err)
			return
		}
		if _, err := h.router.Acknowledge(ctx, agentID, qm.MessageID); err != nil {
			slog.Warn("session: drain ack failed", "agent_id", agentID, "message_id", qm.MessageID, "error", err)
		}
	}
}

// forwarder returns a pubsub handler that forwards envelopes relevant to
// sess out over sock: direct inbox deliveries, topic subscriptions the
// session currently holds, and workspace broadcasts (excluding the
// broadcast's own sender, per decoded from_agent).
func (h *Handler) forwarder(sess *connmgr.Session, sock *wsSocket) pubsub.Handler {
	return func(_ context.Context, env domain.Envelope) error {
		var msg domain.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil
		}

		switch {
		case sess.AgentID != "" && env.Topic == agentInboxName(sess.AgentID):
		case sess.HasTopic(env.Topic):
		case sess.WorkspaceID != "" && env.Topic == workspaceTopicName(sess.WorkspaceID):
			if msg.FromAgent == sess.AgentID {
				return nil
			}
		default:
			return nil
		}

		return sock.writeJSON(map[string]any{
			"type":   "message",
			"data":   msg,
			"queued": false,
		})
	}
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, sess *connmgr.Session, sock *wsSocket) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				slog.Debug("session: read error", "error", err)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = sock.writeJSON(map[string]string{"type": "error", "message": "malformed frame"})
			continue
		}

		if err := h.dispatch(ctx, sess, sock, frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			_ = sock.writeJSON(map[string]string{"type": "error", "message": err.Error()})
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, sess *connmgr.Session, sock *wsSocket, frame inboundFrame) error {
	switch frame.Type {
	case "subscribe":
		if sess.AgentID == "" {
			return errors.New("subscribe requires agent_id")
		}
		if err := h.router.Subscribe(ctx, sess.AgentID, frame.Topics); err != nil {
			return err
		}
		for _, t := range frame.Topics {
			h.conns.JoinTopic(sess.ID, agentTopicName(t))
		}
		return sock.writeJSON(map[string]any{"type": "subscribed", "topics": frame.Topics})

	case "unsubscribe":
		if sess.AgentID == "" {
			return errors.New("unsubscribe requires agent_id")
		}
		removed := h.router.Unsubscribe(sess.AgentID, frame.Topics)
		for _, t := range removed {
			h.conns.LeaveTopic(sess.ID, agentTopicName(t))
		}
		reply := any(removed)
		if len(frame.Topics) == 0 {
			reply = "all"
		}
		return sock.writeJSON(map[string]any{"type": "unsubscribed", "topics": reply})

	case "send":
		if sess.AgentID == "" {
			return errors.New("send requires agent_id")
		}
		kind := domain.MessageType(frame.MessageType)
		if kind == "" {
			kind = domain.MessageTypeRequest
		}
		messageID, err := h.router.SendDirect(ctx, sess.AgentID, frame.ToAgent, frame.Content, kind, domain.DeliveryBoth, frame.Priority)
		if err != nil {
			return err
		}
		return sock.writeJSON(map[string]any{"type": "sent", "message_id": messageID})

	case "broadcast":
		workspaceID := frame.WorkspaceID
		if workspaceID == "" {
			workspaceID = sess.WorkspaceID
		}
		kind := domain.MessageType(frame.MessageType)
		if kind == "" {
			kind = domain.MessageTypeNotification
		}
		count, err := h.router.Broadcast(ctx, sess.AgentID, workspaceID, frame.Content, kind)
		if err != nil {
			return err
		}
		return sock.writeJSON(map[string]any{"type": "broadcast", "workspace_id": workspaceID, "recipient_count": count})

	case "pong":
		h.conns.MarkPong(sess.ID)
		return nil

	default:
		return errors.New("unknown frame type: " + frame.Type)
	}
}
