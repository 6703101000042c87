// Package router implements the Message Router: the user-visible
// messaging API, composing the PubSub Manager and the Queue Manager per
// each message's delivery mode.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentbus/core/internal/domain"
	"github.com/agentbus/core/internal/pubsub"
	"github.com/agentbus/core/internal/queue"
)

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Router is the Message Router component. It is stateless beyond its
// subscription mirror, used only to answer GetSubscriptions.
type Router struct {
	pubsub *pubsub.Manager
	queue  *queue.Manager

	mu            sync.Mutex
	subscriptions map[string]map[string]struct{} // agent_id -> bare topic names
}

// New constructs a Router over the given PubSub and Queue managers.
func New(ps *pubsub.Manager, q *queue.Manager) *Router {
	return &Router{
		pubsub:        ps,
		queue:         q,
		subscriptions: make(map[string]map[string]struct{}),
	}
}

func agentTopic(topic string) string   { return "agent:" + topic }
func agentInbox(agentID string) string { return "agent:" + agentID + ":inbox" }
func workspaceTopic(id string) string  { return "workspace:" + id }

// Subscribe maps each topic T to agent:T and joins agentID to it.
func (r *Router) Subscribe(ctx context.Context, agentID string, topics []string) error {
	full := make([]string, len(topics))
	for i, t := range topics {
		full[i] = agentTopic(t)
	}
	if err := r.pubsub.Subscribe(ctx, agentID, full); err != nil {
		return fmt.Errorf("router: subscribe: %w", err)
	}

	r.mu.Lock()
	set := r.subscriptions[agentID]
	if set == nil {
		set = make(map[string]struct{})
		r.subscriptions[agentID] = set
	}
	for _, t := range topics {
		set[t] = struct{}{}
	}
	r.mu.Unlock()
	return nil
}

// Unsubscribe removes agentID from topics, or from every topic it holds
// when topics is empty.
func (r *Router) Unsubscribe(agentID string, topics []string) []string {
	r.mu.Lock()
	set := r.subscriptions[agentID]
	if len(topics) == 0 {
		topics = make([]string, 0, len(set))
		for t := range set {
			topics = append(topics, t)
		}
	}
	for _, t := range topics {
		delete(set, t)
	}
	if len(set) == 0 {
		delete(r.subscriptions, agentID)
	}
	r.mu.Unlock()

	full := make([]string, len(topics))
	for i, t := range topics {
		full[i] = agentTopic(t)
	}
	r.pubsub.Unsubscribe(agentID, full)
	return topics
}

// GetSubscriptions returns agentID's current bare topic names.
func (r *Router) GetSubscriptions(agentID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.subscriptions[agentID]
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}

// AttachSession opens the broker-side subscriptions a live session needs:
// the agent's inbox channel and, when the session is bound to a workspace,
// that workspace's broadcast channel. The Session Handler calls this on
// connect so the pump feeding its message callback exists before any live
// delivery. Keyed by session id rather than agent id: on an agent
// reconnect the evicted session's teardown runs concurrently with the
// replacement's attach, and must only drop its own subscriptions.
func (r *Router) AttachSession(ctx context.Context, sessionID, agentID, workspaceID string) error {
	topics := []string{agentInbox(agentID)}
	if workspaceID != "" {
		topics = append(topics, workspaceTopic(workspaceID))
	}
	if err := r.pubsub.Subscribe(ctx, sessionID, topics); err != nil {
		return fmt.Errorf("router: attach session: %w", err)
	}
	return nil
}

// DetachSession drops every broker subscription held under sessionID.
func (r *Router) DetachSession(sessionID string) {
	r.pubsub.Unsubscribe(sessionID, nil)
}

// Publish sends a message on agent:<topic>. For pubsub/both modes it
// publishes; for queue-only mode the durable path for non-direct topics is
// not defined by this core, so it returns the current subscriber count
// without publishing.
func (r *Router) Publish(ctx context.Context, topic string, message domain.Message) (int64, error) {
	full := agentTopic(topic)
	if message.Mode == domain.DeliveryQueue {
		return int64(r.pubsub.RefCount(full)), nil
	}
	if message.MessageID == "" {
		message.MessageID = domain.NewID("msg")
	}
	message.Timestamp = nowSeconds()
	payload, err := json.Marshal(message)
	if err != nil {
		return 0, fmt.Errorf("router: encode message: %w", err)
	}
	return r.pubsub.Publish(ctx, full, payload, message.MessageID)
}

// SendDirect delivers content from "from" to "to" under mode, generating a
// single message_id reused on both the queue and pub-sub paths.
func (r *Router) SendDirect(ctx context.Context, from, to string, content json.RawMessage, kind domain.MessageType, mode domain.DeliveryMode, priority int) (string, error) {
	inbox := agentInbox(to)
	msg := domain.Message{
		MessageID: domain.NewID("msg"),
		FromAgent: from,
		ToAgent:   to,
		Content:   content,
		Kind:      kind,
		Mode:      mode,
		Priority:  priority,
		Timestamp: nowSeconds(),
	}

	if mode == domain.DeliveryQueue || mode == domain.DeliveryBoth {
		if _, err := r.queue.Enqueue(ctx, inbox, msg, priority, nil, 0); err != nil {
			return "", fmt.Errorf("router: enqueue: %w", err)
		}
	}
	if mode == domain.DeliveryPubSub || mode == domain.DeliveryBoth {
		payload, err := json.Marshal(msg)
		if err != nil {
			return "", fmt.Errorf("router: encode message: %w", err)
		}
		if _, err := r.pubsub.Publish(ctx, inbox, payload, msg.MessageID); err != nil {
			return "", fmt.Errorf("router: publish: %w", err)
		}
	}
	return msg.MessageID, nil
}

// Broadcast publishes content to workspace:<workspaceID>. Broadcasts are
// always pubsub-only and are not filtered here: the message carries the
// sender as FromAgent, and the Session Handler drops it for the sender's
// own session at delivery time; the broker itself is not aware of senders.
func (r *Router) Broadcast(ctx context.Context, from, workspaceID string, content json.RawMessage, kind domain.MessageType) (int64, error) {
	msg := domain.Message{
		MessageID:   domain.NewID("msg"),
		FromAgent:   from,
		WorkspaceID: workspaceID,
		Content:     content,
		Kind:        kind,
		Mode:        domain.DeliveryPubSub,
		Timestamp:   nowSeconds(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("router: encode broadcast: %w", err)
	}
	return r.pubsub.Publish(ctx, workspaceTopic(workspaceID), payload, msg.MessageID)
}

// GetPending lists up to limit pending items of agentID's inbox without
// removing them. limit<=0 means unbounded.
func (r *Router) GetPending(ctx context.Context, agentID string, limit int) ([]domain.Message, error) {
	qms, err := r.queue.Pending(ctx, agentInbox(agentID))
	if err != nil {
		return nil, fmt.Errorf("router: get pending: %w", err)
	}
	if limit > 0 && len(qms) > limit {
		qms = qms[:limit]
	}
	out := make([]domain.Message, len(qms))
	for i, qm := range qms {
		out[i] = qm.Payload
	}
	return out, nil
}

// Acknowledge acknowledges messageID from agentID's inbox.
func (r *Router) Acknowledge(ctx context.Context, agentID, messageID string) (bool, error) {
	return r.queue.Acknowledge(ctx, agentInbox(agentID), messageID)
}

// Reject rejects messageID from agentID's inbox, requeueing or
// dead-lettering per the Queue Manager's attempt accounting.
func (r *Router) Reject(ctx context.Context, agentID, messageID string, requeue bool) error {
	return r.queue.Reject(ctx, agentInbox(agentID), messageID, requeue)
}

// DequeueNext pops the next highest-priority message from agentID's inbox,
// if any, moving it into the in-flight table. The Session Handler uses this
// to drain a recipient's durable queue as soon as it connects.
func (r *Router) DequeueNext(ctx context.Context, agentID string) (*domain.QueuedMessage, bool, error) {
	return r.queue.Dequeue(ctx, agentInbox(agentID))
}

// CleanupStaleMessages sweeps agentID's in-flight table for entries older
// than maxAge.
func (r *Router) CleanupStaleMessages(ctx context.Context, agentID string, maxAge time.Duration) (int, error) {
	return r.queue.CleanupStale(ctx, agentInbox(agentID), maxAge)
}

// OnMessage registers a handler invoked for every frame the underlying
// PubSub Manager receives, on any topic. The Session Handler uses this to
// learn about both direct deliveries (to_agent match) and topic matches.
func (r *Router) OnMessage(h pubsub.Handler) int {
	return r.pubsub.OnMessage(h)
}

// RemoveHandler unregisters a handler registered via OnMessage.
func (r *Router) RemoveHandler(token int) {
	r.pubsub.RemoveHandler(token)
}
