// Package pubsub multiplexes many in-process subscribers over a broker's
// pub-sub stream: a single broker-side subscription per topic serves every
// interested subscriber, identical frames are fanned out to every
// registered handler, and the subscription set is rebuilt automatically if
// the broker connection drops and recovers.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentbus/core/internal/broker"
	"github.com/agentbus/core/internal/domain"
)

// Handler is invoked, in no defined order, for every frame received on
// any subscribed topic or pattern. A handler error is logged; it never
// aborts dispatch to the remaining handlers or the pump itself.
type Handler func(ctx context.Context, env domain.Envelope) error

// Manager is the PubSub Manager component.
type Manager struct {
	client broker.Client
	tick   time.Duration

	mu            sync.Mutex
	subscriptions map[string]map[string]struct{} // subscriber_id -> topics
	patterns      map[string]map[string]struct{} // subscriber_id -> patterns
	topicRefs     map[string]int
	patternRefs   map[string]int
	topicSubs     map[string]*activeSub
	patternSubs   map[string]*activeSub
	handlers      map[int]Handler
	nextHandlerID int

	wasHealthy bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
	listening  bool
}

type activeSub struct {
	sub    broker.Subscription
	cancel context.CancelFunc
}

// NewManager constructs a PubSub Manager. tick is the resync/health-poll
// interval (the "PubSub pump tick" from the configuration surface).
func NewManager(client broker.Client, tick time.Duration) *Manager {
	if tick <= 0 {
		tick = time.Second
	}
	return &Manager{
		client:        client,
		tick:          tick,
		subscriptions: make(map[string]map[string]struct{}),
		patterns:      make(map[string]map[string]struct{}),
		topicRefs:     make(map[string]int),
		patternRefs:   make(map[string]int),
		topicSubs:     make(map[string]*activeSub),
		patternSubs:   make(map[string]*activeSub),
		handlers:      make(map[int]Handler),
		wasHealthy:    true,
	}
}

// OnMessage registers a handler and returns a token for RemoveHandler.
func (m *Manager) OnMessage(h Handler) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextHandlerID
	m.nextHandlerID++
	m.handlers[id] = h
	return id
}

// RemoveHandler unregisters a previously-registered handler.
func (m *Manager) RemoveHandler(token int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, token)
}

// Subscribe joins subscriberID to each of topics, opening a broker-side
// subscription for any topic with no prior local subscriber.
func (m *Manager) Subscribe(ctx context.Context, subscriberID string, topics []string) error {
	m.mu.Lock()
	set := m.subscriptions[subscriberID]
	if set == nil {
		set = make(map[string]struct{})
		m.subscriptions[subscriberID] = set
	}
	var toOpen []string
	for _, t := range topics {
		if _, already := set[t]; !already {
			set[t] = struct{}{}
			m.topicRefs[t]++
			if m.topicRefs[t] == 1 {
				toOpen = append(toOpen, t)
			}
		}
	}
	m.mu.Unlock()

	for _, t := range toOpen {
		if err := m.openTopic(ctx, t); err != nil {
			return fmt.Errorf("pubsub: subscribe %q: %w", t, err)
		}
	}
	return nil
}

// PSubscribe joins subscriberID to each of patterns.
func (m *Manager) PSubscribe(ctx context.Context, subscriberID string, patterns []string) error {
	m.mu.Lock()
	set := m.patterns[subscriberID]
	if set == nil {
		set = make(map[string]struct{})
		m.patterns[subscriberID] = set
	}
	var toOpen []string
	for _, p := range patterns {
		if _, already := set[p]; !already {
			set[p] = struct{}{}
			m.patternRefs[p]++
			if m.patternRefs[p] == 1 {
				toOpen = append(toOpen, p)
			}
		}
	}
	m.mu.Unlock()

	for _, p := range toOpen {
		if err := m.openPattern(ctx, p); err != nil {
			return fmt.Errorf("pubsub: psubscribe %q: %w", p, err)
		}
	}
	return nil
}

// Unsubscribe removes subscriberID from each of topics, or from all of its
// topics when topics is empty, closing any broker subscription whose
// refcount drops to zero.
func (m *Manager) Unsubscribe(subscriberID string, topics []string) {
	m.mu.Lock()
	set := m.subscriptions[subscriberID]
	if set == nil {
		m.mu.Unlock()
		return
	}
	if len(topics) == 0 {
		topics = make([]string, 0, len(set))
		for t := range set {
			topics = append(topics, t)
		}
	}
	var toClose []string
	for _, t := range topics {
		if _, present := set[t]; !present {
			continue
		}
		delete(set, t)
		m.topicRefs[t]--
		if m.topicRefs[t] <= 0 {
			delete(m.topicRefs, t)
			toClose = append(toClose, t)
		}
	}
	if len(set) == 0 {
		delete(m.subscriptions, subscriberID)
	}
	m.mu.Unlock()

	for _, t := range toClose {
		m.closeTopic(t)
	}
}

// Subscriptions returns the current topic set for subscriberID, for
// callers (the Message Router) that mirror membership for introspection.
func (m *Manager) Subscriptions(subscriberID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.subscriptions[subscriberID]
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}

// RefCount reports how many distinct local subscribers currently hold a
// subscription to topic.
func (m *Manager) RefCount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.topicRefs[topic]
}

// Publish wraps payload in a framed envelope and publishes it to topic,
// generating message_id if empty.
func (m *Manager) Publish(ctx context.Context, topic string, payload json.RawMessage, messageID string) (int64, error) {
	if messageID == "" {
		messageID = domain.NewID("msg")
	}
	env := domain.Envelope{
		Topic:     topic,
		Payload:   payload,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		MessageID: messageID,
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("pubsub: encode envelope: %w", err)
	}
	return m.client.Publish(ctx, topic, encoded)
}

func (m *Manager) openTopic(ctx context.Context, topic string) error {
	sub, err := m.client.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	subCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.topicSubs[topic] = &activeSub{sub: sub, cancel: cancel}
	m.mu.Unlock()
	m.wg.Add(1)
	go m.pump(subCtx, sub)
	return nil
}

func (m *Manager) openPattern(ctx context.Context, pattern string) error {
	sub, err := m.client.PSubscribe(ctx, pattern)
	if err != nil {
		return err
	}
	subCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.patternSubs[pattern] = &activeSub{sub: sub, cancel: cancel}
	m.mu.Unlock()
	m.wg.Add(1)
	go m.pump(subCtx, sub)
	return nil
}

func (m *Manager) closeTopic(topic string) {
	m.mu.Lock()
	active := m.topicSubs[topic]
	delete(m.topicSubs, topic)
	m.mu.Unlock()
	if active != nil {
		active.cancel()
		_ = active.sub.Close()
	}
}

func (m *Manager) closePattern(pattern string) {
	m.mu.Lock()
	active := m.patternSubs[pattern]
	delete(m.patternSubs, pattern)
	m.mu.Unlock()
	if active != nil {
		active.cancel()
		_ = active.sub.Close()
	}
}

// pump reads frames from one broker subscription until its context is
// cancelled or the subscription errors out, dispatching each to every
// registered handler in sequence. A handler error is logged, never fatal.
func (m *Manager) pump(ctx context.Context, sub broker.Subscription) {
	defer m.wg.Done()
	for {
		frame, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Debug("pubsub: subscription ended", "error", err)
			}
			return
		}
		var env domain.Envelope
		if err := json.Unmarshal(frame.Payload, &env); err != nil {
			slog.Warn("pubsub: malformed envelope", "channel", frame.Channel, "error", err)
			continue
		}
		m.dispatch(ctx, env)
	}
}

func (m *Manager) dispatch(ctx context.Context, env domain.Envelope) {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, env); err != nil {
			slog.Warn("pubsub: handler error", "topic", env.Topic, "error", err)
		}
	}
}

// StartListening begins the resync-on-reconnect watchdog. Individual topic
// pumps are already running as soon as the first subscriber joins; this
// loop's job is purely to notice a broker outage-then-recovery and rebuild
// every broker-side subscription so none is silently lost to the outage.
func (m *Manager) StartListening(ctx context.Context) {
	m.mu.Lock()
	if m.listening {
		m.mu.Unlock()
		return
	}
	m.listening = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				m.checkResync(ctx)
			}
		}
	}()
}

// StopListening cooperatively cancels the resync watchdog and every open
// topic/pattern pump.
func (m *Manager) StopListening() {
	m.mu.Lock()
	if m.listening {
		close(m.stopCh)
		m.listening = false
	}
	topics := make([]string, 0, len(m.topicSubs))
	for t := range m.topicSubs {
		topics = append(topics, t)
	}
	patterns := make([]string, 0, len(m.patternSubs))
	for p := range m.patternSubs {
		patterns = append(patterns, p)
	}
	m.mu.Unlock()

	for _, t := range topics {
		m.closeTopic(t)
	}
	for _, p := range patterns {
		m.closePattern(p)
	}
	m.wg.Wait()
}

// checkResync re-issues every (subscriber, topic) and (subscriber, pattern)
// pair currently held once the broker transitions from unhealthy back to
// healthy, so a broker restart cannot silently strand subscribers.
func (m *Manager) checkResync(ctx context.Context) {
	healthy := m.client.IsHealthy()
	m.mu.Lock()
	recovered := healthy && !m.wasHealthy
	m.wasHealthy = healthy
	var topics, patterns []string
	if recovered {
		for t := range m.topicRefs {
			topics = append(topics, t)
		}
		for p := range m.patternRefs {
			patterns = append(patterns, p)
		}
	}
	m.mu.Unlock()

	if !recovered {
		return
	}
	slog.Info("pubsub: broker recovered, resyncing subscriptions", "topics", len(topics), "patterns", len(patterns))
	for _, t := range topics {
		m.closeTopic(t)
		if err := m.openTopic(ctx, t); err != nil {
			slog.Warn("pubsub: resync failed", "topic", t, "error", err)
		}
	}
	for _, p := range patterns {
		m.closePattern(p)
		if err := m.openPattern(ctx, p); err != nil {
			slog.Warn("pubsub: resync failed", "pattern", p, "error", err)
		}
	}
}
