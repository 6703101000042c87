// Package queue implements the Queue Manager: a durable, per-recipient
// priority queue with an in-flight table and a dead-letter list, all
// layered on the Broker Client's sorted-set/hash/list primitives.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentbus/core/internal/broker"
	"github.com/agentbus/core/internal/domain"
)

// Config controls the defaults applied when a caller omits its own.
type Config struct {
	DefaultTTL         time.Duration
	DefaultMaxAttempts int
	StaleMaxAge        time.Duration
}

// DefaultConfig returns the defaults named in the external-interfaces
// configuration surface.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:         24 * time.Hour,
		DefaultMaxAttempts: 3,
		StaleMaxAge:        time.Hour,
	}
}

// Manager is the Queue Manager component.
type Manager struct {
	client broker.Client
	cfg    Config
}

// NewManager constructs a Queue Manager over client.
func NewManager(client broker.Client, cfg Config) *Manager {
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	if cfg.StaleMaxAge <= 0 {
		cfg.StaleMaxAge = time.Hour
	}
	return &Manager{client: client, cfg: cfg}
}

func queueKey(name string) string      { return name + ":queue" }
func processingKey(name string) string { return name + ":processing" }
func deadLetterKey(name string) string { return name + ":dead_letter" }

// Enqueue writes a new QueuedMessage into name's pending structure, scored
// by negated priority so pop-min yields the highest priority first. ttl of
// zero uses the manager's default.
func (m *Manager) Enqueue(ctx context.Context, name string, payload domain.Message, priority int, metadata json.RawMessage, ttl time.Duration) (string, error) {
	return m.enqueue(ctx, name, payload, priority, metadata, ttl, 0)
}

func (m *Manager) enqueue(ctx context.Context, name string, payload domain.Message, priority int, metadata json.RawMessage, ttl time.Duration, attempts int) (string, error) {
	if payload.MessageID == "" {
		payload.MessageID = domain.NewID("msg")
	}
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	qm := domain.QueuedMessage{
		QueueName:   name,
		Payload:     payload,
		MessageID:   payload.MessageID,
		Priority:    priority,
		Attempts:    attempts,
		MaxAttempts: m.cfg.DefaultMaxAttempts,
		CreatedAt:   float64(time.Now().UnixNano()) / 1e9,
		Metadata:    metadata,
	}

	encoded, err := json.Marshal(qm)
	if err != nil {
		return "", fmt.Errorf("queue: encode message: %w", err)
	}
	key := queueKey(name)
	if err := m.client.QueuePush(ctx, key, encoded, float64(-priority)); err != nil {
		return "", fmt.Errorf("queue: push: %w", err)
	}
	if err := m.client.Expire(ctx, key, ttl); err != nil {
		return "", fmt.Errorf("queue: set ttl: %w", err)
	}
	return qm.MessageID, nil
}

// Dequeue pops the highest-priority pending message (if any) and moves it
// into the in-flight table, incrementing its attempt count.
func (m *Manager) Dequeue(ctx context.Context, name string) (*domain.QueuedMessage, bool, error) {
	raw, ok, err := m.client.QueuePopMin(ctx, queueKey(name))
	if err != nil {
		return nil, false, fmt.Errorf("queue: pop: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	var qm domain.QueuedMessage
	if err := json.Unmarshal(raw, &qm); err != nil {
		return nil, false, fmt.Errorf("queue: decode message: %w", err)
	}
	qm.Attempts++

	encoded, err := json.Marshal(qm)
	if err != nil {
		return nil, false, fmt.Errorf("queue: encode in-flight message: %w", err)
	}
	if err := m.client.HashSet(ctx, processingKey(name), qm.MessageID, encoded); err != nil {
		return nil, false, fmt.Errorf("queue: record in-flight: %w", err)
	}
	return &qm, true, nil
}

// Acknowledge removes messageID from the in-flight table. It is idempotent:
// acknowledging an id that is not in flight returns false, not an error.
func (m *Manager) Acknowledge(ctx context.Context, name, messageID string) (bool, error) {
	inflight, err := m.client.HashGetAll(ctx, processingKey(name))
	if err != nil {
		return false, fmt.Errorf("queue: read in-flight: %w", err)
	}
	if _, present := inflight[messageID]; !present {
		return false, nil
	}
	if err := m.client.HashDel(ctx, processingKey(name), messageID); err != nil {
		return false, fmt.Errorf("queue: acknowledge: %w", err)
	}
	return true, nil
}

// Reject removes messageID from the in-flight table and either requeues it
// (bumping its attempt count once more) when requeue is true and it has
// not yet exhausted max_attempts, or moves it to the dead-letter list.
func (m *Manager) Reject(ctx context.Context, name, messageID string, requeue bool) error {
	inflight, err := m.client.HashGetAll(ctx, processingKey(name))
	if err != nil {
		return fmt.Errorf("queue: read in-flight: %w", err)
	}
	raw, present := inflight[messageID]
	if !present {
		return nil
	}
	if err := m.client.HashDel(ctx, processingKey(name), messageID); err != nil {
		return fmt.Errorf("queue: clear in-flight: %w", err)
	}

	var qm domain.QueuedMessage
	if err := json.Unmarshal(raw, &qm); err != nil {
		return fmt.Errorf("queue: decode in-flight message: %w", err)
	}

	if requeue && qm.Attempts < qm.MaxAttempts {
		qm.Attempts++
		encoded, err := json.Marshal(qm)
		if err != nil {
			return fmt.Errorf("queue: encode requeued message: %w", err)
		}
		key := queueKey(name)
		if err := m.client.QueuePush(ctx, key, encoded, float64(-qm.Priority)); err != nil {
			return fmt.Errorf("queue: requeue: %w", err)
		}
		return m.client.Expire(ctx, key, m.cfg.DefaultTTL)
	}

	encoded, err := json.Marshal(qm)
	if err != nil {
		return fmt.Errorf("queue: encode dead-letter message: %w", err)
	}
	if err := m.client.ListPushLeft(ctx, deadLetterKey(name), encoded); err != nil {
		return fmt.Errorf("queue: dead-letter: %w", err)
	}
	return nil
}

// CleanupStale scans the in-flight table and rejects every entry whose
// CreatedAt predates now-maxAge, requeueing it if it has attempts to spare.
func (m *Manager) CleanupStale(ctx context.Context, name string, maxAge time.Duration) (int, error) {
	inflight, err := m.client.HashGetAll(ctx, processingKey(name))
	if err != nil {
		return 0, fmt.Errorf("queue: read in-flight: %w", err)
	}
	threshold := float64(time.Now().Add(-maxAge).UnixNano()) / 1e9
	swept := 0
	for messageID, raw := range inflight {
		var qm domain.QueuedMessage
		if err := json.Unmarshal(raw, &qm); err != nil {
			continue
		}
		if qm.CreatedAt >= threshold {
			continue
		}
		if err := m.Reject(ctx, name, messageID, qm.Attempts < qm.MaxAttempts); err != nil {
			return swept, fmt.Errorf("queue: cleanup stale %s: %w", messageID, err)
		}
		swept++
	}
	return swept, nil
}

// Pending lists queued-but-not-yet-dequeued messages, highest priority
// first, without removing them.
func (m *Manager) Pending(ctx context.Context, name string) ([]domain.QueuedMessage, error) {
	raws, err := m.client.QueueRange(ctx, queueKey(name))
	if err != nil {
		return nil, fmt.Errorf("queue: list pending: %w", err)
	}
	return decodeAll(raws)
}

// Processing lists in-flight messages.
func (m *Manager) Processing(ctx context.Context, name string) ([]domain.QueuedMessage, error) {
	inflight, err := m.client.HashGetAll(ctx, processingKey(name))
	if err != nil {
		return nil, fmt.Errorf("queue: list processing: %w", err)
	}
	raws := make([][]byte, 0, len(inflight))
	for _, raw := range inflight {
		raws = append(raws, raw)
	}
	return decodeAll(raws)
}

// DeadLetter lists permanently failed messages.
func (m *Manager) DeadLetter(ctx context.Context, name string) ([]domain.QueuedMessage, error) {
	raws, err := m.client.ListRange(ctx, deadLetterKey(name), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("queue: list dead letters: %w", err)
	}
	return decodeAll(raws)
}

// Size reports counts across all three structures for name.
type Size struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	DeadLetter int64 `json:"dead_letter"`
	Total      int64 `json:"total"`
}

// Size returns the pending/processing/dead-letter/total counts for name.
func (m *Manager) Size(ctx context.Context, name string) (Size, error) {
	pending, err := m.client.QueueLen(ctx, queueKey(name))
	if err != nil {
		return Size{}, fmt.Errorf("queue: size pending: %w", err)
	}
	processing, err := m.client.HashGetAll(ctx, processingKey(name))
	if err != nil {
		return Size{}, fmt.Errorf("queue: size processing: %w", err)
	}
	deadLetter, err := m.client.ListRange(ctx, deadLetterKey(name), 0, -1)
	if err != nil {
		return Size{}, fmt.Errorf("queue: size dead letter: %w", err)
	}
	s := Size{
		Pending:    pending,
		Processing: int64(len(processing)),
		DeadLetter: int64(len(deadLetter)),
	}
	s.Total = s.Pending + s.Processing + s.DeadLetter
	return s, nil
}

func decodeAll(raws [][]byte) ([]domain.QueuedMessage, error) {
	out := make([]domain.QueuedMessage, 0, len(raws))
	for _, raw := range raws {
		var qm domain.QueuedMessage
		if err := json.Unmarshal(raw, &qm); err != nil {
			return nil, fmt.Errorf("queue: decode message: %w", err)
		}
		out = append(out, qm)
	}
	return out, nil
}
