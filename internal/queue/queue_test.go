package queue

import (
	"context"
	"testing"

	"github.com/agentbus/core/internal/broker"
	"github.com/agentbus/core/internal/domain"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(broker.NewMemoryClient(), DefaultConfig())
}

func msg(content string) domain.Message {
	return domain.Message{FromAgent: "a", Content: []byte(`"` + content + `"`)}
}

// TestEnqueueDequeueAcknowledgeCycle verifies the delivery cycle: the
// message is in pending before dequeue, in processing between dequeue and
// ack, and in neither afterward.
func TestEnqueueDequeueAcknowledgeCycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.Enqueue(ctx, "q", msg("x"), 0, nil, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pending, err := m.Pending(ctx, "q")
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected 1 pending, got %d (err=%v)", len(pending), err)
	}

	qm, ok, err := m.Dequeue(ctx, "q")
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if qm.MessageID != id {
		t.Fatalf("message id mismatch: %s != %s", qm.MessageID, id)
	}

	processing, err := m.Processing(ctx, "q")
	if err != nil || len(processing) != 1 {
		t.Fatalf("expected 1 processing, got %d (err=%v)", len(processing), err)
	}

	acked, err := m.Acknowledge(ctx, "q", id)
	if err != nil || !acked {
		t.Fatalf("acknowledge: acked=%v err=%v", acked, err)
	}

	size, err := m.Size(ctx, "q")
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size.Pending != 0 || size.Processing != 0 {
		t.Fatalf("expected empty queue after ack, got %+v", size)
	}

	// Acknowledge is idempotent: a second ack is false, not an error.
	acked, err = m.Acknowledge(ctx, "q", id)
	if err != nil || acked {
		t.Fatalf("expected idempotent second ack to be false, got acked=%v err=%v", acked, err)
	}
}

// TestPoisonMessageDeadLetters verifies that a message rejected until its
// retry budget runs out lands in the dead-letter list exactly once.
func TestPoisonMessageDeadLetters(t *testing.T) {
	m := newTestManager(t)
	m.cfg.DefaultMaxAttempts = 2
	ctx := context.Background()

	id, err := m.Enqueue(ctx, "q", msg("poison"), 0, nil, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, ok, err := m.Dequeue(ctx, "q"); err != nil || !ok {
		t.Fatalf("first dequeue: ok=%v err=%v", ok, err)
	}
	if err := m.Reject(ctx, "q", id, true); err != nil {
		t.Fatalf("first reject: %v", err)
	}

	pending, _ := m.Pending(ctx, "q")
	if len(pending) != 1 || pending[0].Attempts != 2 {
		t.Fatalf("expected message back in pending with attempts=2, got %+v", pending)
	}

	if _, ok, err := m.Dequeue(ctx, "q"); err != nil || !ok {
		t.Fatalf("second dequeue: ok=%v err=%v", ok, err)
	}
	if err := m.Reject(ctx, "q", id, true); err != nil {
		t.Fatalf("second reject: %v", err)
	}

	size, err := m.Size(ctx, "q")
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size.DeadLetter != 1 || size.Pending != 0 || size.Processing != 0 {
		t.Fatalf("expected exactly one dead letter and nothing else, got %+v", size)
	}
}

// TestPriorityOrdering verifies that dequeues come out highest priority
// first regardless of enqueue order.
func TestPriorityOrdering(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Enqueue(ctx, "q", msg("A"), 0, nil, 0); err != nil {
		t.Fatalf("enqueue A: %v", err)
	}
	if _, err := m.Enqueue(ctx, "q", msg("B"), 5, nil, 0); err != nil {
		t.Fatalf("enqueue B: %v", err)
	}
	if _, err := m.Enqueue(ctx, "q", msg("C"), 2, nil, 0); err != nil {
		t.Fatalf("enqueue C: %v", err)
	}

	var order []string
	for i := 0; i < 3; i++ {
		qm, ok, err := m.Dequeue(ctx, "q")
		if err != nil || !ok {
			t.Fatalf("dequeue %d: ok=%v err=%v", i, ok, err)
		}
		order = append(order, string(qm.Payload.Content))
	}

	want := []string{`"B"`, `"C"`, `"A"`}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("expected dequeue order %v, got %v", want, order)
		}
	}
}
