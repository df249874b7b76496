package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryQueueAckRemoves(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(3)

	msg := Message{IdempotencyKey: "delivery-1", RunID: uuid.New(), RunType: "agent_workflow"}
	if err := q.Enqueue(ctx, msg); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	d, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if d.IdempotencyKey != "delivery-1" || d.Deliveries != 1 {
		t.Fatalf("unexpected delivery: %+v", d)
	}
	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if q.Depth() != 0 {
		t.Fatalf("acked message must not be redelivered")
	}
	if err := q.Ack(ctx, d); err == nil {
		t.Fatalf("double ack must fail")
	}
}

func TestMemoryQueueNackRedelivers(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(3)

	if err := q.Enqueue(ctx, Message{IdempotencyKey: "delivery-2", RunID: uuid.New()}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	d, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := q.Nack(ctx, d); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	d2, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive redelivery: %v", err)
	}
	if d2.Deliveries != 2 {
		t.Fatalf("expected delivery count 2, got %d", d2.Deliveries)
	}
	if d2.DeliveryID == d.DeliveryID {
		t.Fatalf("redelivery must carry a fresh delivery id")
	}
}

func TestMemoryQueueDeadLetterAfterBudget(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(2)

	if err := q.Enqueue(ctx, Message{IdempotencyKey: "delivery-3", RunID: uuid.New()}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for i := 0; i < 2; i++ {
		d, err := q.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive #%d: %v", i+1, err)
		}
		if err := q.Nack(ctx, d); err != nil {
			t.Fatalf("Nack #%d: %v", i+1, err)
		}
	}

	if q.Depth() != 0 {
		t.Fatalf("exhausted message must leave the ready queue")
	}
	dead := q.DeadLetters()
	if len(dead) != 1 || dead[0].IdempotencyKey != "delivery-3" {
		t.Fatalf("expected 1 dead letter, got %+v", dead)
	}
}

func TestMemoryQueueReceiveBlocksUntilEnqueue(t *testing.T) {
	q := NewMemoryQueue(3)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan *Delivery, 1)
	go func() {
		d, err := q.Receive(ctx)
		if err == nil {
			got <- d
		}
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Enqueue(ctx, Message{IdempotencyKey: "late"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case d := <-got:
		if d.IdempotencyKey != "late" {
			t.Fatalf("unexpected delivery %+v", d)
		}
	case <-ctx.Done():
		t.Fatalf("Receive did not wake on enqueue")
	}
}
