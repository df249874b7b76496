package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryQueue is the in-process Queue used by tests. Unacked deliveries are
// tracked so a Nack redelivers and the dead-letter budget is honored.
type MemoryQueue struct {
	mu         sync.Mutex
	ready      []*Delivery
	inflight   map[string]*Delivery
	dead       []*Delivery
	touches    map[string]int
	maxDeliver int
	wake       chan struct{}
}

func NewMemoryQueue(maxDeliveries int) *MemoryQueue {
	if maxDeliveries <= 0 {
		maxDeliveries = 5
	}
	return &MemoryQueue{
		inflight:   map[string]*Delivery{},
		touches:    map[string]int{},
		maxDeliver: maxDeliveries,
		wake:       make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	q.mu.Lock()
	q.ready = append(q.ready, &Delivery{
		Message:    msg,
		DeliveryID: uuid.NewString(),
		Deliveries: 1,
	})
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			d := q.ready[0]
			q.ready = q.ready[1:]
			q.inflight[d.DeliveryID] = d
			q.mu.Unlock()
			return d, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		}
	}
}

// Touch has no redelivery clock to reset in memory; it just records the call
// so tests can assert the keepalive path runs.
func (q *MemoryQueue) Touch(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[d.DeliveryID]; !ok {
		return fmt.Errorf("touch unknown delivery %s", d.DeliveryID)
	}
	q.touches[d.DeliveryID]++
	return nil
}

// Touches reports how many times a delivery was touched. Tests only.
func (q *MemoryQueue) Touches(deliveryID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.touches[deliveryID]
}

// TotalTouches reports touches across all deliveries. Tests only.
func (q *MemoryQueue) TotalTouches() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, n := range q.touches {
		total += n
	}
	return total
}

func (q *MemoryQueue) Ack(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[d.DeliveryID]; !ok {
		return fmt.Errorf("ack unknown delivery %s", d.DeliveryID)
	}
	delete(q.inflight, d.DeliveryID)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, d *Delivery) error {
	q.mu.Lock()
	if _, ok := q.inflight[d.DeliveryID]; !ok {
		q.mu.Unlock()
		return fmt.Errorf("nack unknown delivery %s", d.DeliveryID)
	}
	delete(q.inflight, d.DeliveryID)

	redelivery := &Delivery{
		Message:    d.Message,
		DeliveryID: uuid.NewString(),
		Deliveries: d.Deliveries + 1,
	}
	if redelivery.Deliveries > q.maxDeliver {
		q.dead = append(q.dead, redelivery)
		q.mu.Unlock()
		return nil
	}
	q.ready = append(q.ready, redelivery)
	q.mu.Unlock()
	q.signal()
	return nil
}

// DeadLetters returns messages that exhausted their redelivery budget.
func (q *MemoryQueue) DeadLetters() []*Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Delivery, len(q.dead))
	copy(out, q.dead)
	return out
}

// Depth reports ready (not inflight) messages. Tests only.
func (q *MemoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
