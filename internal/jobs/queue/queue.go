package queue

import (
	"context"

	"github.com/google/uuid"
)

// Message is one unit of deliverable work: "execute this run". The
// idempotency key (typically the upstream delivery id) travels with the
// message so the processor can dedupe before touching anything else.
type Message struct {
	IdempotencyKey string    `json:"idempotency_key"`
	RunID          uuid.UUID `json:"run_id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	RunType        string    `json:"run_type"`
	StepCount      int       `json:"step_count"`
	PayloadHash    string    `json:"payload_hash"`
	Payload        []byte    `json:"payload"`
}

// Delivery is one at-least-once delivery of a Message. DeliveryID and
// Deliveries belong to the transport; consumers settle a delivery with
// exactly one Ack or Nack.
type Delivery struct {
	Message
	DeliveryID string
	Deliveries int
}

/*
Queue is the narrow interface over the external message broker. Semantics
required from any implementation:
  - at-least-once delivery,
  - Receive blocks until a delivery is available or ctx is done,
  - Touch resets the delivery's redelivery clock, so a consumer that keeps
    touching an in-flight delivery is never treated as dead,
  - Nack makes the message deliverable again (with its delivery count
    incremented), and messages past the redelivery budget go to a
    dead-letter destination instead of looping forever.
*/
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (*Delivery, error)
	Touch(ctx context.Context, d *Delivery) error
	Ack(ctx context.Context, d *Delivery) error
	Nack(ctx context.Context, d *Delivery) error
}
