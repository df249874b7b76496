package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/taskmesh-backend/internal/jobs/queue"
	"github.com/yungbote/taskmesh-backend/internal/observability"
	"github.com/yungbote/taskmesh-backend/internal/platform/logger"
)

/*
StreamQueue implements queue.Queue on a Redis Stream with a consumer group,
which gives at-least-once delivery and per-consumer pending entries for free.

Settlement model:
  - Ack: XACK + XDEL.
  - Nack: XACK the old entry and XADD a fresh one with the delivery count
    bumped; past the budget it goes to the dead-letter stream instead.
  - Crashed consumers: entries sitting unacked longer than claimIdle are
    picked up via XAUTOCLAIM on the next Receive. claimIdle is kept at the
    lock TTL, and Touch (called from the run heartbeat) XCLAIMs the entry
    back to its own consumer each tick, resetting the idle clock — so the
    redelivery window and the lock expire together and a live worker's entry
    is never stolen mid-run.
*/
type StreamQueue struct {
	log        *logger.Logger
	rdb        *goredis.Client
	metrics    *observability.Metrics
	stream     string
	deadStream string
	group      string
	consumer   string
	maxDeliver int
	claimIdle  time.Duration
	block      time.Duration
}

type StreamQueueConfig struct {
	Stream        string
	Group         string
	Consumer      string
	MaxDeliveries int
	ClaimIdle     time.Duration
	Block         time.Duration
	Metrics       *observability.Metrics
}

func NewStreamQueue(log *logger.Logger, rdb *goredis.Client, cfg StreamQueueConfig) (*StreamQueue, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if cfg.Stream == "" || cfg.Group == "" || cfg.Consumer == "" {
		return nil, fmt.Errorf("stream, group and consumer are required")
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = time.Minute
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := rdb.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group %s/%s: %w", cfg.Stream, cfg.Group, err)
	}

	return &StreamQueue{
		log:        log.With("component", "StreamQueue", "stream", cfg.Stream),
		rdb:        rdb,
		metrics:    cfg.Metrics,
		stream:     cfg.Stream,
		deadStream: cfg.Stream + ":dead",
		group:      cfg.Group,
		consumer:   cfg.Consumer,
		maxDeliver: cfg.MaxDeliveries,
		claimIdle:  cfg.ClaimIdle,
		block:      cfg.Block,
	}, nil
}

func (q *StreamQueue) Enqueue(ctx context.Context, msg queue.Message) error {
	return q.add(ctx, q.stream, msg, 1)
}

func (q *StreamQueue) add(ctx context.Context, stream string, msg queue.Message, deliveries int) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return q.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"body":       body,
			"deliveries": deliveries,
		},
	}).Err()
}

func (q *StreamQueue) Receive(ctx context.Context) (*queue.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Abandoned pending entries from dead consumers come first.
		claimed, _, err := q.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: q.consumer,
			MinIdle:  q.claimIdle,
			Start:    "0-0",
			Count:    1,
		}).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("xautoclaim %s: %w", q.stream, err)
		}
		if len(claimed) > 0 {
			return q.decode(claimed[0])
		}

		streams, err := q.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    1,
			Block:    q.block,
		}).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("xreadgroup %s: %w", q.stream, err)
		}
		for _, s := range streams {
			if len(s.Messages) > 0 {
				return q.decode(s.Messages[0])
			}
		}
	}
}

func (q *StreamQueue) decode(xm goredis.XMessage) (*queue.Delivery, error) {
	raw, _ := xm.Values["body"].(string)
	var msg queue.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		// Poison entry: settle it so it cannot wedge the group.
		q.log.Warn("Dropping undecodable stream entry", "entry_id", xm.ID, "error", err)
		_ = q.rdb.XAck(context.Background(), q.stream, q.group, xm.ID).Err()
		_ = q.rdb.XDel(context.Background(), q.stream, xm.ID).Err()
		return nil, fmt.Errorf("decode stream entry %s: %w", xm.ID, err)
	}
	deliveries := 1
	if s, ok := xm.Values["deliveries"].(string); ok {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			deliveries = n
		}
	}
	return &queue.Delivery{
		Message:    msg,
		DeliveryID: xm.ID,
		Deliveries: deliveries,
	}, nil
}

// Touch XCLAIMs the entry back to this consumer with MinIdle 0, which resets
// its idle time without redelivering it. An entry that is no longer pending
// (settled, or stolen and re-added) yields an empty claim; that is not an
// error here — ownership truth lives with the lock, not the stream.
func (q *StreamQueue) Touch(ctx context.Context, d *queue.Delivery) error {
	_, err := q.rdb.XClaimJustID(ctx, &goredis.XClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  0,
		Messages: []string{d.DeliveryID},
	}).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("xclaim %s: %w", d.DeliveryID, err)
	}
	return nil
}

func (q *StreamQueue) Ack(ctx context.Context, d *queue.Delivery) error {
	if err := q.rdb.XAck(ctx, q.stream, q.group, d.DeliveryID).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", d.DeliveryID, err)
	}
	return q.rdb.XDel(ctx, q.stream, d.DeliveryID).Err()
}

func (q *StreamQueue) Nack(ctx context.Context, d *queue.Delivery) error {
	next := d.Deliveries + 1
	if next > q.maxDeliver {
		q.log.Warn("Message exhausted redelivery budget, dead-lettering",
			"run_id", d.RunID,
			"idempotency_key", d.IdempotencyKey,
			"deliveries", d.Deliveries,
		)
		if err := q.add(ctx, q.deadStream, d.Message, next); err != nil {
			return err
		}
		q.metrics.IncDeadLetter()
		return q.Ack(ctx, d)
	}
	if err := q.add(ctx, q.stream, d.Message, next); err != nil {
		return err
	}
	return q.Ack(ctx, d)
}
