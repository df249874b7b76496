package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/taskmesh-backend/internal/domain"
	"github.com/yungbote/taskmesh-backend/internal/platform/logger"
	"github.com/yungbote/taskmesh-backend/internal/services"
)

// RunBus publishes run lifecycle events over Redis pub/sub so API nodes can
// fan them out to clients. Publishing is fire-and-forget with a short
// timeout: the bus must never stall a worker.
type RunBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

func NewRunBus(log *logger.Logger, rdb *goredis.Client, channel string) (*RunBus, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if channel == "" {
		channel = "run-events"
	}
	return &RunBus{
		log:     log.With("component", "RunBus"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

func (b *RunBus) publish(ev services.RunEvent) {
	raw, err := json.Marshal(ev)
	if err != nil {
		b.log.Warn("Encode run event failed", "event", ev.Event, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		b.log.Warn("Publish run event failed", "event", ev.Event, "run_id", ev.RunID, "error", err)
	}
}

func (b *RunBus) RunStarted(run *domain.Run) {
	b.publish(services.NewRunEvent(services.RunEventStarted, run, run.CurrentStepIndex, ""))
}

func (b *RunBus) RunProgress(run *domain.Run, stepIndex int) {
	b.publish(services.NewRunEvent(services.RunEventProgress, run, stepIndex, ""))
}

func (b *RunBus) RunCompleted(run *domain.Run) {
	b.publish(services.NewRunEvent(services.RunEventCompleted, run, run.CurrentStepIndex, ""))
}

func (b *RunBus) RunFailed(run *domain.Run, errMsg string) {
	b.publish(services.NewRunEvent(services.RunEventFailed, run, run.CurrentStepIndex, errMsg))
}

func (b *RunBus) RunCancelled(run *domain.Run) {
	b.publish(services.NewRunEvent(services.RunEventCancelled, run, run.CurrentStepIndex, ""))
}

func (b *RunBus) RunRequeued(run *domain.Run) {
	b.publish(services.NewRunEvent(services.RunEventRequeued, run, run.CurrentStepIndex, ""))
}

// Subscribe forwards decoded run events to onEvent until ctx is done.
func (b *RunBus) Subscribe(ctx context.Context, onEvent func(ev services.RunEvent)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}
	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var ev services.RunEvent
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("Bad run event payload", "error", err)
					continue
				}
				onEvent(ev)
			}
		}
	}()
	return nil
}
