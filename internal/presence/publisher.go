package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"bpmncollab/internal/models"
	"bpmncollab/internal/utils"
)

const DefaultBufferSize = 1024

// Publisher forwards hub presence events to a Redis pub/sub channel. Notify
// only enqueues; Run does the network I/O, so a slow or absent Redis never
// holds up the hub.
type Publisher struct {
	rdb     *redis.Client
	channel string
	log     *utils.Logger
	events  chan models.PresenceEvent
	dropped atomic.Int64
}

func NewPublisher(rdb *redis.Client, channel string, log *utils.Logger, bufferSize int) *Publisher {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if log == nil {
		log = utils.NewNopLogger()
	}
	return &Publisher{
		rdb:     rdb,
		channel: channel,
		log:     log,
		events:  make(chan models.PresenceEvent, bufferSize),
	}
}

func NewRedisPublisher(redisAddr, channel string, log *utils.Logger) *Publisher {
	rdb := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})
	return NewPublisher(rdb, channel, log, DefaultBufferSize)
}

func (p *Publisher) Ping(ctx context.Context) error {
	if err := p.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Notify queues ev for publishing and drops it if the queue is full.
func (p *Publisher) Notify(ev models.PresenceEvent) {
	select {
	case p.events <- ev:
	default:
		p.dropped.Add(1)
	}
}

// Dropped is the number of events discarded because the queue was full.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

// Run publishes queued events until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	p.log.Info("presence publisher started", "channel", p.channel)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("presence publisher stopped", "channel", p.channel, "dropped", p.Dropped())
			return
		case ev := <-p.events:
			if err := p.publish(ctx, ev); err != nil {
				p.log.Warn("presence publish failed", "type", ev.Type, "error", err.Error())
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, ev models.PresenceEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal presence event: %w", err)
	}
	return p.rdb.Publish(ctx, p.channel, data).Err()
}

func (p *Publisher) Close() error { return p.rdb.Close() }
