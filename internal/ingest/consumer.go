package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/lending-indexer/internal/event"
	"github.com/atmx/lending-indexer/internal/metrics"
)

// Handler applies one event. A non-nil error stops the consumer without
// acknowledging the entry.
type Handler func(ctx context.Context, ev event.Event) error

// StreamClient is the subset of *redis.Client the consumer uses.
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	// Stream is the Redis stream of event envelopes (required).
	Stream string

	// Group and Consumer name this reader within the consumer group (required).
	Group    string
	Consumer string

	// Count is the max number of entries per read. Default: 100.
	Count int64

	// Block is how long a read waits for new entries. Default: 5 seconds.
	Block time.Duration

	// RetryInterval is the first wait after a read error, doubled up to
	// MaxRetryInterval. Defaults: 1 second and 30 seconds.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration

	Logger *slog.Logger
}

// Consumer delivers stream entries to a Handler in stream order. Entries
// are acknowledged only after the handler returns nil. On start the
// consumer first replays entries it read but never acknowledged.
type Consumer struct {
	client StreamClient
	cfg    ConsumerConfig
	log    *slog.Logger
}

// NewConsumer creates a consumer over a Redis client.
func NewConsumer(client StreamClient, cfg ConsumerConfig) (*Consumer, error) {
	if client == nil {
		return nil, errors.New("ingest: redis client is required")
	}
	if cfg.Stream == "" {
		return nil, errors.New("ingest: stream name is required")
	}
	if cfg.Group == "" || cfg.Consumer == "" {
		return nil, errors.New("ingest: consumer group and consumer name are required")
	}

	if cfg.Count == 0 {
		cfg.Count = 100
	}
	if cfg.Block == 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.MaxRetryInterval == 0 {
		cfg.MaxRetryInterval = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Consumer{
		client: client,
		cfg:    cfg,
		log:    log.With("stream", cfg.Stream, "group", cfg.Group, "consumer", cfg.Consumer),
	}, nil
}

// Run consumes until ctx is cancelled or the handler fails. It returns
// ctx.Err() on cancellation and the wrapped handler error otherwise.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	c.log.Info("consumer group ready")

	// "0" re-reads this consumer's pending entries; ">" reads new ones.
	cursor := "0"
	retry := c.cfg.RetryInterval

	for {
		if err := ctx.Err(); err != nil {
			c.log.Info("stream consumer shutting down")
			return err
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{c.cfg.Stream, cursor},
			Count:    c.cfg.Count,
			Block:    c.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			c.log.Warn("stream read failed, will retry", "err", err, "retry_in", retry)
			select {
			case <-time.After(retry):
				retry = min(retry*2, c.cfg.MaxRetryInterval)
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		retry = c.cfg.RetryInterval

		var msgs []redis.XMessage
		for _, s := range streams {
			msgs = append(msgs, s.Messages...)
		}
		if cursor == "0" && len(msgs) == 0 {
			c.log.Info("pending entries replayed, reading new entries")
			cursor = ">"
			continue
		}

		metrics.StreamPending.Set(float64(len(msgs)))
		for i, msg := range msgs {
			if err := c.process(ctx, handle, msg); err != nil {
				return err
			}
			metrics.StreamPending.Set(float64(len(msgs) - i - 1))
		}
	}
}

func (c *Consumer) process(ctx context.Context, handle Handler, msg redis.XMessage) error {
	data, ok := entryData(msg)
	if !ok {
		return fmt.Errorf("entry %s: no data field", msg.ID)
	}
	ev, err := Decode(data)
	if err != nil {
		return fmt.Errorf("entry %s: %w", msg.ID, err)
	}
	if err := handle(ctx, ev); err != nil {
		c.log.Error("handler failed, stopping without ack", "id", msg.ID, "kind", string(ev.Kind()), "err", err)
		return fmt.Errorf("entry %s: %w", msg.ID, err)
	}
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
		// The entry stays pending and is replayed on restart.
		c.log.Warn("ack failed", "id", msg.ID, "err", err)
	}
	return nil
}

func entryData(msg redis.XMessage) ([]byte, bool) {
	switch v := msg.Values["data"].(type) {
	case string:
		return []byte(v), true
	case []byte:
		return v, true
	}
	return nil, false
}
