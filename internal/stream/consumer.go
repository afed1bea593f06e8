// internal/stream/consumer.go
package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"notification-service/internal/common/config"
	stderrors "notification-service/internal/common/errors"
	"notification-service/internal/common/logger"
	"notification-service/internal/common/metrics"
	"notification-service/internal/models"
)

const payloadField = "payload"

// Admitter runs an inbound notification through the admission pipeline.
type Admitter interface {
	Admit(ctx context.Context, n *models.Notification) error
}

// Consumer reads notification events from a Redis stream as part of a
// consumer group, so multiple service instances share the inbound load with
// at-least-once semantics. Entries are acked once admission reaches a
// decision; store faults leave the entry pending for redelivery.
type Consumer struct {
	client   *redis.Client
	cfg      config.StreamConfig
	admitter Admitter
	logger   logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewConsumer(client *redis.Client, cfg config.StreamConfig, admitter Admitter, log logger.Logger) *Consumer {
	return &Consumer{
		client:   client,
		cfg:      cfg,
		admitter: admitter,
		logger: log.WithFields(map[string]interface{}{
			"component": "stream-consumer",
			"stream":    cfg.Key,
			"group":     cfg.Group,
		}),
	}
}

// EnsureGroup creates the consumer group (and the stream) if missing.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Key, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Start launches the read loop. Stop cancels it and waits for exit.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			c.claimStale(ctx)
			if err := c.ReadBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("Stream read failed", map[string]interface{}{
					"error": err.Error(),
				})
				time.Sleep(time.Second)
			}
		}
	}()
	c.logger.Info("Stream consumer started", map[string]interface{}{
		"consumer": c.cfg.Consumer,
	})
	return nil
}

func (c *Consumer) Stop() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
	})
}

// ReadBatch blocks for one batch of entries and processes them.
func (c *Consumer) ReadBatch(ctx context.Context) error {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Key, ">"},
		Count:    int64(c.cfg.BatchSize),
		Block:    time.Duration(c.cfg.BlockTimeout) * time.Millisecond,
	}).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}

	for _, s := range streams {
		for _, msg := range s.Messages {
			c.processMessage(ctx, msg)
		}
	}
	return nil
}

// claimStale takes over entries stuck pending on dead consumers.
func (c *Consumer) claimStale(ctx context.Context) {
	if c.cfg.ClaimMinIdle <= 0 {
		return
	}
	msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.cfg.Key,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  time.Duration(c.cfg.ClaimMinIdle) * time.Millisecond,
		Start:    "0-0",
		Count:    int64(c.cfg.BatchSize),
	}).Result()
	if err != nil && err != redis.Nil {
		c.logger.Warn("Stale entry claim failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	for _, msg := range msgs {
		c.processMessage(ctx, msg)
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg redis.XMessage) {
	payload, ok := msg.Values[payloadField].(string)
	if !ok {
		c.logger.Warn("Stream entry missing payload, dropping", map[string]interface{}{
			"entryId": msg.ID,
		})
		metrics.StreamEventsConsumed.WithLabelValues("invalid").Inc()
		c.ack(ctx, msg.ID)
		return
	}

	n, err := ParseEvent(payload)
	if err != nil {
		c.logger.Warn("Invalid event, dropping", map[string]interface{}{
			"entryId": msg.ID,
			"error":   err.Error(),
		})
		metrics.StreamEventsConsumed.WithLabelValues("invalid").Inc()
		c.ack(ctx, msg.ID)
		return
	}

	if err := c.admitter.Admit(ctx, n); err != nil {
		if stderrors.IsRetryable(err) {
			// Leave un-acked so the group redelivers the entry.
			c.logger.Warn("Admission failed, leaving entry for redelivery", map[string]interface{}{
				"entryId":        msg.ID,
				"notificationId": n.ID,
				"error":          err.Error(),
			})
			metrics.StreamEventsConsumed.WithLabelValues("retry").Inc()
			return
		}
		c.logger.Error("Admission failed terminally", map[string]interface{}{
			"entryId":        msg.ID,
			"notificationId": n.ID,
			"error":          err.Error(),
		})
		metrics.StreamEventsConsumed.WithLabelValues("failed").Inc()
		c.ack(ctx, msg.ID)
		return
	}

	metrics.StreamEventsConsumed.WithLabelValues("processed").Inc()
	c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, entryID string) {
	if err := c.client.XAck(ctx, c.cfg.Key, c.cfg.Group, entryID).Err(); err != nil {
		c.logger.Warn("Ack failed", map[string]interface{}{
			"entryId": entryID,
			"error":   err.Error(),
		})
	}
}
