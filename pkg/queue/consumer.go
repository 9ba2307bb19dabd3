package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/svcmon/pkg/types"
)

const (
	// DefaultConcurrency is the number of reading workers per queue.
	DefaultConcurrency = 10

	// DefaultVisibilityTimeout - a pending entry idle this long is claimed
	// by another consumer.
	DefaultVisibilityTimeout = 30 * time.Second

	// DefaultBlock bounds each blocking read.
	DefaultBlock = 5 * time.Second
)

// Handler processes one delivery. A nil error acknowledges the entry; any
// error leaves it pending for redelivery.
type Handler func(ctx context.Context, d Delivery) error

// ConsumerConfig holds configuration for a queue consumer.
type ConsumerConfig struct {
	Queue string
	Group string

	// Name identifies this consumer within the group. Defaults to host-pid.
	Name string

	// Concurrency is the number of reading workers.
	Concurrency int

	// VisibilityTimeout is how long a delivery may stay unacknowledged
	// before another consumer claims it.
	VisibilityTimeout time.Duration

	// Block bounds each blocking read.
	Block time.Duration

	// ReclaimBatch caps the entries claimed per reclaim pass.
	ReclaimBatch int64
}

// DefaultConsumerConfig returns default consumer configuration.
func DefaultConsumerConfig(queue string) ConsumerConfig {
	return ConsumerConfig{
		Queue:             queue,
		Group:             "svcmon",
		Concurrency:       DefaultConcurrency,
		VisibilityTimeout: DefaultVisibilityTimeout,
		Block:             DefaultBlock,
		ReclaimBatch:      100,
	}
}

// Consumer reads a queue through a consumer group and dispatches to a handler.
type Consumer struct {
	client  redis.Cmdable
	cfg     ConsumerConfig
	key     string
	handler Handler
	logger  *slog.Logger

	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewConsumer creates a consumer. Call Start to begin reading.
func NewConsumer(client redis.Cmdable, cfg ConsumerConfig, handler Handler, logger *slog.Logger) *Consumer {
	if cfg.Name == "" {
		host, _ := os.Hostname()
		cfg.Name = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.Block <= 0 {
		cfg.Block = DefaultBlock
	}
	if cfg.ReclaimBatch <= 0 {
		cfg.ReclaimBatch = 100
	}
	return &Consumer{
		client:  client,
		cfg:     cfg,
		key:     StreamKey(cfg.Queue),
		handler: handler,
		logger:  logger.With("component", "queue_consumer", "queue", cfg.Queue),
		stopCh:  make(chan struct{}),
	}
}

// Start creates the consumer group if needed and starts the workers and
// the reclaimer.
func (c *Consumer) Start(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.key, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group on %s: %w", c.cfg.Queue, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for i := 0; i < c.cfg.Concurrency; i++ {
		c.wg.Add(1)
		go c.read(runCtx)
	}
	c.wg.Add(1)
	go c.reclaimLoop(runCtx)

	c.logger.Info("queue consumer started",
		"group", c.cfg.Group,
		"consumer", c.cfg.Name,
		"concurrency", c.cfg.Concurrency,
		"visibility_timeout", c.cfg.VisibilityTimeout,
	)
	return nil
}

// Stop stops reading and waits for in-flight handlers.
func (c *Consumer) Stop() {
	close(c.stopCh)
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("queue consumer stopped")
}

func (c *Consumer) stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Consumer) read(ctx context.Context) {
	defer c.wg.Done()

	// Handlers finish their delivery even while the consumer shuts down.
	handleCtx := context.WithoutCancel(ctx)

	for !c.stopped() {
		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Name,
			Streams:  []string{c.key, ">"},
			Count:    1,
			Block:    c.cfg.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if c.stopped() || ctx.Err() != nil {
				return
			}
			c.logger.Error("failed to read from queue", "error", err)
			c.pause(time.Second)
			continue
		}

		for _, s := range streams {
			for _, m := range s.Messages {
				c.process(handleCtx, newDelivery(m, 1))
			}
		}
	}
}

func (c *Consumer) pause(d time.Duration) {
	select {
	case <-c.stopCh:
	case <-time.After(d):
	}
}

func (c *Consumer) reclaimLoop(ctx context.Context) {
	defer c.wg.Done()

	interval := c.cfg.VisibilityTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	handleCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if err := c.reclaim(ctx, handleCtx); err != nil && ctx.Err() == nil {
				c.logger.Error("failed to reclaim pending messages", "error", err)
			}
		}
	}
}

// reclaim claims entries idle past the visibility timeout and redelivers them.
func (c *Consumer) reclaim(ctx, handleCtx context.Context) error {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.key,
		Group:  c.cfg.Group,
		Idle:   c.cfg.VisibilityTimeout,
		Start:  "-",
		End:    "+",
		Count:  c.cfg.ReclaimBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("pending: %w", err)
	}

	for _, p := range pending {
		if c.stopped() {
			return nil
		}
		claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   c.key,
			Group:    c.cfg.Group,
			Consumer: c.cfg.Name,
			MinIdle:  c.cfg.VisibilityTimeout,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			return fmt.Errorf("claim %s: %w", p.ID, err)
		}
		for _, m := range claimed {
			c.logger.Debug("redelivering pending message",
				"stream_id", m.ID,
				"previous_consumer", p.Consumer,
				"idle", p.Idle,
				"attempt", p.RetryCount+1,
			)
			c.process(handleCtx, newDelivery(m, p.RetryCount+1))
		}
	}
	return nil
}

func (c *Consumer) process(ctx context.Context, d Delivery) {
	if err := c.invoke(ctx, d); err != nil {
		c.logger.Warn("message handling failed, leaving pending",
			"stream_id", d.StreamID,
			"message_id", d.Message.ID,
			"attempt", d.Attempt,
			"error", err,
		)
		return
	}
	if err := c.client.XAck(ctx, c.key, c.cfg.Group, d.StreamID).Err(); err != nil {
		c.logger.Error("failed to acknowledge message", "stream_id", d.StreamID, "error", err)
	}
}

func (c *Consumer) invoke(ctx context.Context, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, d)
}

// Health reports the queue length and pending count.
func (c *Consumer) Health(ctx context.Context) types.QueueHealth {
	health := types.QueueHealth{Name: c.cfg.Queue}

	length, err := c.client.XLen(ctx, c.key).Result()
	if err != nil {
		return health
	}
	health.Connected = true
	health.Length = length

	if pending, err := c.client.XPending(ctx, c.key, c.cfg.Group).Result(); err == nil {
		health.Pending = pending.Count
	}
	return health
}
