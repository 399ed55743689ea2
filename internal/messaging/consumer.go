package messaging

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// BatchHandler processes one delivery batch. Returning an error leaves every
// message in the batch pending, so the substrate redelivers the whole batch.
type BatchHandler func(ctx context.Context, batch []Delivery) error

type ConsumerConfig struct {
	Stream        Stream
	Group         string
	BatchSize     int
	BlockTimeout  time.Duration
	ClaimInterval time.Duration
	RetryLimit    int
	Backoff       BackoffConfig
}

// Consumer reads batches from a stream under a consumer group. Messages whose
// delivery count exceeds RetryLimit are parked on the paired DLQ stream and
// acknowledged, removing them from the active retry path.
type Consumer struct {
	client       *redis.Client
	stream       Stream
	group        string
	consumerName string

	batchSize     int
	blockTimeout  time.Duration
	claimInterval time.Duration
	reclaimIdle   time.Duration
	retryLimit    int64
	backoff       BackoffConfig

	handler BatchHandler
	log     *zap.Logger

	mu      sync.Mutex
	running bool
	started bool
	stopCh  chan struct{}
	done    chan struct{}
}

func NewConsumer(client *redis.Client, cfg ConsumerConfig, handler BatchHandler, logger *zap.Logger) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 30 * time.Second
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 3
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = DefaultBackoffConfig()
	}

	reclaimIdle := 5 * time.Minute
	if doubled := cfg.Backoff.Max * 2; doubled > reclaimIdle {
		reclaimIdle = doubled
	}

	return &Consumer{
		client:        client,
		stream:        cfg.Stream,
		group:         cfg.Group,
		consumerName:  cfg.Group + "-" + uuid.NewString(),
		batchSize:     cfg.BatchSize,
		blockTimeout:  cfg.BlockTimeout,
		claimInterval: cfg.ClaimInterval,
		reclaimIdle:   reclaimIdle,
		retryLimit:    int64(cfg.RetryLimit),
		backoff:       cfg.Backoff,
		handler:       handler,
		log:           logger.Named("messaging.consumer").With(zap.String("stream", string(cfg.Stream)), zap.String("group", cfg.Group)),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start creates the consumer group if needed and launches the read loop.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.mu.Unlock()

	err := c.client.XGroupCreateMkStream(ctx, string(c.stream), c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	go c.run(context.WithoutCancel(ctx))
	return nil
}

// Stop signals the read loop to exit and waits for it. Safe to call on a
// consumer whose Start failed or was never called.
func (c *Consumer) Stop() {
	c.mu.Lock()
	started := c.started
	if c.running {
		close(c.stopCh)
		c.running = false
	}
	c.mu.Unlock()
	if started {
		<-c.done
	}
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)
	c.log.Info("consumer started", zap.String("consumer", c.consumerName))

	lastClaim := time.Now().Add(-c.claimInterval)

	for {
		select {
		case <-ctx.Done():
			c.log.Info("consumer stopped")
			return
		case <-c.stopCh:
			c.log.Info("consumer stopped")
			return
		default:
		}

		c.redeliverPending(ctx)
		if time.Since(lastClaim) >= c.claimInterval {
			c.reclaimStale(ctx)
			lastClaim = time.Now()
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumerName,
			Streams:  []string{string(c.stream), ">"},
			Count:    int64(c.batchSize),
			Block:    c.blockTimeout,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			c.log.Error("read from stream failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			c.handleBatch(ctx, toDeliveries(stream.Messages, 1))
		}
	}
}

// handleBatch runs the handler over the batch. Success acks every message;
// failure acks none, so the whole batch is redelivered together.
func (c *Consumer) handleBatch(ctx context.Context, batch []Delivery) {
	if len(batch) == 0 {
		return
	}

	if err := c.handler(ctx, batch); err != nil {
		c.log.Warn("batch failed, left pending for redelivery",
			zap.Int("batch_size", len(batch)),
			zap.Error(err),
		)
		return
	}

	c.ack(ctx, deliveryIDs(batch)...)
}

// redeliverPending claims this consumer's due pending messages. Messages past
// the retry limit are parked on the DLQ; the rest are retried as one batch
// once their backoff has elapsed.
func (c *Consumer) redeliverPending(ctx context.Context) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   string(c.stream),
		Group:    c.group,
		Start:    "-",
		End:      "+",
		Count:    int64(c.batchSize),
		Consumer: c.consumerName,
	}).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Error("query pending failed", zap.Error(err))
		}
		return
	}

	var due []string
	for _, p := range pending {
		if p.RetryCount >= c.retryLimit {
			c.parkByID(ctx, p.ID, p.RetryCount, 0)
			continue
		}
		if p.Idle >= c.backoff.Delay(p.RetryCount) {
			due = append(due, p.ID)
		}
	}
	if len(due) == 0 {
		return
	}

	claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   string(c.stream),
		Group:    c.group,
		Consumer: c.consumerName,
		MinIdle:  0,
		Messages: due,
	}).Result()
	if err != nil {
		c.log.Error("claim pending failed", zap.Error(err))
		return
	}

	c.handleBatch(ctx, toDeliveries(claimed, 2))
}

// reclaimStale takes over messages stuck pending on dead consumers.
func (c *Consumer) reclaimStale(ctx context.Context) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: string(c.stream),
		Group:  c.group,
		Start:  "-",
		End:    "+",
		Count:  int64(c.batchSize),
	}).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Error("query pending for reclaim failed", zap.Error(err))
		}
		return
	}

	var stale []string
	for _, p := range pending {
		if p.Consumer == c.consumerName || p.Idle < c.reclaimIdle {
			continue
		}
		if p.RetryCount >= c.retryLimit {
			c.parkByID(ctx, p.ID, p.RetryCount, c.reclaimIdle)
			continue
		}
		stale = append(stale, p.ID)
	}
	if len(stale) == 0 {
		return
	}

	claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   string(c.stream),
		Group:    c.group,
		Consumer: c.consumerName,
		MinIdle:  c.reclaimIdle,
		Messages: stale,
	}).Result()
	if err != nil {
		c.log.Error("reclaim failed", zap.Error(err))
		return
	}

	c.handleBatch(ctx, toDeliveries(claimed, 2))
}

// parkByID claims a single message and moves it to the DLQ stream.
func (c *Consumer) parkByID(ctx context.Context, id string, deliveries int64, minIdle time.Duration) {
	claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   string(c.stream),
		Group:    c.group,
		Consumer: c.consumerName,
		MinIdle:  minIdle,
		Messages: []string{id},
	}).Result()
	if err != nil {
		c.log.Error("claim for DLQ failed", zap.String("message_id", id), zap.Error(err))
		return
	}

	for _, xmsg := range claimed {
		body, ok := xmsg.Values["data"].(string)
		if !ok {
			c.ack(ctx, xmsg.ID)
			continue
		}

		entry := DLQEntry{
			ID:             ulid.Make().String(),
			OriginalStream: string(c.stream),
			MessageID:      xmsg.ID,
			Data:           json.RawMessage(body),
			Error:          "delivery retry limit exceeded",
			DeliveryCount:  deliveries,
			FailedAt:       time.Now().UTC(),
		}
		if err := appendDLQ(ctx, c.client, c.stream.DLQ(), entry); err != nil {
			c.log.Error("park to DLQ failed", zap.String("message_id", xmsg.ID), zap.Error(err))
			continue
		}

		c.log.Warn("message parked to DLQ",
			zap.String("message_id", xmsg.ID),
			zap.Int64("delivery_count", deliveries),
		)
		c.ack(ctx, xmsg.ID)
	}
}

func (c *Consumer) ack(ctx context.Context, ids ...string) {
	if len(ids) == 0 {
		return
	}
	if err := c.client.XAck(ctx, string(c.stream), c.group, ids...).Err(); err != nil {
		c.log.Error("ack failed", zap.Strings("message_ids", ids), zap.Error(err))
	}
}

func toDeliveries(msgs []redis.XMessage, retryCount int64) []Delivery {
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		body, ok := m.Values["data"].(string)
		if !ok {
			continue
		}
		out = append(out, Delivery{ID: m.ID, Body: []byte(body), RetryCount: retryCount})
	}
	return out
}

func deliveryIDs(batch []Delivery) []string {
	ids := make([]string, len(batch))
	for i, d := range batch {
		ids[i] = d.ID
	}
	return ids
}
