// Package consumer reads envelope entries from the Redis ingestion stream,
// dispatches them to the pipeline under a bounded concurrency budget, and
// applies each outcome: ack, dead-letter, or release for re-delivery. It also
// reclaims pending entries abandoned by dead consumers.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/recallio/audio-ingest/pkg/config"
	"github.com/recallio/audio-ingest/pkg/metrics"
	"github.com/recallio/audio-ingest/pkg/pipeline"
)

// readErrorBackoff is the pause after a failed stream read before retrying.
const readErrorBackoff = time.Second

// Handler processes one stream entry. Implemented by the pipeline.
type Handler interface {
	Process(ctx context.Context, streamID string, values map[string]interface{}) *pipeline.Result
}

// Consumer is one replica's membership in the ingestion consumer group.
type Consumer struct {
	client  *redis.Client
	cfg     config.RedisConfig
	handler Handler
	dlq     *DLQPublisher
	metrics *metrics.Metrics

	sem         *semaphore.Weighted
	gracePeriod time.Duration
	wg          sync.WaitGroup
}

// New creates a Consumer. maxParallel bounds in-flight events across reads
// and reclaims.
func New(client *redis.Client, cfg config.RedisConfig, handler Handler, dlq *DLQPublisher, m *metrics.Metrics, maxParallel int, gracePeriod time.Duration) *Consumer {
	return &Consumer{
		client:      client,
		cfg:         cfg,
		handler:     handler,
		dlq:         dlq,
		metrics:     m,
		sem:         semaphore.NewWeighted(int64(maxParallel)),
		gracePeriod: gracePeriod,
	}
}

// NewRedisClient connects to Redis from a URL and verifies the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Run blocks consuming the stream until ctx is cancelled, then drains
// in-flight events under the grace period.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	// In-flight work gets its own context so shutdown can stop reads
	// immediately while giving workers the grace period to finish.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	reclaimDone := make(chan struct{})
	go func() {
		defer close(reclaimDone)
		c.reclaimLoop(ctx, workCtx)
	}()

	slog.Info("Consumer started",
		"stream", c.cfg.StreamName,
		"group", c.cfg.ConsumerGroup,
		"consumer", c.cfg.ConsumerName)

	for ctx.Err() == nil {
		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.ConsumerGroup,
			Consumer: c.cfg.ConsumerName,
			Streams:  []string{c.cfg.StreamName, ">"},
			Count:    int64(c.cfg.BatchSize),
			Block:    c.cfg.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			slog.Error("Stream read failed", "error", err)
			select {
			case <-time.After(readErrorBackoff):
			case <-ctx.Done():
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				if !c.dispatch(ctx, workCtx, msg) {
					break
				}
			}
		}
	}

	<-reclaimDone
	c.drain(cancelWork)
	return nil
}

// dispatch hands one message to a worker goroutine, blocking on the
// concurrency budget. Returns false when shutdown interrupted the acquire.
func (c *Consumer) dispatch(ctx, workCtx context.Context, msg redis.XMessage) bool {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		// Shutdown while waiting for a slot; the unstarted entry stays
		// pending and will be re-delivered or reclaimed.
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.sem.Release(1)
		c.handle(workCtx, msg)
	}()
	return true
}

// handle runs one entry through the pipeline and applies the outcome to the
// broker.
func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) {
	c.metrics.MessagesTotal.Inc()
	c.metrics.MessagesInflight.Inc()
	defer c.metrics.MessagesInflight.Dec()

	started := time.Now()
	result := c.handler.Process(ctx, msg.ID, msg.Values)
	c.metrics.ProcessingDuration.Observe(time.Since(started).Seconds())

	if result.DLQ != nil {
		// Best effort: a DLQ outage must not wedge the stream, so the entry
		// is still acked below and the record is only lost from the DLQ.
		if err := c.dlq.Publish(ctx, result.DLQ); err != nil {
			slog.Error("Failed to publish dead-letter record",
				"stream_id", msg.ID, "error_code", result.Code, "error", err)
		}
	}

	if result.Ack {
		if err := c.client.XAck(ctx, c.cfg.StreamName, c.cfg.ConsumerGroup, msg.ID).Err(); err != nil {
			slog.Error("Failed to ack stream entry", "stream_id", msg.ID, "error", err)
		}
	}
	c.metrics.AckLatency.Observe(time.Since(started).Seconds())
}

// reclaimLoop periodically claims pending entries whose consumer went away
// and re-feeds them through the pipeline.
func (c *Consumer) reclaimLoop(ctx, workCtx context.Context) {
	ticker := time.NewTicker(c.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reclaimOnce(ctx, workCtx)
		}
	}
}

func (c *Consumer) reclaimOnce(ctx, workCtx context.Context) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.cfg.StreamName,
		Group:  c.cfg.ConsumerGroup,
		Idle:   c.cfg.PendingIdleThreshold,
		Start:  "-",
		End:    "+",
		Count:  int64(c.cfg.BatchSize),
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Failed to list pending entries", "error", err)
		}
		return
	}
	if len(pending) == 0 {
		return
	}

	ids := make([]string, len(pending))
	for i, entry := range pending {
		ids[i] = entry.ID
	}

	claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.cfg.StreamName,
		Group:    c.cfg.ConsumerGroup,
		Consumer: c.cfg.ConsumerName,
		MinIdle:  c.cfg.PendingIdleThreshold,
		Messages: ids,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Failed to claim pending entries", "error", err)
		}
		return
	}

	slog.Info("Reclaimed pending entries", "count", len(claimed))
	for _, msg := range claimed {
		if !c.dispatch(ctx, workCtx, msg) {
			return
		}
	}
}

// drain waits for in-flight workers up to the grace period, then cancels
// whatever is left. Cancelled events release without ack and re-deliver.
func (c *Consumer) drain(cancelWork context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Consumer drained")
	case <-time.After(c.gracePeriod):
		slog.Warn("Shutdown grace period elapsed, cancelling in-flight events")
		cancelWork()
		<-done
	}
}

// ensureGroup creates the consumer group at the start of the stream, creating
// the stream itself when missing. An existing group is fine.
func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.StreamName, c.cfg.ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}
