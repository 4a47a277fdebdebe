package consumer

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/recallio/audio-ingest/pkg/config"
	"github.com/recallio/audio-ingest/pkg/metrics"
	"github.com/recallio/audio-ingest/pkg/pipeline"
)

// DLQPublisher writes dead-letter records onto the failure stream. The stream
// is capped so a misbehaving producer cannot grow it without bound.
type DLQPublisher struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	metrics *metrics.Metrics
}

// NewDLQPublisher creates a publisher for the configured dead-letter stream.
func NewDLQPublisher(client *redis.Client, cfg config.RedisConfig, m *metrics.Metrics) *DLQPublisher {
	return &DLQPublisher{
		client:  client,
		stream:  cfg.DLQStream,
		maxLen:  cfg.DLQMaxLen,
		metrics: m,
	}
}

// Publish appends one record. Trimming is approximate, which is what XAdd
// MAXLEN ~ gives us for free.
func (p *DLQPublisher) Publish(ctx context.Context, record *pipeline.DLQRecord) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: record.StreamValues(),
	}).Err()
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", p.stream, err)
	}
	p.metrics.DLQPublishedTotal.Inc()
	return nil
}
