// Package kafka moves change messages through Kafka with segmentio/kafka-go.
// The consumer hands bounded batches to a queue.BatchHandler and commits,
// per partition, only the prefix of offsets the handler acknowledged.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/queue"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/resilience"
)

const source = "kafka"

// reader is the part of *kafka.Reader the consumer uses.
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader    reader
	handler   queue.BatchHandler
	batchSize int
	linger    time.Duration
	retry     resilience.RetryConfig
	logger    *slog.Logger
}

// NewConsumer joins cfg.ConsumerGroup on cfg.Topic. retry paces the
// re-runs of messages the handler reported Failed.
func NewConsumer(cfg config.KafkaConfig, handler queue.BatchHandler, retry resilience.RetryConfig) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	return newConsumer(r, cfg, handler, retry)
}

func newConsumer(r reader, cfg config.KafkaConfig, handler queue.BatchHandler, retry resilience.RetryConfig) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchLinger <= 0 {
		cfg.BatchLinger = 50 * time.Millisecond
	}
	return &Consumer{
		reader:    r,
		handler:   handler,
		batchSize: cfg.BatchSize,
		linger:    cfg.BatchLinger,
		retry:     retry,
		logger:    slog.Default().With("component", "kafka-consumer", "topic", cfg.Topic),
	}
}

// Start consumes until ctx is cancelled. Messages still unacknowledged at
// shutdown are not committed and will be redelivered.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started", "batch_size", c.batchSize, "linger", c.linger)
	defer c.reader.Close()
	for {
		batch, err := c.fetchBatch(ctx)
		if ctx.Err() != nil {
			c.logger.Info("consumer stopping", "reason", ctx.Err())
			return nil
		}
		if err != nil {
			c.logger.Error("failed to fetch messages", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		c.process(ctx, batch)
	}
}

// fetchBatch blocks for the first message, then collects more until the
// batch is full or the linger window closes.
func (c *Consumer) fetchBatch(ctx context.Context) ([]kafka.Message, error) {
	first, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	batch := []kafka.Message{first}

	lingerCtx, cancel := context.WithTimeout(ctx, c.linger)
	defer cancel()
	for len(batch) < c.batchSize {
		msg, err := c.reader.FetchMessage(lingerCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || lingerCtx.Err() != nil {
				break
			}
			return batch, nil
		}
		batch = append(batch, msg)
	}
	return batch, nil
}

// process runs batch through the handler until every message is
// acknowledged or ctx ends, committing acknowledged prefixes as it goes.
func (c *Consumer) process(ctx context.Context, batch []kafka.Message) {
	acked := make(map[string]struct{}, len(batch))
	pending := batch
	for attempt := 1; ; attempt++ {
		out := c.handler.ProcessBatch(ctx, toQueue(pending))
		for id := range out.Acked() {
			acked[id] = struct{}{}
		}
		c.commit(ctx, committable(batch, acked))

		pending = pending[:0:0]
		for _, m := range batch {
			if _, ok := acked[MessageID(m)]; !ok {
				pending = append(pending, m)
			}
		}
		if len(pending) == 0 {
			return
		}
		delay := resilience.Backoff(attempt, c.retry)
		c.logger.Warn("messages failed, retrying", "failed", len(pending), "attempt", attempt, "next_delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.logger.Info("leaving failed messages for redelivery", "failed", len(pending))
			return
		}
	}
}

func (c *Consumer) commit(ctx context.Context, msgs []kafka.Message) {
	if len(msgs) == 0 {
		return
	}
	// commits must land even while shutting down
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.reader.CommitMessages(commitCtx, msgs...); err != nil {
		c.logger.Error("failed to commit offsets", "messages", len(msgs), "error", err)
	}
}

// MessageID names a Kafka delivery uniquely within the cluster.
func MessageID(m kafka.Message) string {
	return fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
}

func toQueue(msgs []kafka.Message) []queue.Message {
	out := make([]queue.Message, len(msgs))
	for i, m := range msgs {
		out[i] = queue.Message{ID: MessageID(m), Key: string(m.Key), Body: m.Value, Source: source}
	}
	return out
}

// committable returns, per partition, the last message of the longest
// acknowledged prefix of batch. Committing it commits every earlier offset.
func committable(batch []kafka.Message, acked map[string]struct{}) []kafka.Message {
	byPartition := make(map[int][]kafka.Message)
	for _, m := range batch {
		byPartition[m.Partition] = append(byPartition[m.Partition], m)
	}
	partitions := make([]int, 0, len(byPartition))
	for p := range byPartition {
		partitions = append(partitions, p)
	}
	sort.Ints(partitions)

	var out []kafka.Message
	for _, p := range partitions {
		msgs := byPartition[p]
		sort.Slice(msgs, func(i, j int) bool { return msgs[i].Offset < msgs[j].Offset })
		last := -1
		for i, m := range msgs {
			if _, ok := acked[MessageID(m)]; !ok {
				break
			}
			last = i
		}
		if last >= 0 {
			out = append(out, msgs[last])
		}
	}
	return out
}
