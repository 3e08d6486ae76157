// Package sqs consumes change messages from an Amazon SQS queue with
// aws-sdk-go-v2. Only applied messages are deleted; everything else becomes
// visible again after the visibility timeout and is eventually moved to the
// queue's dead-letter queue by its redrive policy.
package sqs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/queue"
)

const source = "sqs"

// Client is the subset of the SQS API the consumer uses.
type Client interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// NewClient builds an SQS client from the default credential chain.
// cfg.Endpoint overrides the service endpoint for local emulators.
func NewClient(ctx context.Context, cfg config.SQSConfig) (*sqs.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

type Consumer struct {
	client  Client
	cfg     config.SQSConfig
	handler queue.BatchHandler
	logger  *slog.Logger
}

func NewConsumer(client Client, cfg config.SQSConfig, handler queue.BatchHandler) *Consumer {
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	return &Consumer{
		client:  client,
		cfg:     cfg,
		handler: handler,
		logger:  slog.Default().With("component", "sqs-consumer", "queue", cfg.QueueURL),
	}
}

// Start long-polls until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started", "max_messages", c.cfg.MaxMessages, "wait", c.cfg.WaitTime)
	for {
		if ctx.Err() != nil {
			c.logger.Info("consumer stopping", "reason", ctx.Err())
			return nil
		}
		if err := c.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("poll failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// poll receives one batch, processes it and deletes what was applied.
func (c *Consumer) poll(ctx context.Context) error {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages:         c.cfg.MaxMessages,
		WaitTimeSeconds:             int32(c.cfg.WaitTime / time.Second),
		VisibilityTimeout:           int32(c.cfg.VisibilityTimeout / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameMessageGroupId,
		},
	})
	if err != nil {
		return fmt.Errorf("receiving messages: %w", err)
	}
	if len(out.Messages) == 0 {
		return nil
	}

	msgs := make([]queue.Message, 0, len(out.Messages))
	receipts := make(map[string]string, len(out.Messages))
	receives := make(map[string]string, len(out.Messages))
	for _, m := range out.Messages {
		id := aws.ToString(m.MessageId)
		receipts[id] = aws.ToString(m.ReceiptHandle)
		receives[id] = m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]
		msgs = append(msgs, queue.Message{
			ID:     id,
			Key:    m.Attributes[string(types.MessageSystemAttributeNameMessageGroupId)],
			Body:   []byte(aws.ToString(m.Body)),
			Source: source,
		})
	}

	outcome := c.handler.ProcessBatch(ctx, msgs)
	for _, id := range outcome.Failed {
		c.logger.Warn("message left for redelivery", "message_id", id, "receive_count", receives[id])
	}
	for _, id := range outcome.DeadLettered {
		c.logger.Warn("message left for the redrive policy", "message_id", id, "receive_count", receives[id])
	}
	return c.delete(ctx, outcome.Applied, receipts)
}

func (c *Consumer) delete(ctx context.Context, ids []string, receipts map[string]string) error {
	if len(ids) == 0 {
		return nil
	}
	entries := make([]types.DeleteMessageBatchRequestEntry, len(ids))
	for i, id := range ids {
		entries[i] = types.DeleteMessageBatchRequestEntry{
			Id:            aws.String(strconv.Itoa(i)),
			ReceiptHandle: aws.String(receipts[id]),
		}
	}
	// deletes must land even while shutting down
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	out, err := c.client.DeleteMessageBatch(delCtx, &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String(c.cfg.QueueURL),
		Entries:  entries,
	})
	if err != nil {
		return fmt.Errorf("deleting %d messages: %w", len(ids), err)
	}
	for _, f := range out.Failed {
		c.logger.Warn("delete failed, message will be redelivered",
			"entry", aws.ToString(f.Id),
			"code", aws.ToString(f.Code),
			"message", aws.ToString(f.Message),
		)
	}
	return nil
}
