package sqs

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/queue"
)

type MockSQSClient struct {
	mock.Mock
}

func (m *MockSQSClient) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	args := m.Called(ctx, params)
	if out := args.Get(0); out != nil {
		return out.(*sqs.ReceiveMessageOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSQSClient) DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	args := m.Called(ctx, params)
	if out := args.Get(0); out != nil {
		return out.(*sqs.DeleteMessageBatchOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func sqsMessage(id string) types.Message {
	return types.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String(`{}`),
	}
}

func TestPollDeletesOnlyAppliedMessages(t *testing.T) {
	client := new(MockSQSClient)
	cfg := config.SQSConfig{QueueURL: "https://sqs.local/changes", MaxMessages: 10, WaitTime: 20 * time.Second, VisibilityTimeout: time.Minute}

	client.On("ReceiveMessage", mock.Anything, mock.MatchedBy(func(in *sqs.ReceiveMessageInput) bool {
		return *in.QueueUrl == cfg.QueueURL && in.MaxNumberOfMessages == 10 && in.WaitTimeSeconds == 20 && in.VisibilityTimeout == 60
	})).Return(&sqs.ReceiveMessageOutput{Messages: []types.Message{sqsMessage("a"), sqsMessage("b"), sqsMessage("c")}}, nil).Once()

	client.On("DeleteMessageBatch", mock.Anything, mock.MatchedBy(func(in *sqs.DeleteMessageBatchInput) bool {
		if len(in.Entries) != 1 {
			return false
		}
		return *in.Entries[0].ReceiptHandle == "rh-a"
	})).Return(&sqs.DeleteMessageBatchOutput{}, nil).Once()

	var got []queue.Message
	handler := queue.BatchHandlerFunc(func(_ context.Context, msgs []queue.Message) queue.Outcome {
		got = msgs
		return queue.Outcome{Applied: []string{"a"}, DeadLettered: []string{"b"}, Failed: []string{"c"}}
	})

	c := NewConsumer(client, cfg, handler)
	require.NoError(t, c.poll(context.Background()))

	require.Len(t, got, 3)
	assert.Equal(t, "sqs", got[0].Source)
	assert.Equal(t, []byte(`{}`), got[0].Body)
	client.AssertExpectations(t)
}

func TestPollWithNothingReceived(t *testing.T) {
	client := new(MockSQSClient)
	client.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{}, nil).Once()

	called := false
	c := NewConsumer(client, config.SQSConfig{QueueURL: "q"}, queue.BatchHandlerFunc(func(context.Context, []queue.Message) queue.Outcome {
		called = true
		return queue.Outcome{}
	}))
	require.NoError(t, c.poll(context.Background()))
	assert.False(t, called)
	client.AssertNotCalled(t, "DeleteMessageBatch", mock.Anything, mock.Anything)
}

func TestStartStopsOnCancel(t *testing.T) {
	client := new(MockSQSClient)
	ctx, cancel := context.WithCancel(context.Background())
	client.On("ReceiveMessage", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled)

	c := NewConsumer(client, config.SQSConfig{QueueURL: "q"}, queue.BatchHandlerFunc(func(context.Context, []queue.Message) queue.Outcome {
		return queue.Outcome{}
	}))
	assert.NoError(t, c.Start(ctx))
}

func TestPollCarriesGroupKeyAndLogsReceiveCount(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	client := new(MockSQSClient)
	client.On("ReceiveMessage", mock.Anything, mock.MatchedBy(func(in *sqs.ReceiveMessageInput) bool {
		return assert.ObjectsAreEqual([]types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameMessageGroupId,
		}, in.MessageSystemAttributeNames)
	})).Return(&sqs.ReceiveMessageOutput{Messages: []types.Message{{
		MessageId:     aws.String("a"),
		ReceiptHandle: aws.String("rh-a"),
		Body:          aws.String(`{}`),
		Attributes: map[string]string{
			"ApproximateReceiveCount": "3",
			"MessageGroupId":          "recipes/R1",
		},
	}}}, nil).Once()

	var got []queue.Message
	c := NewConsumer(client, config.SQSConfig{QueueURL: "q"}, queue.BatchHandlerFunc(func(_ context.Context, msgs []queue.Message) queue.Outcome {
		got = msgs
		return queue.Outcome{Failed: []string{"a"}}
	}))
	require.NoError(t, c.poll(context.Background()))

	require.Len(t, got, 1)
	assert.Equal(t, "recipes/R1", got[0].Key)
	assert.Contains(t, logs.String(), "message_id=a receive_count=3")
	client.AssertNotCalled(t, "DeleteMessageBatch", mock.Anything, mock.Anything)
}
