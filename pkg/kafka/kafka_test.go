package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/queue"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/resilience"
)

func msg(partition int, offset int64) kafka.Message {
	return kafka.Message{Topic: "changes", Partition: partition, Offset: offset, Value: []byte("{}")}
}

func ids(msgs ...kafka.Message) map[string]struct{} {
	out := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		out[MessageID(m)] = struct{}{}
	}
	return out
}

func TestCommittableStopsAtFirstGap(t *testing.T) {
	batch := []kafka.Message{msg(0, 10), msg(1, 5), msg(0, 11), msg(0, 12), msg(1, 6)}

	got := committable(batch, ids(msg(0, 10), msg(0, 11), msg(1, 6)))
	assert.Equal(t, []kafka.Message{msg(0, 11)}, got)

	got = committable(batch, ids(batch...))
	assert.Equal(t, []kafka.Message{msg(0, 12), msg(1, 6)}, got)

	assert.Empty(t, committable(batch, ids()))
}

// fakeReader serves a fixed backlog and then blocks until ctx ends.
type fakeReader struct {
	mu        sync.Mutex
	backlog   []kafka.Message
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.backlog) > 0 {
		m := r.backlog[0]
		r.backlog = r.backlog[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) highest() map[int]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]int64)
	for _, m := range r.committed {
		if m.Offset > out[m.Partition] {
			out[m.Partition] = m.Offset
		}
	}
	return out
}

func TestConsumerRetriesFailedMessagesThenCommits(t *testing.T) {
	r := &fakeReader{backlog: []kafka.Message{msg(0, 1), msg(0, 2), msg(1, 7)}}

	var (
		mu      sync.Mutex
		batches [][]string
	)
	handler := queue.BatchHandlerFunc(func(_ context.Context, msgs []queue.Message) queue.Outcome {
		mu.Lock()
		defer mu.Unlock()
		var seen []string
		var out queue.Outcome
		for _, m := range msgs {
			seen = append(seen, m.ID)
			if m.ID == "changes/0/1" && len(batches) == 0 {
				out.Failed = append(out.Failed, m.ID)
				continue
			}
			out.Applied = append(out.Applied, m.ID)
		}
		batches = append(batches, seen)
		return out
	})

	c := newConsumer(r, config.KafkaConfig{Topic: "changes", BatchSize: 10, BatchLinger: 10 * time.Millisecond}, handler,
		resilience.RetryConfig{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool {
		h := r.highest()
		return h[0] == 2 && h[1] == 7
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches, 2)
	assert.ElementsMatch(t, []string{"changes/0/1", "changes/0/2", "changes/1/7"}, batches[0])
	assert.Equal(t, []string{"changes/0/1"}, batches[1])
}

// fakeWriter captures written messages.
type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestProducerKeysByEvent(t *testing.T) {
	w := &fakeWriter{}
	p := &Producer{writer: w, logger: slog.Default()}

	require.NoError(t, p.Publish(context.Background(),
		Event{Key: "recipes/R1", Value: map[string]string{"entity_id": "R1"}},
		Event{Key: "recipes/R2", Value: map[string]string{"entity_id": "R2"}},
	))
	require.Len(t, w.msgs, 2)
	assert.Equal(t, "recipes/R1", string(w.msgs[0].Key))
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &body))
	assert.Equal(t, "R2", body["entity_id"])
}
