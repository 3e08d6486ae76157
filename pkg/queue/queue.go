// Package queue is the transport-neutral contract between message sources
// (Kafka, SQS) and the batch handler that applies them.
package queue

import "context"

// Message is one delivery. ID is unique per delivery within a source and is
// what Outcome refers to. Key is the partitioning key, if any.
type Message struct {
	ID     string
	Key    string
	Body   []byte
	Source string
}

// Outcome sorts the ids of a processed batch. Applied messages may be
// acknowledged. DeadLettered messages can never succeed and have been
// handed to a DeadLetterSink. Failed messages must be redelivered.
type Outcome struct {
	Applied      []string
	DeadLettered []string
	Failed       []string
}

// Acked is the union of Applied and DeadLettered.
func (o Outcome) Acked() map[string]struct{} {
	out := make(map[string]struct{}, len(o.Applied)+len(o.DeadLettered))
	for _, id := range o.Applied {
		out[id] = struct{}{}
	}
	for _, id := range o.DeadLettered {
		out[id] = struct{}{}
	}
	return out
}

// BatchHandler processes a batch and reports what happened to each message.
type BatchHandler interface {
	ProcessBatch(ctx context.Context, msgs []Message) Outcome
}

// BatchHandlerFunc adapts a function to BatchHandler.
type BatchHandlerFunc func(ctx context.Context, msgs []Message) Outcome

func (f BatchHandlerFunc) ProcessBatch(ctx context.Context, msgs []Message) Outcome {
	return f(ctx, msgs)
}
