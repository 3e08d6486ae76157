// Package worker applies batches of change messages to the entity indexes.
//
// Messages about the same entity are applied in delivery order; different
// entities of one type proceed concurrently. Entity types are applied in
// registration order, so a type whose indexing reads another type's index
// sees that type's changes from the same batch. A message that can never succeed is
// dead-lettered. A message that fails transiently is retried in place and,
// if it still fails, is reported Failed together with every later message
// for the same entity so that the source redelivers them in order.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/ingestion/validator"
	apperrors "github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/queue"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/tracing"
)

// Handler applies changes for one entity type.
type Handler interface {
	Upsert(ctx context.Context, id string, entity json.RawMessage) error
	Delete(ctx context.Context, id string) error
}

// DeadLetterSink records messages that will never be applied.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, msg queue.Message, entityType string, reason error) error
}

type Config struct {
	// Concurrency bounds how many entities are applied at once.
	Concurrency int
	Retry       resilience.RetryConfig
}

type Worker struct {
	cfg      Config
	handlers map[string]Handler
	types    []string
	sink     DeadLetterSink
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func New(cfg Config, sink DeadLetterSink, m *metrics.Metrics) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	cfg.Retry.Retryable = apperrors.IsRetryable
	return &Worker{
		cfg:      cfg,
		handlers: make(map[string]Handler),
		sink:     sink,
		metrics:  m,
		logger:   slog.Default().With("component", "ingestion-worker"),
	}
}

// Register routes messages tagged entityType to h. Within a batch, every
// entity of a type registered earlier is applied before any entity of a type
// registered later.
func (w *Worker) Register(entityType string, h Handler) {
	if _, ok := w.handlers[entityType]; !ok {
		w.types = append(w.types, entityType)
	}
	w.handlers[entityType] = h
}

type status int

const (
	statusFailed status = iota
	statusApplied
	statusDeadLettered
)

type item struct {
	pos    int
	msg    queue.Message
	change ingestion.ChangeMessage
}

// ProcessBatch applies msgs and reports the fate of each one.
func (w *Worker) ProcessBatch(ctx context.Context, msgs []queue.Message) queue.Outcome {
	ctx, span := tracing.StartSpan(ctx, "process_batch", uuid.NewString())
	span.SetAttr("messages", len(msgs))
	defer func() {
		span.End()
		span.Log()
	}()

	statuses := make([]status, len(msgs))
	var (
		order  = make(map[string][]string)
		groups = make(map[string][]item)
	)
	for i, msg := range msgs {
		change, err := validator.Decode(msg.Body)
		if err != nil {
			statuses[i] = w.deadLetter(ctx, msg, change.EntityType, err)
			continue
		}
		if _, ok := w.handlers[change.EntityType]; !ok {
			err := fmt.Errorf("%q: %w", change.EntityType, apperrors.ErrUnknownEntityType)
			statuses[i] = w.deadLetter(ctx, msg, change.EntityType, err)
			continue
		}
		key := change.GroupKey()
		if _, seen := groups[key]; !seen {
			order[change.EntityType] = append(order[change.EntityType], key)
		}
		groups[key] = append(groups[key], item{pos: i, msg: msg, change: change})
	}

	var mu sync.Mutex
	for _, entityType := range w.types {
		var g errgroup.Group
		g.SetLimit(w.cfg.Concurrency)
		for _, key := range order[entityType] {
			items := groups[key]
			g.Go(func() error {
				results := w.applyGroup(ctx, items)
				mu.Lock()
				for i, it := range items {
					statuses[it.pos] = results[i]
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	var out queue.Outcome
	for i, st := range statuses {
		switch st {
		case statusApplied:
			out.Applied = append(out.Applied, msgs[i].ID)
		case statusDeadLettered:
			out.DeadLettered = append(out.DeadLettered, msgs[i].ID)
		default:
			out.Failed = append(out.Failed, msgs[i].ID)
		}
	}
	w.metrics.AddMessages("applied", len(out.Applied))
	w.metrics.AddMessages("dead_lettered", len(out.DeadLettered))
	w.metrics.AddMessages("failed", len(out.Failed))
	span.SetAttr("applied", len(out.Applied))
	span.SetAttr("failed", len(out.Failed))
	return out
}

// applyGroup runs the messages of one entity in order. Once one fails
// transiently the rest stay Failed.
func (w *Worker) applyGroup(ctx context.Context, items []item) []status {
	_, span := tracing.StartChildSpan(ctx, "apply_entity")
	span.SetAttr("entity", items[0].change.GroupKey())
	defer span.End()

	results := make([]status, len(items))
	for i, it := range items {
		if ctx.Err() != nil {
			break
		}
		mctx := logger.WithMessageID(ctx, it.msg.ID)
		err := resilience.Retry(mctx, "apply "+it.change.GroupKey(), w.cfg.Retry, func() error {
			return w.apply(mctx, it.change)
		})
		switch {
		case err == nil:
			results[i] = statusApplied
		case apperrors.IsPermanent(err):
			results[i] = w.deadLetter(mctx, it.msg, it.change.EntityType, err)
		default:
			logger.FromContext(mctx).Error("change not applied, leaving for redelivery",
				"component", "ingestion-worker",
				"entity", it.change.GroupKey(),
				"error", err,
			)
			return results
		}
	}
	return results
}

func (w *Worker) apply(ctx context.Context, change ingestion.ChangeMessage) error {
	h := w.handlers[change.EntityType]
	if change.Operation == ingestion.OpDelete {
		return h.Delete(ctx, change.EntityID)
	}
	return h.Upsert(ctx, change.EntityID, change.Entity)
}

func (w *Worker) deadLetter(ctx context.Context, msg queue.Message, entityType string, reason error) status {
	if w.sink == nil {
		w.logger.Error("dropping unprocessable message", "message_id", msg.ID, "reason", reason)
		return statusDeadLettered
	}
	err := resilience.WithTimeout(context.WithoutCancel(ctx), 5*time.Second, "dead_letter", func(ctx context.Context) error {
		return w.sink.DeadLetter(ctx, msg, entityType, reason)
	})
	if err != nil {
		w.logger.Error("dead-letter sink failed, leaving message for redelivery", "message_id", msg.ID, "error", err)
		return statusFailed
	}
	return statusDeadLettered
}

// Entity adapts an indexer facade to Handler. The entity document is decoded
// into T and must carry the id named in the message.
func Entity[T any](store func(context.Context, T) error, remove func(context.Context, string) error, id func(T) string) Handler {
	return entityHandler[T]{store: store, remove: remove, id: id}
}

type entityHandler[T any] struct {
	store  func(context.Context, T) error
	remove func(context.Context, string) error
	id     func(T) string
}

func (h entityHandler[T]) Upsert(ctx context.Context, id string, raw json.RawMessage) error {
	var entity T
	if err := json.Unmarshal(raw, &entity); err != nil {
		return fmt.Errorf("decoding entity %s: %w: %v", id, apperrors.ErrMessageMalformed, err)
	}
	if got := h.id(entity); got != id {
		return fmt.Errorf("entity id %q does not match message id %q: %w", got, id, apperrors.ErrMessageMalformed)
	}
	err := h.store(ctx, entity)
	if errors.Is(err, apperrors.ErrInvalidInput) {
		return fmt.Errorf("%w: %v", apperrors.ErrMessageMalformed, err)
	}
	return err
}

func (h entityHandler[T]) Delete(ctx context.Context, id string) error {
	return h.remove(ctx, id)
}
