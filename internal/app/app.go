// Package app assembles the index store and entity indexes from
// configuration. The indexer, searcher and recipectl binaries share it.
package app

import (
	"context"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/index"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/index/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/ingestion/worker"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/ingredients"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/recipes"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/store"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/resilience"
)

// Indexes holds the domain facades over one store.
type Indexes struct {
	Store       store.Store
	Ingredients *ingredients.Index
	Recipes     *recipes.Index
}

// OpenRedis connects to Redis and wraps it in a circuit-broken store.
// Breaker transitions are exported to m.
func OpenRedis(cfg *config.Config, m *metrics.Metrics) (*pkgredis.Client, *store.Redis, error) {
	client, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
	}
	breaker := resilience.NewCircuitBreaker("redis", resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.Redis.CircuitBreaker.FailureThreshold,
		ResetTimeout:     cfg.Redis.CircuitBreaker.ResetTimeout,
		OnStateChange: func(name string, state resilience.State) {
			m.SetBreakerState(name, int(state))
		},
	})
	return client, store.NewRedis(client.Universal(), breaker), nil
}

// IndexOptions maps the indexer section of cfg.
func IndexOptions(cfg config.IndexerConfig, m *metrics.Metrics) index.Options {
	return index.Options{
		LockTTL:      cfg.LockTTL,
		LockWait:     cfg.LockWait,
		PollInterval: cfg.LockPollInterval,
		CompositeTTL: cfg.CompositeTTL,
		Tokenizer: tokenizer.New(tokenizer.Options{
			MinLength: cfg.Tokenizer.MinLength,
			StopWords: cfg.Tokenizer.StopWords,
			Stem:      cfg.Tokenizer.Stem,
		}),
		Metrics: m,
	}
}

func NewIndexes(st store.Store, opts index.Options) (*Indexes, error) {
	ing, err := ingredients.New(st, opts)
	if err != nil {
		return nil, fmt.Errorf("building ingredient index: %w", err)
	}
	rec, err := recipes.New(st, ing, opts)
	if err != nil {
		return nil, fmt.Errorf("building recipe index: %w", err)
	}
	return &Indexes{Store: st, Ingredients: ing, Recipes: rec}, nil
}

// RegisterHandlers routes both entity types of the change stream to their
// indexes. Ingredients go first: recipes derive their vegan flag from them.
func (x *Indexes) RegisterHandlers(w *worker.Worker) {
	w.Register(ingredients.EntityType, worker.Entity(x.storeIngredient, x.removeIngredient,
		func(i ingredients.Ingredient) string { return i.ID }))
	w.Register(recipes.EntityType, worker.Entity(x.Recipes.Store, x.Recipes.Remove,
		func(r recipes.Recipe) string { return r.ID }))
}

// storeIngredient and removeIngredient keep the derived vegan flag of the
// recipes using the ingredient in step. Both are safe to retry.
func (x *Indexes) storeIngredient(ctx context.Context, i ingredients.Ingredient) error {
	if err := x.Ingredients.Store(ctx, i); err != nil {
		return err
	}
	return x.Recipes.RefreshVegan(ctx, i.ID)
}

func (x *Indexes) removeIngredient(ctx context.Context, id string) error {
	if err := x.Ingredients.Remove(ctx, id); err != nil {
		return err
	}
	return x.Recipes.RefreshVegan(ctx, id)
}
