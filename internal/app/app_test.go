package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/ingestion/deadletter"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/ingestion/worker"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/recipes"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/queue"
)

func change(t *testing.T, id, entityType string, op ingestion.Operation, entity any) queue.Message {
	t.Helper()
	raw, err := json.Marshal(entity)
	require.NoError(t, err)
	body, err := json.Marshal(ingestion.ChangeMessage{EntityType: entityType, Operation: op, EntityID: id, Entity: raw})
	require.NoError(t, err)
	return queue.Message{ID: id + "-" + string(op), Key: entityType + "/" + id, Body: body, Source: "test"}
}

func TestWiringAgainstRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Redis.Addr = mr.Addr()

	client, st, err := OpenRedis(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	x, err := NewIndexes(st, IndexOptions(cfg.Indexer, nil))
	require.NoError(t, err)

	w := worker.New(worker.Config{Concurrency: 2}, deadletter.LogSink{}, nil)
	x.RegisterHandlers(w)

	out := w.ProcessBatch(context.Background(), []queue.Message{
		change(t, "I1", "ingredients", ingestion.OpUpsert, map[string]any{"id": "I1", "names": []string{"Lentils"}, "vegan": true}),
		change(t, "R1", "recipes", ingestion.OpUpsert, map[string]any{"id": "R1", "names": []string{"Dal"}, "ingredientIds": []string{"I1"}, "region": "asia"}),
	})
	assert.Len(t, out.Applied, 2)
	assert.Empty(t, out.Failed)

	ctx := context.Background()
	vegan := true
	veganInAsia := recipes.Filter{Vegan: &vegan, Regions: []string{"asia"}}
	got, err := x.Recipes.ByFilter(ctx, veganInAsia)
	require.NoError(t, err)
	assert.Equal(t, []string{"R1"}, got)
	assert.True(t, mr.Exists("recipes:region:asia"))

	// flipping the ingredient re-derives the recipe
	out = w.ProcessBatch(ctx, []queue.Message{
		change(t, "I1", "ingredients", ingestion.OpUpsert, map[string]any{"id": "I1", "names": []string{"Lentils"}, "vegan": false}),
	})
	require.Len(t, out.Applied, 1)
	got, err = x.Recipes.ByFilter(ctx, veganInAsia)
	require.NoError(t, err)
	assert.Empty(t, got)
	names, err := x.Recipes.Names(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Dal"}, names["R1"])

	out = w.ProcessBatch(ctx, []queue.Message{
		change(t, "I1", "ingredients", ingestion.OpUpsert, map[string]any{"id": "I1", "names": []string{"Lentils"}, "vegan": true}),
	})
	require.Len(t, out.Applied, 1)
	got, err = x.Recipes.ByFilter(ctx, veganInAsia)
	require.NoError(t, err)
	assert.Equal(t, []string{"R1"}, got)

	// an ingredient that is no longer indexed is not vegan
	body, err := json.Marshal(ingestion.ChangeMessage{EntityType: "ingredients", Operation: ingestion.OpDelete, EntityID: "I1"})
	require.NoError(t, err)
	out = w.ProcessBatch(ctx, []queue.Message{{ID: "I1-delete", Key: "ingredients/I1", Body: body, Source: "test"}})
	require.Len(t, out.Applied, 1)
	isVegan, err := x.Recipes.IsVegan(ctx, "R1")
	require.NoError(t, err)
	assert.False(t, isVegan)
}

func TestOpenRedisUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.Redis.Addr = "127.0.0.1:1"
	cfg.Redis.DialTimeout = 100 * time.Millisecond
	_, _, err := OpenRedis(cfg, nil)
	assert.Error(t, err)
}
