package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/index"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/ingredients"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/recipes"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/queue"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/resilience"
)

var fastRetry = resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func change(t *testing.T, id string, entityType string, op ingestion.Operation, entity any) queue.Message {
	t.Helper()
	c := ingestion.ChangeMessage{EntityType: entityType, Operation: op}
	if entity != nil {
		raw, err := json.Marshal(entity)
		require.NoError(t, err)
		c.Entity = raw
	}
	switch e := entity.(type) {
	case recipes.Recipe:
		c.EntityID = e.ID
	case ingredients.Ingredient:
		c.EntityID = e.ID
	case string:
		c.EntityID = e
		c.Entity = json.RawMessage(`{"id":"` + e + `"}`)
	}
	body, err := json.Marshal(c)
	require.NoError(t, err)
	return queue.Message{ID: id, Body: body, Source: "test"}
}

func deleteMsg(t *testing.T, id, entityType, entityID string) queue.Message {
	t.Helper()
	body, err := json.Marshal(ingestion.ChangeMessage{EntityType: entityType, Operation: ingestion.OpDelete, EntityID: entityID})
	require.NoError(t, err)
	return queue.Message{ID: id, Body: body, Source: "test"}
}

type call struct {
	op string
	id string
}

// fakeHandler records calls and fails according to failFor.
type fakeHandler struct {
	mu      sync.Mutex
	calls   []call
	failFor func(op, id string, attempt int) error
	seen    map[string]int
}

func (h *fakeHandler) record(ctx context.Context, op, id string) error {
	h.mu.Lock()
	if h.seen == nil {
		h.seen = make(map[string]int)
	}
	h.seen[op+id]++
	attempt := h.seen[op+id]
	h.mu.Unlock()
	if h.failFor != nil {
		if err := h.failFor(op, id, attempt); err != nil {
			return err
		}
	}
	h.mu.Lock()
	h.calls = append(h.calls, call{op, id})
	h.mu.Unlock()
	return nil
}

func (h *fakeHandler) Upsert(ctx context.Context, id string, _ json.RawMessage) error {
	return h.record(ctx, "upsert", id)
}

func (h *fakeHandler) Delete(ctx context.Context, id string) error {
	return h.record(ctx, "delete", id)
}

func (h *fakeHandler) callsFor(id string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ops []string
	for _, c := range h.calls {
		if c.id == id {
			ops = append(ops, c.op)
		}
	}
	return ops
}

type memorySink struct {
	mu      sync.Mutex
	letters map[string]error
	err     error
}

func (s *memorySink) DeadLetter(_ context.Context, msg queue.Message, _ string, reason error) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.letters == nil {
		s.letters = make(map[string]error)
	}
	s.letters[msg.ID] = reason
	return nil
}

func TestMessagesForOneEntityApplyInOrder(t *testing.T) {
	h := &fakeHandler{}
	w := New(Config{Concurrency: 4, Retry: fastRetry}, &memorySink{}, nil)
	w.Register("recipes", h)

	out := w.ProcessBatch(context.Background(), []queue.Message{
		change(t, "m1", "recipes", ingestion.OpUpsert, "R1"),
		change(t, "m2", "recipes", ingestion.OpUpsert, "R2"),
		deleteMsg(t, "m3", "recipes", "R1"),
		change(t, "m4", "recipes", ingestion.OpUpsert, "R1"),
	})

	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, out.Applied)
	assert.Empty(t, out.Failed)
	assert.Empty(t, out.DeadLettered)
	assert.Equal(t, []string{"upsert", "delete", "upsert"}, h.callsFor("R1"))
}

func TestUnprocessableMessagesAreDeadLettered(t *testing.T) {
	sink := &memorySink{}
	w := New(Config{Retry: fastRetry}, sink, nil)
	w.Register("recipes", &fakeHandler{})

	out := w.ProcessBatch(context.Background(), []queue.Message{
		{ID: "garbage", Body: []byte("not json")},
		{ID: "no-op", Body: []byte(`{"entity_type":"recipes","operation":"patch","entity_id":"R1"}`)},
		change(t, "pie", "pies", ingestion.OpUpsert, "P1"),
		change(t, "ok", "recipes", ingestion.OpUpsert, "R1"),
	})

	assert.Equal(t, []string{"garbage", "no-op", "pie"}, out.DeadLettered)
	assert.Equal(t, []string{"ok"}, out.Applied)
	assert.ErrorIs(t, sink.letters["garbage"], apperrors.ErrMessageMalformed)
	assert.ErrorIs(t, sink.letters["no-op"], apperrors.ErrMessageMalformed)
	assert.ErrorIs(t, sink.letters["pie"], apperrors.ErrUnknownEntityType)
}

func TestTransientFailureBlocksLaterMessagesOfTheSameEntity(t *testing.T) {
	h := &fakeHandler{failFor: func(op, id string, _ int) error {
		if op == "upsert" && id == "R1" {
			return apperrors.ErrStoreUnavailable
		}
		return nil
	}}
	w := New(Config{Retry: fastRetry}, &memorySink{}, nil)
	w.Register("recipes", h)

	out := w.ProcessBatch(context.Background(), []queue.Message{
		change(t, "m1", "recipes", ingestion.OpUpsert, "R1"),
		change(t, "m2", "recipes", ingestion.OpUpsert, "R2"),
		deleteMsg(t, "m3", "recipes", "R1"),
	})

	assert.Equal(t, []string{"m2"}, out.Applied)
	assert.Equal(t, []string{"m1", "m3"}, out.Failed)
	assert.Empty(t, h.callsFor("R1"), "the delete must not overtake the failed upsert")
	assert.Equal(t, 3, h.seen["upsertR1"], "retried in place")
}

func TestTransientFailureIsRetriedInPlace(t *testing.T) {
	h := &fakeHandler{failFor: func(_, _ string, attempt int) error {
		if attempt == 1 {
			return fmt.Errorf("wrapped: %w", apperrors.ErrLockTimeout)
		}
		return nil
	}}
	w := New(Config{Retry: fastRetry}, &memorySink{}, nil)
	w.Register("recipes", h)

	out := w.ProcessBatch(context.Background(), []queue.Message{change(t, "m1", "recipes", ingestion.OpUpsert, "R1")})
	assert.Equal(t, []string{"m1"}, out.Applied)
}

func TestSinkFailureLeavesMessageUnacked(t *testing.T) {
	w := New(Config{Retry: fastRetry}, &memorySink{err: errors.New("db down")}, nil)
	out := w.ProcessBatch(context.Background(), []queue.Message{{ID: "garbage", Body: []byte("{")}})
	assert.Equal(t, []string{"garbage"}, out.Failed)
	assert.Empty(t, out.DeadLettered)
}

func TestCancellationStopsBetweenMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &fakeHandler{failFor: func(op, id string, _ int) error {
		if op == "upsert" {
			cancel()
		}
		return nil
	}}
	w := New(Config{Concurrency: 1, Retry: fastRetry}, &memorySink{}, nil)
	w.Register("recipes", h)

	out := w.ProcessBatch(ctx, []queue.Message{
		change(t, "m1", "recipes", ingestion.OpUpsert, "R1"),
		deleteMsg(t, "m2", "recipes", "R1"),
	})
	assert.Equal(t, []string{"m1"}, out.Applied)
	assert.Equal(t, []string{"m2"}, out.Failed)
}

func newIndexes(t *testing.T, st store.Store) (*ingredients.Index, *recipes.Index, *Worker) {
	t.Helper()
	ing, err := ingredients.New(st, index.Options{})
	require.NoError(t, err)
	rec, err := recipes.New(st, ing, index.Options{})
	require.NoError(t, err)
	w := New(Config{Retry: fastRetry}, &memorySink{}, nil)
	w.Register(ingredients.EntityType, Entity(ing.Store, ing.Remove, func(i ingredients.Ingredient) string { return i.ID }))
	w.Register(recipes.EntityType, Entity(rec.Store, rec.Remove, func(r recipes.Recipe) string { return r.ID }))
	return ing, rec, w
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	_, rec, w := newIndexes(t, store.NewMemory())
	vegan := true
	filter := recipes.Filter{Vegan: &vegan, Regions: []string{"asia"}}

	out := w.ProcessBatch(ctx, []queue.Message{
		change(t, "m1", ingredients.EntityType, ingestion.OpUpsert, ingredients.Ingredient{ID: "I1", Names: []string{"Chickpea"}, Vegan: true}),
	})
	require.Equal(t, []string{"m1"}, out.Applied)
	out = w.ProcessBatch(ctx, []queue.Message{
		change(t, "m2", recipes.EntityType, ingestion.OpUpsert, recipes.Recipe{ID: "R1", Names: []string{"Vegan Curry"}, IngredientIDs: []string{"I1"}, Region: "asia"}),
	})
	require.Equal(t, []string{"m2"}, out.Applied)

	got, err := rec.ByFilter(ctx, filter)
	require.NoError(t, err)
	assert.Contains(t, got, "R1")

	out = w.ProcessBatch(ctx, []queue.Message{deleteMsg(t, "m3", recipes.EntityType, "R1")})
	require.Equal(t, []string{"m3"}, out.Applied)

	got, err = rec.ByFilter(ctx, filter)
	require.NoError(t, err)
	assert.NotContains(t, got, "R1")
	words, err := rec.Members(ctx, "search:curry")
	require.NoError(t, err)
	assert.NotContains(t, words, "R1")
}

func TestIngredientsApplyBeforeRecipesInOneBatch(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		_, rec, w := newIndexes(t, store.NewMemory())
		out := w.ProcessBatch(ctx, []queue.Message{
			change(t, "m1", recipes.EntityType, ingestion.OpUpsert, recipes.Recipe{ID: "R1", Names: []string{"Dal"}, IngredientIDs: []string{"I1", "I2"}}),
			change(t, "m2", ingredients.EntityType, ingestion.OpUpsert, ingredients.Ingredient{ID: "I1", Vegan: true}),
			change(t, "m3", ingredients.EntityType, ingestion.OpUpsert, ingredients.Ingredient{ID: "I2", Vegan: true}),
		})
		require.Len(t, out.Applied, 3)

		vegan, err := rec.IsVegan(ctx, "R1")
		require.NoError(t, err)
		require.True(t, vegan, "run %d", i)
	}
}

func TestTypesApplyInRegistrationOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	track := func(kind string) *fakeHandler {
		return &fakeHandler{failFor: func(op, id string, _ int) error {
			mu.Lock()
			order = append(order, kind+"/"+id)
			mu.Unlock()
			return nil
		}}
	}
	w := New(Config{Concurrency: 4, Retry: fastRetry}, &memorySink{}, nil)
	w.Register("ingredients", track("ingredients"))
	w.Register("recipes", track("recipes"))

	out := w.ProcessBatch(context.Background(), []queue.Message{
		change(t, "m1", "recipes", ingestion.OpUpsert, "R1"),
		change(t, "m2", "recipes", ingestion.OpUpsert, "R2"),
		change(t, "m3", "ingredients", ingestion.OpUpsert, "I1"),
		change(t, "m4", "ingredients", ingestion.OpUpsert, "I2"),
	})
	require.Len(t, out.Applied, 4)
	require.Len(t, order, 4)
	assert.ElementsMatch(t, []string{"ingredients/I1", "ingredients/I2"}, order[:2])
	assert.ElementsMatch(t, []string{"recipes/R1", "recipes/R2"}, order[2:])
}

func TestRedeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_, _, w := newIndexes(t, st)
	batch := []queue.Message{
		change(t, "m1", ingredients.EntityType, ingestion.OpUpsert, ingredients.Ingredient{ID: "I1", Names: []string{"Tofu"}, Vegan: true}),
		change(t, "m2", recipes.EntityType, ingestion.OpUpsert, recipes.Recipe{ID: "R1", Names: []string{"Mapo Tofu"}, IngredientIDs: []string{"I1"}, Region: "asia", Cuisine: "sichuan"}),
		change(t, "m3", recipes.EntityType, ingestion.OpUpsert, recipes.Recipe{ID: "R2", Names: []string{"Tofu Bowl"}, Collections: []string{"quick"}}),
		deleteMsg(t, "m4", recipes.EntityType, "R2"),
	}

	require.Len(t, w.ProcessBatch(ctx, batch).Applied, 4)
	first := dump(t, st)
	require.Len(t, w.ProcessBatch(ctx, batch).Applied, 4)
	assert.Equal(t, first, dump(t, st))
}

func TestColonIDsAreIndexed(t *testing.T) {
	ctx := context.Background()
	_, rec, w := newIndexes(t, store.NewMemory())
	out := w.ProcessBatch(ctx, []queue.Message{
		change(t, "m1", recipes.EntityType, ingestion.OpUpsert, recipes.Recipe{ID: "urn:recipe:1", Names: []string{"Dal"}, ChefID: "urn:chef:7"}),
	})
	require.Equal(t, []string{"m1"}, out.Applied)

	got, err := rec.ByChef(ctx, "urn:chef:7")
	require.NoError(t, err)
	assert.Equal(t, []string{"urn:recipe:1"}, got)

	out = w.ProcessBatch(ctx, []queue.Message{deleteMsg(t, "m2", recipes.EntityType, "urn:recipe:1")})
	require.Equal(t, []string{"m2"}, out.Applied)
	found, err := rec.Search(ctx, "dal")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestEntityIDMismatchIsMalformed(t *testing.T) {
	_, _, w := newIndexes(t, store.NewMemory())
	body := []byte(`{"entity_type":"recipes","operation":"upsert","entity_id":"R1","entity":{"id":"R2"}}`)
	out := w.ProcessBatch(context.Background(), []queue.Message{{ID: "m1", Body: body}})
	assert.Equal(t, []string{"m1"}, out.DeadLettered)
}

func dump(t *testing.T, st *store.Memory) map[string][]string {
	t.Helper()
	ctx := context.Background()
	out := make(map[string][]string)
	for _, k := range st.Keys() {
		members, err := st.Members(ctx, k)
		require.NoError(t, err)
		out[k] = members
	}
	for _, h := range []string{"recipes:names", "recipes:facets", "ingredients:names", "ingredients:facets"} {
		vals, err := st.HashGetMany(ctx, h, "R1", "R2", "I1")
		require.NoError(t, err)
		out[h] = vals
	}
	return out
}
