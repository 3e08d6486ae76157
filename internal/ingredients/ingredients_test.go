package ingredients

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/index"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/store"
)

func TestIngredientIndex(t *testing.T) {
	ctx := context.Background()
	x, err := New(store.NewMemory(), index.Options{})
	require.NoError(t, err)

	require.NoError(t, x.Store(ctx, Ingredient{ID: "I1", Names: []string{"Tofu", "Bean Curd"}, Vegan: true}))
	require.NoError(t, x.Store(ctx, Ingredient{ID: "I2", Names: []string{"Paneer"}, Vegan: false}))

	vegan, err := x.IsVegan(ctx, "I1")
	require.NoError(t, err)
	assert.True(t, vegan)
	vegan, err = x.IsVegan(ctx, "I2")
	require.NoError(t, err)
	assert.False(t, vegan)
	vegan, err = x.IsVegan(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, vegan)

	all, err := x.Vegan(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"I1"}, all)

	found, err := x.Search(ctx, "bean")
	require.NoError(t, err)
	assert.Equal(t, []string{"I1"}, found)

	// flipping the flag moves the ingredient between sets
	require.NoError(t, x.Store(ctx, Ingredient{ID: "I1", Names: []string{"Tofu"}, Vegan: false}))
	nonVegan, err := x.Members(ctx, "vegan:false")
	require.NoError(t, err)
	assert.Equal(t, []string{"I1", "I2"}, nonVegan)
	found, err = x.Search(ctx, "bean")
	require.NoError(t, err)
	assert.Empty(t, found)

	require.NoError(t, x.Remove(ctx, "I2"))
	names, err := x.Names(ctx, "I1", "I2")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"I1": {"Tofu"}}, names)
}
