// Package ingredients indexes ingredients by vegan flag and by the words of
// their names.
package ingredients

import (
	"context"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/index"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/store"
)

const EntityType = "ingredients"

const attrVegan = "vegan"

type Ingredient struct {
	ID    string   `json:"id"`
	Names []string `json:"names"`
	Vegan bool     `json:"vegan"`
}

// Index is the ingredient facade over the generic indexer.
type Index struct {
	ix *index.Indexer[Ingredient]
}

func New(st store.Store, opts index.Options) (*Index, error) {
	ix, err := index.New(st, index.Schema[Ingredient]{
		Type:  EntityType,
		ID:    func(i Ingredient) string { return i.ID },
		Names: func(i Ingredient) []string { return i.Names },
		Attributes: []index.Attribute[Ingredient]{
			{Name: attrVegan, Values: func(_ context.Context, i Ingredient) ([]string, error) {
				return []string{strconv.FormatBool(i.Vegan)}, nil
			}},
		},
	}, opts)
	if err != nil {
		return nil, err
	}
	return &Index{ix: ix}, nil
}

func (x *Index) Store(ctx context.Context, i Ingredient) error { return x.ix.Store(ctx, i) }

func (x *Index) Remove(ctx context.Context, id string) error { return x.ix.Remove(ctx, id) }

// IsVegan reports whether id is indexed as vegan. Unknown ingredients are
// not vegan.
func (x *Index) IsVegan(ctx context.Context, id string) (bool, error) {
	return x.ix.IsMember(ctx, attrVegan+":true", id)
}

// Vegan lists every vegan ingredient id.
func (x *Index) Vegan(ctx context.Context) ([]string, error) {
	return x.ix.Members(ctx, attrVegan+":true")
}

func (x *Index) Search(ctx context.Context, text string) ([]string, error) {
	return x.ix.Search(ctx, text)
}

func (x *Index) Names(ctx context.Context, ids ...string) (map[string][]string, error) {
	return x.ix.Names(ctx, ids...)
}

// Members and IsMember expose the raw type-relative keys.
func (x *Index) Members(ctx context.Context, key string) ([]string, error) {
	return x.ix.Members(ctx, key)
}

func (x *Index) IsMember(ctx context.Context, key, id string) (bool, error) {
	return x.ix.IsMember(ctx, key, id)
}
