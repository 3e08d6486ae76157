// Package recipes indexes recipes by chef, ingredients, derived vegan flag
// and the browse facets (region, cuisine, spice level, total time,
// collections), and answers filter queries over them.
package recipes

import (
	"context"
	"fmt"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/index"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/index/combinator"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/store"
)

const EntityType = "recipes"

const (
	attrChef       = "chef-id"
	attrIngredient = "ingredient-id"
	attrVegan      = "vegan"
	attrOvernight  = "overnight-preparation"
	attrRegion     = "region"
	attrCuisine    = "cuisine"
	attrSpiceLevel = "spice-level"
	attrTotalTime  = "total-time"
	attrCollection = "collection"
)

type SpiceLevel string

const (
	SpiceNone   SpiceLevel = "none"
	SpiceMild   SpiceLevel = "mild"
	SpiceMedium SpiceLevel = "medium"
	SpiceHot    SpiceLevel = "hot"
)

type Recipe struct {
	ID                   string     `json:"id"`
	Names                []string   `json:"names"`
	ChefID               string     `json:"chefId"`
	IngredientIDs        []string   `json:"ingredientIds"`
	OvernightPreparation bool       `json:"overnightPreparation"`
	Region               string     `json:"region"`
	Cuisine              string     `json:"cuisine"`
	SpiceLevel           SpiceLevel `json:"spiceLevel"`
	// TotalTime is in minutes; zero means unknown.
	TotalTime   int      `json:"totalTime"`
	Collections []string `json:"collections"`
}

// VeganChecker answers whether an ingredient is vegan. The ingredient index
// satisfies it.
type VeganChecker interface {
	IsVegan(ctx context.Context, ingredientID string) (bool, error)
}

// Filter selects recipes. Set fields are ANDed; the values of a multi-value
// field are ORed. A filter with nothing set matches nothing.
type Filter struct {
	Vegan                *bool
	OvernightPreparation *bool
	IngredientIDs        []string
	Regions              []string
	Cuisines             []string
	SpiceLevels          []SpiceLevel
	TotalTimes           []int
	Collections          []string
}

type Index struct {
	ix    *index.Indexer[Recipe]
	vegan VeganChecker
}

func New(st store.Store, vegan VeganChecker, opts index.Options) (*Index, error) {
	x := &Index{vegan: vegan}
	ix, err := index.New(st, index.Schema[Recipe]{
		Type:  EntityType,
		ID:    func(r Recipe) string { return r.ID },
		Names: func(r Recipe) []string { return r.Names },
		Attributes: []index.Attribute[Recipe]{
			{Name: attrChef, Values: single(func(r Recipe) string { return r.ChefID })},
			{Name: attrIngredient, Values: func(_ context.Context, r Recipe) ([]string, error) {
				return r.IngredientIDs, nil
			}},
			{Name: attrVegan, Values: x.deriveVegan},
			{Name: attrOvernight, Values: single(func(r Recipe) string { return strconv.FormatBool(r.OvernightPreparation) })},
			{Name: attrRegion, Values: single(func(r Recipe) string { return r.Region })},
			{Name: attrCuisine, Values: single(func(r Recipe) string { return r.Cuisine })},
			{Name: attrSpiceLevel, Values: single(func(r Recipe) string { return string(r.SpiceLevel) })},
			{Name: attrTotalTime, Values: single(func(r Recipe) string {
				if r.TotalTime <= 0 {
					return ""
				}
				return strconv.Itoa(r.TotalTime)
			})},
			{Name: attrCollection, Values: func(_ context.Context, r Recipe) ([]string, error) {
				return r.Collections, nil
			}},
		},
	}, opts)
	if err != nil {
		return nil, err
	}
	x.ix = ix
	return x, nil
}

func single(get func(Recipe) string) func(context.Context, Recipe) ([]string, error) {
	return func(_ context.Context, r Recipe) ([]string, error) {
		return []string{get(r)}, nil
	}
}

// deriveVegan marks a recipe vegan when every ingredient is vegan. A recipe
// without ingredients counts as vegan.
func (x *Index) deriveVegan(ctx context.Context, r Recipe) ([]string, error) {
	for _, id := range r.IngredientIDs {
		ok, err := x.vegan.IsVegan(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("checking ingredient %s: %w", id, err)
		}
		if !ok {
			return []string{"false"}, nil
		}
	}
	return []string{"true"}, nil
}

// RefreshVegan re-derives the vegan flag of every indexed recipe that uses
// ingredientID. Call it after the ingredient's own index has changed.
func (x *Index) RefreshVegan(ctx context.Context, ingredientID string) error {
	ids, err := x.ByIngredient(ctx, ingredientID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		err := x.ix.Refresh(ctx, id, attrVegan, func(ctx context.Context, facets map[string][]string) ([]string, error) {
			return x.deriveVegan(ctx, Recipe{ID: id, IngredientIDs: facets[attrIngredient]})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (x *Index) Store(ctx context.Context, r Recipe) error { return x.ix.Store(ctx, r) }

func (x *Index) Remove(ctx context.Context, id string) error { return x.ix.Remove(ctx, id) }

// ByFilter returns the sorted ids of recipes matching f.
func (x *Index) ByFilter(ctx context.Context, f Filter) ([]string, error) {
	expr, ok := x.filterExpr(f)
	if !ok {
		return []string{}, nil
	}
	return x.ix.Combinator().Members(ctx, expr)
}

// CountByFilter is ByFilter without materializing the ids.
func (x *Index) CountByFilter(ctx context.Context, f Filter) (int64, error) {
	expr, ok := x.filterExpr(f)
	if !ok {
		return 0, nil
	}
	return x.ix.Combinator().Count(ctx, expr)
}

func (x *Index) filterExpr(f Filter) (combinator.Expr, bool) {
	var terms []combinator.Expr
	if f.Vegan != nil {
		terms = append(terms, x.value(attrVegan, strconv.FormatBool(*f.Vegan)))
	}
	if f.OvernightPreparation != nil {
		terms = append(terms, x.value(attrOvernight, strconv.FormatBool(*f.OvernightPreparation)))
	}
	terms = x.anyOf(terms, attrIngredient, f.IngredientIDs)
	terms = x.anyOf(terms, attrRegion, f.Regions)
	terms = x.anyOf(terms, attrCuisine, f.Cuisines)
	levels := make([]string, len(f.SpiceLevels))
	for i, l := range f.SpiceLevels {
		levels[i] = string(l)
	}
	terms = x.anyOf(terms, attrSpiceLevel, levels)
	times := make([]string, len(f.TotalTimes))
	for i, t := range f.TotalTimes {
		times[i] = strconv.Itoa(t)
	}
	terms = x.anyOf(terms, attrTotalTime, times)
	terms = x.anyOf(terms, attrCollection, f.Collections)
	if len(terms) == 0 {
		return nil, false
	}
	return combinator.And(terms...), true
}

func (x *Index) value(attr, v string) combinator.Expr {
	return combinator.Key(x.ix.ValueKey(attr, v))
}

func (x *Index) anyOf(terms []combinator.Expr, attr string, values []string) []combinator.Expr {
	if len(values) == 0 {
		return terms
	}
	keys := make([]string, len(values))
	for i, v := range values {
		keys[i] = x.ix.ValueKey(attr, v)
	}
	return append(terms, combinator.AnyOf(keys...))
}

func (x *Index) ByChef(ctx context.Context, chefID string) ([]string, error) {
	return x.ix.Members(ctx, attrChef+":"+chefID)
}

// ByIngredient lists the recipes that use ingredientID.
func (x *Index) ByIngredient(ctx context.Context, ingredientID string) ([]string, error) {
	return x.ix.Members(ctx, attrIngredient+":"+ingredientID)
}

func (x *Index) IsVegan(ctx context.Context, id string) (bool, error) {
	return x.ix.IsMember(ctx, attrVegan+":true", id)
}

func (x *Index) Chefs(ctx context.Context) ([]string, error) { return x.ix.Values(ctx, attrChef) }

func (x *Index) Collections(ctx context.Context) ([]string, error) {
	return x.ix.Values(ctx, attrCollection)
}

func (x *Index) Cuisines(ctx context.Context) ([]string, error) { return x.ix.Values(ctx, attrCuisine) }

func (x *Index) Regions(ctx context.Context) ([]string, error) { return x.ix.Values(ctx, attrRegion) }

func (x *Index) CountForCollection(ctx context.Context, collection string) (int64, error) {
	return x.ix.Count(ctx, attrCollection+":"+collection)
}

func (x *Index) Search(ctx context.Context, text string) ([]string, error) {
	return x.ix.Search(ctx, text)
}

func (x *Index) Names(ctx context.Context, ids ...string) (map[string][]string, error) {
	return x.ix.Names(ctx, ids...)
}

func (x *Index) Members(ctx context.Context, key string) ([]string, error) {
	return x.ix.Members(ctx, key)
}

func (x *Index) IsMember(ctx context.Context, key, id string) (bool, error) {
	return x.ix.IsMember(ctx, key, id)
}
