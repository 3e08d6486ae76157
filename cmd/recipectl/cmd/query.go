package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/ingredients"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/recipes"
)

type queryResult struct {
	IDs   []string            `json:"ids"`
	Total int                 `json:"total"`
	Names map[string][]string `json:"names,omitempty"`
}

type filterOptions struct {
	vegan       bool
	overnight   bool
	ingredients []string
	regions     []string
	cuisines    []string
	spice       []string
	times       []int
	collections []string
	names       bool
	countOnly   bool
}

func newFilterCmd(root *rootOptions) *cobra.Command {
	var opts filterOptions

	cmd := &cobra.Command{
		Use:   "filter",
		Short: "List recipes matching every given facet",
		Long: `List recipes matching every given facet. Repeating a facet flag
matches any of its values. --vegan=false selects recipes that are not vegan.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := recipes.Filter{
				IngredientIDs: opts.ingredients,
				Regions:       opts.regions,
				Cuisines:      opts.cuisines,
				TotalTimes:    opts.times,
				Collections:   opts.collections,
			}
			if cmd.Flags().Changed("vegan") {
				f.Vegan = &opts.vegan
			}
			if cmd.Flags().Changed("overnight") {
				f.OvernightPreparation = &opts.overnight
			}
			for _, s := range opts.spice {
				f.SpiceLevels = append(f.SpiceLevels, recipes.SpiceLevel(strings.ToLower(s)))
			}

			x, closeFn, err := openIndexes(root.cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			if opts.countOnly {
				n, err := x.Recipes.CountByFilter(cmd.Context(), f)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			}
			ids, err := x.Recipes.ByFilter(cmd.Context(), f)
			if err != nil {
				return err
			}
			return printResult(cmd, ids, opts.names, x.Recipes.Names)
		},
	}

	cmd.Flags().BoolVar(&opts.vegan, "vegan", false, "vegan recipes only")
	cmd.Flags().BoolVar(&opts.overnight, "overnight", false, "recipes that need overnight preparation")
	cmd.Flags().StringArrayVar(&opts.ingredients, "ingredient", nil, "ingredient id (repeatable)")
	cmd.Flags().StringArrayVar(&opts.regions, "region", nil, "region (repeatable)")
	cmd.Flags().StringArrayVar(&opts.cuisines, "cuisine", nil, "cuisine (repeatable)")
	cmd.Flags().StringArrayVar(&opts.spice, "spice", nil, "spice level: none, mild, medium, hot (repeatable)")
	cmd.Flags().IntSliceVar(&opts.times, "time", nil, "total time in minutes (repeatable)")
	cmd.Flags().StringArrayVar(&opts.collections, "collection", nil, "collection (repeatable)")
	cmd.Flags().BoolVar(&opts.names, "names", false, "include display names")
	cmd.Flags().BoolVar(&opts.countOnly, "count", false, "print only the number of matches")

	return cmd
}

func newSearchCmd(root *rootOptions) *cobra.Command {
	var names bool

	cmd := &cobra.Command{
		Use:       "search <recipes|ingredients> <words...>",
		Short:     "Find entities whose names contain every search word",
		Args:      cobra.MinimumNArgs(2),
		ValidArgs: []string{recipes.EntityType, ingredients.EntityType},
		RunE: func(cmd *cobra.Command, args []string) error {
			x, closeFn, err := openIndexes(root.cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			var (
				search   func(context.Context, string) ([]string, error)
				resolver func(context.Context, ...string) (map[string][]string, error)
			)
			switch args[0] {
			case recipes.EntityType:
				search, resolver = x.Recipes.Search, x.Recipes.Names
			case ingredients.EntityType:
				search, resolver = x.Ingredients.Search, x.Ingredients.Names
			default:
				return fmt.Errorf("unknown entity type %q, want %s or %s", args[0], recipes.EntityType, ingredients.EntityType)
			}
			ids, err := search(cmd.Context(), strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			return printResult(cmd, ids, names, resolver)
		},
	}
	cmd.Flags().BoolVar(&names, "names", false, "include display names")
	return cmd
}

func printResult(cmd *cobra.Command, ids []string, withNames bool,
	names func(context.Context, ...string) (map[string][]string, error),
) error {
	res := queryResult{IDs: ids, Total: len(ids)}
	if withNames && len(ids) > 0 {
		m, err := names(cmd.Context(), ids...)
		if err != nil {
			return err
		}
		res.Names = m
	}
	return printJSON(cmd.OutOrStdout(), res)
}
