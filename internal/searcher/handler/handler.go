// Package handler serves the read-only query API over the recipe and
// ingredient indexes.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/recipes"
	apperrors "github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/logger"
)

type RecipeQuerier interface {
	ByFilter(ctx context.Context, f recipes.Filter) ([]string, error)
	ByChef(ctx context.Context, chefID string) ([]string, error)
	Search(ctx context.Context, text string) ([]string, error)
	Names(ctx context.Context, ids ...string) (map[string][]string, error)
	CountForCollection(ctx context.Context, collection string) (int64, error)
	Chefs(ctx context.Context) ([]string, error)
	Collections(ctx context.Context) ([]string, error)
	Cuisines(ctx context.Context) ([]string, error)
	Regions(ctx context.Context) ([]string, error)
}

type IngredientQuerier interface {
	Search(ctx context.Context, text string) ([]string, error)
	Names(ctx context.Context, ids ...string) (map[string][]string, error)
}

// Result is the body of every id-list response. Total counts all matches;
// IDs holds at most the requested limit.
type Result struct {
	IDs   []string            `json:"ids"`
	Total int                 `json:"total"`
	Names map[string][]string `json:"names,omitempty"`
}

type Handler struct {
	recipes     RecipeQuerier
	ingredients IngredientQuerier
	maxResults  int
	logger      *slog.Logger
}

func New(r RecipeQuerier, i IngredientQuerier, maxResults int) *Handler {
	if maxResults <= 0 {
		maxResults = 500
	}
	return &Handler{
		recipes:     r,
		ingredients: i,
		maxResults:  maxResults,
		logger:      slog.Default().With("component", "search-handler"),
	}
}

// Register mounts the API on mux.
//
//	GET /api/v1/recipes                      filter query
//	GET /api/v1/recipes/search?q=            name search
//	GET /api/v1/recipes/facets               known chefs, collections, cuisines, regions
//	GET /api/v1/chefs/{id}/recipes
//	GET /api/v1/collections/{name}/count
//	GET /api/v1/ingredients/search?q=
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/recipes", h.FilterRecipes)
	mux.HandleFunc("GET /api/v1/recipes/search", h.SearchRecipes)
	mux.HandleFunc("GET /api/v1/recipes/facets", h.Facets)
	mux.HandleFunc("GET /api/v1/chefs/{id}/recipes", h.RecipesByChef)
	mux.HandleFunc("GET /api/v1/collections/{name}/count", h.CollectionCount)
	mux.HandleFunc("GET /api/v1/ingredients/search", h.SearchIngredients)
}

// FilterRecipes accepts vegan, overnight (booleans) and repeatable
// ingredient, region, cuisine, spice, time and collection parameters.
func (h *Handler) FilterRecipes(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseFilter(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	ids, err := h.recipes.ByFilter(r.Context(), filter)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.respond(w, r, ids, h.recipes.Names)
}

func (h *Handler) SearchRecipes(w http.ResponseWriter, r *http.Request) {
	h.search(w, r, h.recipes.Search, h.recipes.Names)
}

func (h *Handler) SearchIngredients(w http.ResponseWriter, r *http.Request) {
	h.search(w, r, h.ingredients.Search, h.ingredients.Names)
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request,
	search func(context.Context, string) ([]string, error),
	names func(context.Context, ...string) (map[string][]string, error),
) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		h.writeErr(w, r, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "query parameter 'q' is required"))
		return
	}
	ids, err := search(r.Context(), q)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Debug("search completed", "component", "search-handler", "query", q, "hits", len(ids))
	h.respond(w, r, ids, names)
}

func (h *Handler) RecipesByChef(w http.ResponseWriter, r *http.Request) {
	ids, err := h.recipes.ByChef(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.respond(w, r, ids, h.recipes.Names)
}

func (h *Handler) CollectionCount(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	n, err := h.recipes.CountForCollection(r.Context(), name)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"collection": name, "count": n})
}

func (h *Handler) Facets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := make(map[string][]string, 4)
	for name, list := range map[string]func(context.Context) ([]string, error){
		"chefs":       h.recipes.Chefs,
		"collections": h.recipes.Collections,
		"cuisines":    h.recipes.Cuisines,
		"regions":     h.recipes.Regions,
	} {
		vals, err := list(ctx)
		if err != nil {
			h.writeErr(w, r, err)
			return
		}
		out[name] = vals
	}
	h.writeJSON(w, http.StatusOK, out)
}

// respond truncates ids to the limit parameter and, with names=true,
// attaches display names.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, ids []string,
	names func(context.Context, ...string) (map[string][]string, error),
) {
	limit := h.maxResults
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			h.writeErr(w, r, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "limit must be a positive integer"))
			return
		}
		limit = min(n, h.maxResults)
	}
	res := Result{IDs: ids, Total: len(ids)}
	if res.IDs == nil {
		res.IDs = []string{}
	}
	if len(res.IDs) > limit {
		res.IDs = res.IDs[:limit]
	}
	if r.URL.Query().Get("names") == "true" && len(res.IDs) > 0 {
		m, err := names(r.Context(), res.IDs...)
		if err != nil {
			h.writeErr(w, r, err)
			return
		}
		res.Names = m
	}
	h.writeJSON(w, http.StatusOK, res)
}

// ParseFilter reads a recipes.Filter from query parameters.
func ParseFilter(r *http.Request) (recipes.Filter, error) {
	q := r.URL.Query()
	var f recipes.Filter
	var err error
	if f.Vegan, err = parseBool(q.Get("vegan"), "vegan"); err != nil {
		return f, err
	}
	if f.OvernightPreparation, err = parseBool(q.Get("overnight"), "overnight"); err != nil {
		return f, err
	}
	f.IngredientIDs = q["ingredient"]
	f.Regions = q["region"]
	f.Cuisines = q["cuisine"]
	f.Collections = q["collection"]
	for _, s := range q["spice"] {
		f.SpiceLevels = append(f.SpiceLevels, recipes.SpiceLevel(strings.ToLower(s)))
	}
	for _, s := range q["time"] {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return f, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "time must be a positive number of minutes, got %q", s)
		}
		f.TotalTimes = append(f.TotalTimes, n)
	}
	return f, nil
}

func parseBool(s, name string) (*bool, error) {
	if s == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "%s must be true or false, got %q", name, s)
	}
	return &b, nil
}

func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	msg := "internal error"
	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
		msg = appErr.Message
	case status == http.StatusServiceUnavailable:
		msg = "index store unavailable"
	}
	if status >= 500 {
		logger.FromContext(r.Context()).Error("query failed", "component", "search-handler", "path", r.URL.Path, "error", err)
	}
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}
