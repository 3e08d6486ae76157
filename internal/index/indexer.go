// Package index maintains secondary indexes for one entity type in the
// shared store: a set per (attribute, value), a display-name map, a
// search-word inverted index and the per-entity leases that serialize
// writers. Entity types plug in through a Schema.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/index/combinator"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/index/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/metrics"
)

const nameSeparator = "\n"

// Attribute derives the index values of one facet. Returning no values
// leaves the entity out of every set of that attribute.
type Attribute[T any] struct {
	Name   string
	Values func(ctx context.Context, entity T) ([]string, error)
}

// Schema describes how an entity type is indexed.
type Schema[T any] struct {
	Type       string
	ID         func(T) string
	Names      func(T) []string
	Attributes []Attribute[T]
}

// Options tune leasing and query behaviour. Zero values take defaults.
type Options struct {
	LockTTL      time.Duration
	LockWait     time.Duration
	PollInterval time.Duration
	CompositeTTL time.Duration
	Tokenizer    *tokenizer.Tokenizer
	Metrics      *metrics.Metrics
}

func (o *Options) applyDefaults() {
	if o.LockTTL <= 0 {
		o.LockTTL = 10 * time.Second
	}
	if o.LockWait <= 0 {
		o.LockWait = 3 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 20 * time.Millisecond
	}
	if o.CompositeTTL <= 0 {
		o.CompositeTTL = 30 * time.Second
	}
	if o.Tokenizer == nil {
		o.Tokenizer = tokenizer.Default()
	}
}

// facetState is what the facets hash records per id: attribute -> values.
type facetState map[string][]string

// Indexer keeps the indexes of one entity type consistent with the entities
// passed to Store and Remove. It is safe for concurrent use; writes for the
// same id from any process are serialized by a lease in the store.
type Indexer[T any] struct {
	schema  Schema[T]
	store   store.Store
	keys    Keys
	differ  *Differ
	locks   *locker
	engine  *combinator.Engine
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New[T any](st store.Store, schema Schema[T], opts Options) (*Indexer[T], error) {
	if err := validateType(schema.Type); err != nil {
		return nil, err
	}
	if schema.ID == nil {
		return nil, fmt.Errorf("schema %s has no id function: %w", schema.Type, apperrors.ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(schema.Attributes))
	for _, a := range schema.Attributes {
		if err := validateAttribute(a.Name); err != nil {
			return nil, fmt.Errorf("schema %s: %w", schema.Type, err)
		}
		if _, dup := seen[a.Name]; dup {
			return nil, fmt.Errorf("schema %s: duplicate attribute %q: %w", schema.Type, a.Name, apperrors.ErrInvalidInput)
		}
		if a.Values == nil {
			return nil, fmt.Errorf("schema %s: attribute %q has no values function: %w", schema.Type, a.Name, apperrors.ErrInvalidInput)
		}
		seen[a.Name] = struct{}{}
	}
	opts.applyDefaults()

	keys := Keys{Type: schema.Type}
	return &Indexer[T]{
		schema: schema,
		store:  st,
		keys:   keys,
		differ: NewDiffer(keys, opts.Tokenizer),
		locks: &locker{
			store:   st,
			keys:    keys,
			ttl:     opts.LockTTL,
			wait:    opts.LockWait,
			poll:    opts.PollInterval,
			metrics: opts.Metrics,
		},
		engine:  combinator.New(st, schema.Type, opts.CompositeTTL, opts.Metrics),
		opts:    opts,
		metrics: opts.Metrics,
		logger:  slog.Default().With("component", "indexer", "entity_type", schema.Type),
	}, nil
}

// Type returns the entity type tag, which is also the key prefix.
func (ix *Indexer[T]) Type() string { return ix.keys.Type }

// Key turns a type-relative key ("vegan:true", "search:curry") into the
// absolute store key.
func (ix *Indexer[T]) Key(rel string) string { return ix.keys.Abs(rel) }

// ValueKey is the absolute key of the set of ids with attribute=value.
func (ix *Indexer[T]) ValueKey(attribute, value string) string {
	return ix.keys.Value(attribute, value)
}

// Combinator evaluates AND/OR expressions over this type's keys.
func (ix *Indexer[T]) Combinator() *combinator.Engine { return ix.engine }

// Store indexes entity, replacing whatever was indexed for its id before.
// Storing the same entity twice leaves the store unchanged.
func (ix *Indexer[T]) Store(ctx context.Context, entity T) error {
	id := ix.schema.ID(entity)
	if id == "" {
		return fmt.Errorf("%s without id: %w", ix.keys.Type, apperrors.ErrInvalidInput)
	}
	start := time.Now()
	facets, err := ix.derive(ctx, entity)
	if err != nil {
		ix.metrics.ObserveWrite(ix.keys.Type, "store", "error", time.Since(start))
		return err
	}
	var names []string
	if ix.schema.Names != nil {
		names = cleanNames(ix.schema.Names(entity))
	}

	err = ix.withLease(ctx, id, func(wctx context.Context, lease *store.Lease) error {
		prev, err := ix.readState(wctx, id)
		if err != nil {
			return err
		}
		batch, err := ix.storeBatch(wctx, id, prev, names, facets, false)
		if err != nil {
			return err
		}
		err = ix.store.Apply(wctx, lease, batch)
		if errors.Is(err, apperrors.ErrBatchPartiallyApplied) {
			err = ix.reconcile(wctx, lease, id, prev, func(cur entityState) ([]store.Entry, error) {
				return ix.storeBatch(wctx, id, cur, names, facets, true)
			})
		}
		return err
	})
	ix.metrics.ObserveWrite(ix.keys.Type, "store", outcome(err), time.Since(start))
	if err != nil {
		return fmt.Errorf("storing %s %s: %w", ix.keys.Type, id, err)
	}
	logger.FromContext(ctx).Debug("entity stored", "component", "indexer", "entity_type", ix.keys.Type, "id", id, "names", len(names))
	return nil
}

// Remove retracts id from every index. Removing an id that is not indexed
// is a no-op.
func (ix *Indexer[T]) Remove(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%s without id: %w", ix.keys.Type, apperrors.ErrInvalidInput)
	}
	start := time.Now()
	err := ix.withLease(ctx, id, func(wctx context.Context, lease *store.Lease) error {
		prev, err := ix.readState(wctx, id)
		if err != nil {
			return err
		}
		if !prev.indexed() {
			return nil
		}
		batch, err := ix.removeBatch(wctx, id, prev, !prev.facetsKnown)
		if err != nil {
			return err
		}
		err = ix.store.Apply(wctx, lease, batch)
		if errors.Is(err, apperrors.ErrBatchPartiallyApplied) {
			err = ix.reconcile(wctx, lease, id, prev, func(cur entityState) ([]store.Entry, error) {
				return ix.removeBatch(wctx, id, cur, true)
			})
		}
		return err
	})
	ix.metrics.ObserveWrite(ix.keys.Type, "remove", outcome(err), time.Since(start))
	if err != nil {
		return fmt.Errorf("removing %s %s: %w", ix.keys.Type, id, err)
	}
	return nil
}

// Refresh re-derives one attribute of an indexed entity from the facet
// values recorded for it, without the entity document. Ids that are not
// indexed, or whose facet state is unknown, are left alone, as is an entity
// whose values do not change.
func (ix *Indexer[T]) Refresh(ctx context.Context, id, attribute string, derive func(ctx context.Context, facets map[string][]string) ([]string, error)) error {
	if id == "" {
		return fmt.Errorf("%s without id: %w", ix.keys.Type, apperrors.ErrInvalidInput)
	}
	if !ix.hasAttribute(attribute) {
		return fmt.Errorf("%s has no attribute %q: %w", ix.keys.Type, attribute, apperrors.ErrInvalidInput)
	}
	start := time.Now()
	err := ix.withLease(ctx, id, func(wctx context.Context, lease *store.Lease) error {
		prev, err := ix.readState(wctx, id)
		if err != nil {
			return err
		}
		if !prev.facetsKnown {
			return nil
		}
		vals, err := derive(wctx, prev.facets)
		if err != nil {
			return fmt.Errorf("deriving %s.%s: %w", ix.keys.Type, attribute, err)
		}
		vals = normalizeValues(vals)
		if slices.Equal(vals, normalizeValues(prev.facets[attribute])) {
			return nil
		}
		facets := make(facetState, len(prev.facets)+1)
		for attr, v := range prev.facets {
			facets[attr] = v
		}
		delete(facets, attribute)
		if len(vals) > 0 {
			facets[attribute] = vals
		}
		batch, err := ix.storeBatch(wctx, id, prev, prev.names, facets, false)
		if err != nil {
			return err
		}
		err = ix.store.Apply(wctx, lease, batch)
		if errors.Is(err, apperrors.ErrBatchPartiallyApplied) {
			err = ix.reconcile(wctx, lease, id, prev, func(cur entityState) ([]store.Entry, error) {
				return ix.storeBatch(wctx, id, cur, prev.names, facets, true)
			})
		}
		return err
	})
	ix.metrics.ObserveWrite(ix.keys.Type, "refresh", outcome(err), time.Since(start))
	if err != nil {
		return fmt.Errorf("refreshing %s %s.%s: %w", ix.keys.Type, id, attribute, err)
	}
	return nil
}

func (ix *Indexer[T]) hasAttribute(name string) bool {
	for _, a := range ix.schema.Attributes {
		if a.Name == name {
			return true
		}
	}
	return false
}

// Members lists the ids in the set named by a type-relative key. Unknown
// keys are empty.
func (ix *Indexer[T]) Members(ctx context.Context, key string) ([]string, error) {
	members, err := ix.store.Members(ctx, ix.keys.Abs(key))
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}

func (ix *Indexer[T]) Count(ctx context.Context, key string) (int64, error) {
	return ix.store.Count(ctx, ix.keys.Abs(key))
}

func (ix *Indexer[T]) IsMember(ctx context.Context, key, id string) (bool, error) {
	return ix.store.IsMember(ctx, ix.keys.Abs(key), id)
}

// Names returns the display names of ids. Ids with no names are omitted.
func (ix *Indexer[T]) Names(ctx context.Context, ids ...string) (map[string][]string, error) {
	out := make(map[string][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	vals, err := ix.store.HashGetMany(ctx, ix.keys.Names(), ids...)
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		if v != "" {
			out[ids[i]] = splitNames(v)
		}
	}
	return out, nil
}

// Values lists every value ever indexed for attribute.
func (ix *Indexer[T]) Values(ctx context.Context, attribute string) ([]string, error) {
	vals, err := ix.store.Members(ctx, ix.keys.Registry(attribute))
	if err != nil {
		return nil, err
	}
	sort.Strings(vals)
	return vals, nil
}

// Search returns the ids whose names contain every token of text. Text
// with no searchable tokens matches nothing.
func (ix *Indexer[T]) Search(ctx context.Context, text string) ([]string, error) {
	keys := ix.differ.QueryKeys(text)
	if len(keys) == 0 {
		return []string{}, nil
	}
	operands := make([]combinator.Expr, len(keys))
	for i, k := range keys {
		operands[i] = combinator.Key(k)
	}
	return ix.engine.Members(ctx, combinator.And(operands...))
}

// withLease runs fn under the lease for id. fn gets a context detached from
// the caller's cancellation and bounded by the lease TTL, so a write that has
// started is not abandoned halfway.
func (ix *Indexer[T]) withLease(ctx context.Context, id string, fn func(context.Context, *store.Lease) error) error {
	lease, err := ix.locks.acquire(ctx, id)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ix.opts.LockTTL)
	defer cancel()
	defer func() {
		if err := ix.locks.release(wctx, lease); err != nil {
			ix.logger.Warn("lease release failed, waiting for expiry", "id", id, "error", err)
		}
	}()
	return fn(wctx, lease)
}

// reconcile recovers from a batch that was only partly applied. The state
// is re-read and rewritten in sweep mode, which does not trust the recorded
// facet state. It runs once; a second failure is returned to the caller.
func (ix *Indexer[T]) reconcile(ctx context.Context, lease *store.Lease, id string, before entityState, build func(entityState) ([]store.Entry, error)) error {
	ix.metrics.IncReconciliation(ix.keys.Type)
	ix.logger.Warn("batch partially applied, reconciling", "id", id)
	cur, err := ix.readState(ctx, id)
	if err != nil {
		return err
	}
	cur.names = unionNames(before.names, cur.names)
	batch, err := build(cur)
	if err != nil {
		return err
	}
	return ix.store.Apply(ctx, lease, batch)
}

func (ix *Indexer[T]) derive(ctx context.Context, entity T) (facetState, error) {
	facets := make(facetState, len(ix.schema.Attributes))
	for _, a := range ix.schema.Attributes {
		vals, err := a.Values(ctx, entity)
		if err != nil {
			return nil, fmt.Errorf("deriving %s.%s: %w", ix.keys.Type, a.Name, err)
		}
		if vals = normalizeValues(vals); len(vals) > 0 {
			facets[a.Name] = vals
		}
	}
	return facets, nil
}

type entityState struct {
	names       []string
	facets      facetState
	namesKnown  bool
	facetsKnown bool
}

func (s entityState) indexed() bool { return s.namesKnown || s.facetsKnown }

func (ix *Indexer[T]) readState(ctx context.Context, id string) (entityState, error) {
	var st entityState
	raw, found, err := ix.store.HashGet(ctx, ix.keys.Names(), id)
	if err != nil {
		return st, fmt.Errorf("reading names: %w", err)
	}
	if found {
		st.names, st.namesKnown = splitNames(raw), true
	}
	raw, found, err = ix.store.HashGet(ctx, ix.keys.Facets(), id)
	if err != nil {
		return st, fmt.Errorf("reading facets: %w", err)
	}
	if found {
		if err := json.Unmarshal([]byte(raw), &st.facets); err != nil {
			ix.logger.Warn("unreadable facet state, sweeping", "id", id, "error", err)
		} else {
			st.facetsKnown = true
		}
	}
	return st, nil
}

// storeBatch orders removals before additions, then the names and facets
// overwrite, then the search-word changes.
func (ix *Indexer[T]) storeBatch(ctx context.Context, id string, prev entityState, names []string, facets facetState, sweep bool) ([]store.Entry, error) {
	var batch []store.Entry

	stale, err := ix.staleValues(ctx, prev, sweep || (prev.namesKnown && !prev.facetsKnown))
	if err != nil {
		return nil, err
	}
	for _, attr := range sortedAttributes(stale) {
		var gone []string
		for _, v := range stale[attr] {
			if !contains(facets[attr], v) {
				gone = append(gone, v)
			}
		}
		for _, v := range gone {
			batch = append(batch, store.SetRemoveEntry(ix.keys.Value(attr, v), id))
		}
	}

	for _, attr := range sortedAttributes(facets) {
		var added []string
		for _, v := range facets[attr] {
			if sweep || !contains(prev.facets[attr], v) {
				added = append(added, v)
			}
		}
		if len(added) == 0 {
			continue
		}
		batch = append(batch, store.SetAddEntry(ix.keys.Registry(attr), added...))
		for _, v := range added {
			batch = append(batch, store.SetAddEntry(ix.keys.Value(attr, v), id))
		}
	}

	if len(names) > 0 {
		batch = append(batch, store.HashSetEntry(ix.keys.Names(), id, strings.Join(names, nameSeparator)))
	} else if prev.namesKnown || sweep {
		batch = append(batch, store.HashDeleteEntry(ix.keys.Names(), id))
	}
	state, err := json.Marshal(facets)
	if err != nil {
		return nil, fmt.Errorf("encoding facet state: %w", err)
	}
	batch = append(batch, store.HashSetEntry(ix.keys.Facets(), id, string(state)))

	if sweep {
		batch = append(batch, ix.differ.Rewrite(id, prev.names, names)...)
	} else {
		batch = append(batch, ix.differ.Diff(id, prev.names, names)...)
	}
	return batch, nil
}

func (ix *Indexer[T]) removeBatch(ctx context.Context, id string, prev entityState, sweep bool) ([]store.Entry, error) {
	var batch []store.Entry
	stale, err := ix.staleValues(ctx, prev, sweep)
	if err != nil {
		return nil, err
	}
	for _, attr := range sortedAttributes(stale) {
		for _, v := range stale[attr] {
			batch = append(batch, store.SetRemoveEntry(ix.keys.Value(attr, v), id))
		}
	}
	batch = append(batch,
		store.HashDeleteEntry(ix.keys.Names(), id),
		store.HashDeleteEntry(ix.keys.Facets(), id),
	)
	batch = append(batch, ix.differ.Diff(id, prev.names, nil)...)
	return batch, nil
}

// staleValues returns the values id may currently be indexed under. In
// sweep mode that is every registered value of every attribute, since the
// recorded facet state cannot be trusted.
func (ix *Indexer[T]) staleValues(ctx context.Context, prev entityState, sweep bool) (facetState, error) {
	if !sweep {
		return prev.facets, nil
	}
	out := make(facetState, len(ix.schema.Attributes)+len(prev.facets))
	for attr, vals := range prev.facets {
		out[attr] = append(out[attr], vals...)
	}
	for _, a := range ix.schema.Attributes {
		vals, err := ix.store.Members(ctx, ix.keys.Registry(a.Name))
		if err != nil {
			return nil, fmt.Errorf("sweeping %s: %w", a.Name, err)
		}
		out[a.Name] = normalizeValues(append(out[a.Name], vals...))
	}
	return out, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case apperrors.IsRetryable(err):
		return "retryable"
	default:
		return "error"
	}
}

func cleanNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(strings.ReplaceAll(n, nameSeparator, " "))
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

func splitNames(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, nameSeparator)
}

func unionNames(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, n := range b {
		if !contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}

// normalizeValues drops empty values and duplicates and sorts the rest.
func normalizeValues(vals []string) []string {
	seen := make(map[string]struct{}, len(vals))
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func sortedAttributes(f facetState) []string {
	attrs := make([]string, 0, len(f))
	for a := range f {
		attrs = append(attrs, a)
	}
	sort.Strings(attrs)
	return attrs
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
