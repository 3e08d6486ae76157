// Package combinator evaluates AND/OR expressions over named index sets.
//
// Leaves are absolute store keys; a key with no set behind it is the empty
// set. AND and OR with no operands are empty. When the store can combine
// sets server-side (store.SetCombiner) every inner node is materialized into
// a short-lived composite key named after the canonical form of the node, so
// member lists never travel to the process until the final read. Otherwise
// each leaf is fetched and the expression is computed in memory.
package combinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/store"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/pkg/metrics"
)

// Expr is a node of a combination tree: a Key, or an And/Or node.
type Expr interface {
	canonical() string
}

// Key names an index set.
type Key string

func (k Key) canonical() string { return "k(" + string(k) + ")" }

type node struct {
	op       store.Op
	children []Expr
}

func (n node) canonical() string {
	parts := make([]string, len(n.children))
	for i, c := range n.children {
		parts[i] = c.canonical()
	}
	sort.Strings(parts)
	return n.op.String() + "(" + strings.Join(parts, ",") + ")"
}

// And intersects its operands.
func And(children ...Expr) Expr { return node{op: store.And, children: children} }

// Or unions its operands.
func Or(children ...Expr) Expr { return node{op: store.Or, children: children} }

// AnyOf is Or over plain keys.
func AnyOf(keys ...string) Expr {
	children := make([]Expr, len(keys))
	for i, k := range keys {
		children[i] = Key(k)
	}
	return Or(children...)
}

// String renders the canonical form; equal strings mean equal sets.
func String(e Expr) string { return e.canonical() }

// Engine evaluates expressions against one store. Composite keys are
// written under "<namespace>:combined:".
type Engine struct {
	store     store.Store
	combiner  store.SetCombiner
	namespace string
	ttl       time.Duration
	group     singleflight.Group
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New builds an Engine. ttl bounds the lifetime of composite keys; it must
// comfortably exceed one query round trip.
func New(st store.Store, namespace string, ttl time.Duration, m *metrics.Metrics) *Engine {
	e := &Engine{
		store:     st,
		namespace: namespace,
		ttl:       ttl,
		metrics:   m,
		logger:    slog.Default().With("component", "combinator", "namespace", namespace),
	}
	if c, ok := st.(store.SetCombiner); ok {
		e.combiner = c
	}
	return e
}

// Members returns the sorted ids of the set described by expr.
func (e *Engine) Members(ctx context.Context, expr Expr) ([]string, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveQuery("members", time.Since(start)) }()

	if e.combiner == nil {
		set, err := e.evalInMemory(ctx, expr)
		if err != nil {
			return nil, err
		}
		return sortedMembers(set), nil
	}
	key, empty, err := e.materialize(ctx, expr)
	if err != nil || empty {
		return []string{}, err
	}
	members, err := e.store.Members(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reading composite %s: %w", key, err)
	}
	sort.Strings(members)
	return members, nil
}

// Count returns the cardinality of the set described by expr.
func (e *Engine) Count(ctx context.Context, expr Expr) (int64, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveQuery("count", time.Since(start)) }()

	if e.combiner == nil {
		set, err := e.evalInMemory(ctx, expr)
		if err != nil {
			return 0, err
		}
		return int64(len(set)), nil
	}
	key, empty, err := e.materialize(ctx, expr)
	if err != nil || empty {
		return 0, err
	}
	return e.store.Count(ctx, key)
}

// materialize resolves expr to a store key holding its members. empty is
// true when the result is known to be empty without touching the store.
func (e *Engine) materialize(ctx context.Context, expr Expr) (key string, empty bool, err error) {
	switch x := expr.(type) {
	case Key:
		return string(x), false, nil
	case node:
		keys := make([]string, 0, len(x.children))
		for _, child := range x.children {
			k, childEmpty, err := e.materialize(ctx, child)
			if err != nil {
				return "", false, err
			}
			if childEmpty {
				if x.op == store.And {
					return "", true, nil
				}
				continue
			}
			keys = append(keys, k)
		}
		if len(keys) == 0 {
			return "", true, nil
		}
		if len(keys) == 1 {
			return keys[0], false, nil
		}
		dest := e.compositeKey(x)
		// The shared call outlives any one caller; each caller stops waiting
		// when its own context ends.
		ch := e.group.DoChan(dest, func() (interface{}, error) {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.ttl)
			defer cancel()
			return e.combiner.CombineStore(cctx, x.op, dest, keys, e.ttl)
		})
		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return "", false, fmt.Errorf("combining %s: %w", x.op, ctx.Err())
		}
		e.logger.Debug("combined sets", "op", x.op.String(), "operands", len(keys), "dest", dest, "card", res.Val, "shared", res.Shared)
		if res.Err != nil {
			return "", false, fmt.Errorf("combining %s: %w", x.op, res.Err)
		}
		return dest, false, nil
	default:
		return "", false, fmt.Errorf("unsupported expression %T", expr)
	}
}

func (e *Engine) compositeKey(n node) string {
	sum := sha256.Sum256([]byte(n.canonical()))
	return e.namespace + ":combined:" + hex.EncodeToString(sum[:16])
}

func (e *Engine) evalInMemory(ctx context.Context, expr Expr) (map[string]struct{}, error) {
	switch x := expr.(type) {
	case Key:
		members, err := e.store.Members(ctx, string(x))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", x, err)
		}
		set := make(map[string]struct{}, len(members))
		for _, m := range members {
			set[m] = struct{}{}
		}
		return set, nil
	case node:
		if len(x.children) == 0 {
			return map[string]struct{}{}, nil
		}
		var acc map[string]struct{}
		for i, child := range x.children {
			set, err := e.evalInMemory(ctx, child)
			if err != nil {
				return nil, err
			}
			if i == 0 {
				acc = set
			} else if x.op == store.And {
				acc = intersect(acc, set)
			} else {
				for m := range set {
					acc[m] = struct{}{}
				}
			}
			if x.op == store.And && len(acc) == 0 {
				return acc, nil
			}
		}
		return acc, nil
	default:
		return nil, fmt.Errorf("unsupported expression %T", expr)
	}
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	if len(b) < len(a) {
		a, b = b, a
	}
	out := make(map[string]struct{}, len(a))
	for m := range a {
		if _, ok := b[m]; ok {
			out[m] = struct{}{}
		}
	}
	return out
}

func sortedMembers(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
