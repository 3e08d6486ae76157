package index

import (
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/index/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/store"
)

// Differ computes the search-word mutations needed to move an entity from
// one set of display names to another.
type Differ struct {
	keys Keys
	tok  *tokenizer.Tokenizer
}

func NewDiffer(keys Keys, tok *tokenizer.Tokenizer) *Differ {
	if tok == nil {
		tok = tokenizer.Default()
	}
	return &Differ{keys: keys, tok: tok}
}

// Diff emits a SetRemove for every token only in oldNames and a SetAdd for
// every token only in newNames. Tokens common to both produce nothing.
// Removals come first; each group is sorted by token.
func (d *Differ) Diff(id string, oldNames, newNames []string) []store.Entry {
	oldTokens := d.tok.Set(oldNames)
	newTokens := d.tok.Set(newNames)
	return d.entries(id, minus(oldTokens, newTokens), minus(newTokens, oldTokens))
}

// Rewrite is Diff for when the currently indexed tokens are uncertain: every
// stale token not in names is removed and every token of names is added.
func (d *Differ) Rewrite(id string, stale, names []string) []store.Entry {
	newTokens := d.tok.Set(names)
	return d.entries(id, minus(d.tok.Set(stale), newTokens), newTokens)
}

// QueryKeys returns the search keys a free-text query must intersect.
func (d *Differ) QueryKeys(text string) []string {
	tokens := d.tok.Tokens(text)
	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = d.keys.Search(t)
	}
	return keys
}

func (d *Differ) entries(id string, removed, added []string) []store.Entry {
	out := make([]store.Entry, 0, len(removed)+len(added))
	for _, t := range removed {
		out = append(out, store.SetRemoveEntry(d.keys.Search(t), id))
	}
	for _, t := range added {
		out = append(out, store.SetAddEntry(d.keys.Search(t), id))
	}
	return out
}

// minus returns the elements of a missing from b, keeping a's order.
func minus(a, b []string) []string {
	drop := make(map[string]struct{}, len(b))
	for _, s := range b {
		drop[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := drop[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}
