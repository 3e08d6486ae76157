package index

import (
	"context"
	"fmt"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/index/combinator"
	"github.com/Adithya-Monish-Kumar-K/recipe-index/internal/store"
)

var regions = []string{"asia", "europe", "americas", "africa", "oceania"}

func seedDishes(b *testing.B, ix *Indexer[dish], n int) {
	b.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		d := dish{
			ID:     fmt.Sprintf("D%d", i),
			Names:  []string{fmt.Sprintf("Dish number %d with tofu", i)},
			Region: regions[i%len(regions)],
			Tags:   []string{fmt.Sprintf("tag-%d", i%7), fmt.Sprintf("tag-%d", i%11)},
		}
		if err := ix.Store(ctx, d); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkStore measures a leased Store of a fresh entity.
func BenchmarkStore(b *testing.B) {
	ix := newDishIndexer(b, store.NewMemory())
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d := dish{ID: fmt.Sprintf("D%d", i), Names: []string{"Green Curry"}, Region: "asia", Tags: []string{"quick"}}
		if err := ix.Store(ctx, d); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkRestore measures re-storing an entity whose region flips every
// call, which exercises the stale-value diff.
func BenchmarkRestore(b *testing.B) {
	ix := newDishIndexer(b, store.NewMemory())
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d := dish{ID: "D1", Names: []string{"Green Curry"}, Region: regions[i%len(regions)]}
		if err := ix.Store(ctx, d); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkCombinatorMembers measures an AND of an OR over 10 000 entities.
func BenchmarkCombinatorMembers(b *testing.B) {
	ix := newDishIndexer(b, store.NewMemory())
	seedDishes(b, ix, 10000)
	expr := combinator.And(
		combinator.AnyOf(ix.ValueKey("region", "asia"), ix.ValueKey("region", "europe")),
		combinator.Key(ix.ValueKey("tag", "tag-3")),
	)
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ix.Combinator().Members(ctx, expr); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSearchParallel(b *testing.B) {
	ix := newDishIndexer(b, store.NewMemory())
	seedDishes(b, ix, 5000)
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := ix.Search(ctx, "tofu dish"); err != nil {
				b.Fatal(err)
			}
		}
	})
}
