package tracing

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpanTree(t *testing.T) {
	ctx, root := StartSpan(context.Background(), "batch", "")
	require.NotEmpty(t, root.TraceID)
	assert.Equal(t, root.TraceID, TraceID(ctx))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, child := StartChildSpan(ctx, "entity")
			child.SetAttr("n", 1)
			child.End()
		}()
	}
	wg.Wait()
	root.End()
	root.Log()

	children := root.Children()
	require.Len(t, children, 8)
	for _, c := range children {
		assert.Equal(t, root.TraceID, c.TraceID)
	}
}

func TestChildWithoutParentIsRoot(t *testing.T) {
	ctx, span := StartChildSpan(context.Background(), "orphan")
	assert.NotEmpty(t, span.TraceID)
	assert.Same(t, span, FromContext(ctx))
}
