package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstack/agentgraph/agenterrors"
)

func TestInProcessSource_StoreRetrieve(t *testing.T) {
	src := NewInProcessSource(nil)
	ctx := context.Background()

	_, err := src.Store(ctx, "k", map[string]any{"n": 7.0}, StoreOpts{})
	require.NoError(t, err)

	item, err := src.Retrieve(ctx, "k", RetrieveOpts{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 7.0}, item.Value)
}

func TestInProcessSource_RetrieveMissing(t *testing.T) {
	src := NewInProcessSource(nil)
	_, err := src.Retrieve(context.Background(), "nope", RetrieveOpts{})
	assert.True(t, agenterrors.IsNotFound(err))
}

func TestInProcessSource_TTLExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	src := NewInProcessSource(func() time.Time { return clock })
	ctx := context.Background()

	ttl := 5 * time.Second
	_, err := src.Store(ctx, "k", "v", StoreOpts{TTL: &ttl})
	require.NoError(t, err)

	clock = now.Add(4 * time.Second)
	item, err := src.Retrieve(ctx, "k", RetrieveOpts{})
	require.NoError(t, err)
	assert.Equal(t, "v", item.Value)

	clock = now.Add(5 * time.Second)
	_, err = src.Retrieve(ctx, "k", RetrieveOpts{})
	assert.True(t, agenterrors.IsNotFound(err), "item must be expired at t == stored_at + ttl")
}

func TestInProcessSource_SearchPattern(t *testing.T) {
	src := NewInProcessSource(nil)
	ctx := context.Background()
	_, _ = src.Store(ctx, "user:1", "a", StoreOpts{})
	_, _ = src.Store(ctx, "user:2", "b", StoreOpts{})
	_, _ = src.Store(ctx, "order:1", "c", StoreOpts{})

	results, err := src.Search(ctx, "user:", SearchOpts{})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	all, err := src.Search(ctx, "*", SearchOpts{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestInProcessSource_ListKeysLimit(t *testing.T) {
	src := NewInProcessSource(nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = src.Store(ctx, string(rune('a'+i)), i, StoreOpts{})
	}
	keys, _, err := src.ListKeys(ctx, ListOpts{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestInProcessSource_Count(t *testing.T) {
	src := NewInProcessSource(nil)
	ctx := context.Background()
	_, _ = src.Store(ctx, "a", 1, StoreOpts{})
	_, _ = src.Store(ctx, "b", 2, StoreOpts{})
	n, err := src.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
