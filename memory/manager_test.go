package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_FirstSourceBecomesDefault(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.AddSource("a", NewInProcessSource(nil)))
	require.NoError(t, m.AddSource("b", NewInProcessSource(nil)))
	assert.Equal(t, "a", m.DefaultSourceName())
}

func TestManager_RoutingViaSourceName(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.AddSource("a", NewInProcessSource(nil)))
	require.NoError(t, m.AddSource("b", NewInProcessSource(nil)))

	ctx := context.Background()
	_, err := m.Store(ctx, "b", "k", "v", StoreOpts{})
	require.NoError(t, err)

	_, err = m.Retrieve(ctx, "a", "k", RetrieveOpts{})
	assert.Error(t, err, "key stored in b must not be visible from a")

	item, err := m.Retrieve(ctx, "b", "k", RetrieveOpts{})
	require.NoError(t, err)
	assert.Equal(t, "v", item.Value)
}

func TestManager_RemoveSourceReassignsDefault(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.AddSource("a", NewInProcessSource(nil)))
	require.NoError(t, m.AddSource("b", NewInProcessSource(nil)))
	require.NoError(t, m.RemoveSource(context.Background(), "a"))
	assert.Equal(t, "b", m.DefaultSourceName())
}

func TestManager_UnknownSource(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.AddSource("a", NewInProcessSource(nil)))
	_, err := m.Retrieve(context.Background(), "ghost", "k", RetrieveOpts{})
	require.Error(t, err)
}

func TestManager_ListSourcesReportsDefaultAndCounts(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.AddSource("a", NewInProcessSource(nil)))
	_, err := m.Store(context.Background(), "a", "k", "v", StoreOpts{})
	require.NoError(t, err)

	infos := m.ListSources(context.Background())
	require.Len(t, infos, 1)
	assert.True(t, infos[0].IsDefault)
	assert.Equal(t, 1, infos[0].ItemCount)
}
