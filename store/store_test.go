package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGet_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := AgentRecord{
		ID:           "rec-1",
		AgentName:    "support-triage",
		AgentVersion: "v1",
		AgentType:    "triage",
		AgentSpec:    json.RawMessage(`{"name":"support-triage"}`),
	}
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.Get(ctx, "triage", "v1")
	require.NoError(t, err)
	assert.Equal(t, "rec-1", got.ID)
	assert.Equal(t, "support-triage", got.AgentName)
	assert.JSONEq(t, `{"name":"support-triage"}`, string(got.AgentSpec))
}

func TestPut_UpsertOnConflictUpdatesExistingRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := AgentRecord{ID: "rec-1", AgentName: "triage-v1", AgentVersion: "v1", AgentType: "triage", AgentSpec: json.RawMessage(`{}`)}
	require.NoError(t, s.Put(ctx, base))

	updated := base
	updated.AgentName = "triage-renamed"
	require.NoError(t, s.Put(ctx, updated))

	got, err := s.Get(ctx, "triage", "v1")
	require.NoError(t, err)
	assert.Equal(t, "triage-renamed", got.AgentName)

	rows, err := s.ListByName(ctx, "triage-renamed")
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestListByName_OrdersMostRecentlyUpdatedFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, AgentRecord{ID: "a", AgentName: "shared", AgentVersion: "v1", AgentType: "t1", AgentSpec: json.RawMessage(`{}`)}))
	require.NoError(t, s.Put(ctx, AgentRecord{ID: "b", AgentName: "shared", AgentVersion: "v2", AgentType: "t2", AgentSpec: json.RawMessage(`{}`)}))

	rows, err := s.ListByName(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "b", rows[0].ID)
	assert.Equal(t, "a", rows[1].ID)
}

func TestGet_MissingRecordErrors(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "nope", "v1")
	require.Error(t, err)
}
