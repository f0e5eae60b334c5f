// Package store provides a reference persistence implementation for
// the bmp_agents table described in spec §6. The core orchestrator is
// indifferent to this package — it only needs an AgentSpec to be
// materialisable from a row — so this is a concrete, swappable
// exerciser of that interface, not a required dependency of session/
// orchestrator/stage. Grounded on the teacher's database/sql-driver
// usage (mattn/go-sqlite3, go-sql-driver/mysql, lib/pq all share this
// shape in hector's pkg/databases).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// AgentRecord is one row of bmp_agents.
type AgentRecord struct {
	ID           string
	AgentName    string
	AgentVersion string
	AgentType    string
	AgentSpec    json.RawMessage
	Metadata     json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SQLiteStore is a reference bmp_agents persistence layer backed by
// SQLite via database/sql + mattn/go-sqlite3.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if needed) a SQLite database at path and ensures
// the bmp_agents schema exists.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS bmp_agents (
	id TEXT PRIMARY KEY,
	agent_name TEXT NOT NULL,
	agent_version TEXT NOT NULL,
	agent_type TEXT NOT NULL,
	agent_spec TEXT NOT NULL,
	metadata TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE(agent_type, agent_version)
);
CREATE INDEX IF NOT EXISTS idx_bmp_agents_name ON bmp_agents(agent_name);
`
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("migrating bmp_agents schema: %w", err)
	}
	return nil
}

// Put inserts or replaces the agent record identified by
// (agent_type, agent_version).
func (s *SQLiteStore) Put(ctx context.Context, rec AgentRecord) error {
	now := time.Now().UTC()
	const q = `
INSERT INTO bmp_agents (id, agent_name, agent_version, agent_type, agent_spec, metadata, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(agent_type, agent_version) DO UPDATE SET
	agent_name = excluded.agent_name,
	agent_spec = excluded.agent_spec,
	metadata = excluded.metadata,
	updated_at = excluded.updated_at
`
	_, err := s.db.ExecContext(ctx, q, rec.ID, rec.AgentName, rec.AgentVersion, rec.AgentType, string(rec.AgentSpec), string(rec.Metadata), now, now)
	if err != nil {
		return fmt.Errorf("upserting bmp_agents row: %w", err)
	}
	return nil
}

// Get retrieves one agent record by (agent_type, agent_version).
func (s *SQLiteStore) Get(ctx context.Context, agentType, agentVersion string) (AgentRecord, error) {
	const q = `
SELECT id, agent_name, agent_version, agent_type, agent_spec, metadata, created_at, updated_at
FROM bmp_agents WHERE agent_type = ? AND agent_version = ?
`
	row := s.db.QueryRowContext(ctx, q, agentType, agentVersion)
	var rec AgentRecord
	var specStr, metaStr string
	if err := row.Scan(&rec.ID, &rec.AgentName, &rec.AgentVersion, &rec.AgentType, &specStr, &metaStr, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return AgentRecord{}, fmt.Errorf("reading bmp_agents row: %w", err)
	}
	rec.AgentSpec = json.RawMessage(specStr)
	rec.Metadata = json.RawMessage(metaStr)
	return rec, nil
}

// ListByName returns every version of agentName, most recently updated
// first.
func (s *SQLiteStore) ListByName(ctx context.Context, agentName string) ([]AgentRecord, error) {
	const q = `
SELECT id, agent_name, agent_version, agent_type, agent_spec, metadata, created_at, updated_at
FROM bmp_agents WHERE agent_name = ? ORDER BY updated_at DESC
`
	rows, err := s.db.QueryContext(ctx, q, agentName)
	if err != nil {
		return nil, fmt.Errorf("listing bmp_agents rows: %w", err)
	}
	defer rows.Close()

	var out []AgentRecord
	for rows.Next() {
		var rec AgentRecord
		var specStr, metaStr string
		if err := rows.Scan(&rec.ID, &rec.AgentName, &rec.AgentVersion, &rec.AgentType, &specStr, &metaStr, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning bmp_agents row: %w", err)
		}
		rec.AgentSpec = json.RawMessage(specStr)
		rec.Metadata = json.RawMessage(metaStr)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
