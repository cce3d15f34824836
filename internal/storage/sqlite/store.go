// Package sqlite is the SQLite implementation of storage.SnapshotStore.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/leegmoore/cody-stream/internal/protocol"
	"github.com/leegmoore/cody-stream/internal/storage"
)

// Store persists run snapshots in a single responses table keyed by
// run id.
type Store struct {
	db *sql.DB
}

var _ storage.SnapshotStore = (*Store)(nil)

// New opens (or creates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS responses (
			run_id TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			agent_id TEXT,
			model_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			status TEXT NOT NULL,
			output_items TEXT NOT NULL,
			usage TEXT,
			finish_reason TEXT,
			error TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_responses_thread ON responses(thread_id)`,
		`CREATE INDEX IF NOT EXISTS idx_responses_status ON responses(status)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Persist upserts the snapshot keyed by run id.
func (s *Store) Persist(ctx context.Context, snap *protocol.Response) error {
	items, err := json.Marshal(snap.OutputItems)
	if err != nil {
		return fmt.Errorf("failed to marshal output items: %w", err)
	}
	usageJSON, err := marshalNullable(snap.Usage)
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}
	errJSON, err := marshalNullable(snap.Error)
	if err != nil {
		return fmt.Errorf("failed to marshal error: %w", err)
	}

	query := `INSERT INTO responses (run_id, id, turn_id, thread_id, agent_id, model_id, provider_id, status, output_items, usage, finish_reason, error, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(run_id) DO UPDATE SET
	            status=excluded.status,
	            output_items=excluded.output_items,
	            usage=excluded.usage,
	            finish_reason=excluded.finish_reason,
	            error=excluded.error,
	            updated_at=excluded.updated_at`

	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, query,
		snap.RunID, snap.ID, snap.TurnID, snap.ThreadID, nullable(snap.AgentID),
		snap.ModelID, snap.ProviderID, snap.Status, string(items),
		usageJSON, nullable(snap.FinishReason), errJSON,
		snap.CreatedAt, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	return nil
}

// GetByRunID loads the persisted snapshot for a run.
func (s *Store) GetByRunID(ctx context.Context, runID string) (*protocol.Response, error) {
	query := `SELECT run_id, id, turn_id, thread_id, agent_id, model_id, provider_id, status, output_items, usage, finish_reason, error, created_at, updated_at
	          FROM responses WHERE run_id = ?`

	var snap protocol.Response
	var agentID, usageJSON, finishReason, errJSON sql.NullString
	var itemsJSON string

	err := s.db.QueryRowContext(ctx, query, runID).Scan(
		&snap.RunID, &snap.ID, &snap.TurnID, &snap.ThreadID, &agentID,
		&snap.ModelID, &snap.ProviderID, &snap.Status, &itemsJSON,
		&usageJSON, &finishReason, &errJSON,
		&snap.CreatedAt, &snap.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", runID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	if err := json.Unmarshal([]byte(itemsJSON), &snap.OutputItems); err != nil {
		return nil, fmt.Errorf("failed to unmarshal output items: %w", err)
	}
	snap.AgentID = agentID.String
	snap.FinishReason = finishReason.String
	if usageJSON.Valid && usageJSON.String != "" {
		var u protocol.Usage
		if err := json.Unmarshal([]byte(usageJSON.String), &u); err != nil {
			return nil, fmt.Errorf("failed to unmarshal usage: %w", err)
		}
		snap.Usage = &u
	}
	if errJSON.Valid && errJSON.String != "" {
		var e protocol.ErrorDetail
		if err := json.Unmarshal([]byte(errJSON.String), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error: %w", err)
		}
		snap.Error = &e
	}
	return &snap, nil
}

// DeleteByRunID removes a run's snapshot. Deleting a missing run is not
// an error; the operation is idempotent.
func (s *Store) DeleteByRunID(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM responses WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalNullable(v any) (any, error) {
	switch x := v.(type) {
	case *protocol.Usage:
		if x == nil {
			return nil, nil
		}
	case *protocol.ErrorDetail:
		if x == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
