// Package checkpoint is the stage-boundary snapshot store: the orchestrator
// writes a small caller-serialized record (the stage name and the run's
// status) here after every pipeline stage, for audit and for looking up a
// run's most recently checkpointed stage. Keys follow
// "checkpoint:<run_id>:<stage>", matching the durable event store's
// SQLite-backed key-value shape.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Snapshot is the persisted state at one stage boundary for one run.
type Snapshot struct {
	RunID     string
	Stage     string
	Payload   []byte // caller-serialized (JSON) stage record
	UpdatedAt time.Time
}

// key formats the SQLite primary key for (runID, stage).
func key(runID, stage string) string {
	return fmt.Sprintf("checkpoint:%s:%s", runID, stage)
}

// Store is a SQLite-backed checkpoint store. Safe for concurrent use.
type Store struct {
	mu sync.RWMutex
	db *sql.DB
}

// Open opens (or creates) the SQLite-backed checkpoint store at path. Use
// ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open sqlite %q: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: set WAL mode: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS checkpoints (
		ckey       TEXT PRIMARY KEY,
		run_id     TEXT NOT NULL,
		stage      TEXT NOT NULL,
		payload    BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS checkpoints_run_id ON checkpoints(run_id);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close shuts down the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts the snapshot for (runID, stage).
func (s *Store) Save(ctx context.Context, runID, stage string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (ckey, run_id, stage, payload, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(ckey) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		key(runID, stage), runID, stage, payload, time.Now().UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
	)
	if err != nil {
		return fmt.Errorf("checkpoint: save %s/%s: %w", runID, stage, err)
	}
	return nil
}

// Load retrieves the snapshot for (runID, stage). Returns (nil, false, nil)
// if no checkpoint has been written for that stage yet.
func (s *Store) Load(ctx context.Context, runID, stage string) (*Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload []byte
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT payload, updated_at FROM checkpoints WHERE ckey = ?",
		key(runID, stage),
	).Scan(&payload, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("checkpoint: load %s/%s: %w", runID, stage, err)
	}

	ts, _ := time.Parse(time.RFC3339Nano, updatedAt)
	return &Snapshot{RunID: runID, Stage: stage, Payload: payload, UpdatedAt: ts}, true, nil
}

// LatestStage returns the most recently updated stage checkpointed for
// runID. Returns ("", false, nil) if the run has no checkpoints.
func (s *Store) LatestStage(ctx context.Context, runID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stage string
	err := s.db.QueryRowContext(ctx,
		"SELECT stage FROM checkpoints WHERE run_id = ? ORDER BY updated_at DESC LIMIT 1",
		runID,
	).Scan(&stage)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("checkpoint: latest stage for %s: %w", runID, err)
	}
	return stage, true, nil
}

// DeleteRun removes every checkpoint for runID, used once a run reaches a
// terminal status and its resumable state is no longer needed.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE run_id = ?", runID); err != nil {
		return fmt.Errorf("checkpoint: delete run %s: %w", runID, err)
	}
	return nil
}
