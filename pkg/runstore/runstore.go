// Package runstore persists a run's full in-memory pipeline.RunState to
// disk as one JSON file per run, so a later CLI invocation (status, events,
// review, cancel, results) can pick a run back up without staying attached
// to the process that started it. pkg/checkpoint only ever records a stage
// name and status for audit and resume-point lookup by design; runstore is
// what actually lets "review" and "results" work across separate `gradeflow`
// invocations, the cross-process resume that the orchestrator's checkpoint
// records leave out.
package runstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/praetorian-labs/gradeflow/pkg/pipeline"
)

// Store is a directory of one JSON snapshot per run ID.
type Store struct {
	dir string
}

// Open ensures dir exists and returns a Store rooted there.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("runstore: create %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

// Save writes rs's current state, overwriting any prior snapshot for the
// same run ID. Called after every Start/Continue/ResolveRubricReview call
// returns, whatever the outcome, so a paused or failed run is just as
// inspectable as a completed one.
func (s *Store) Save(rs *pipeline.RunState) error {
	payload, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return fmt.Errorf("runstore: marshal run %s: %w", rs.Run.ID, err)
	}
	if err := os.WriteFile(s.path(rs.Run.ID), payload, 0o644); err != nil {
		return fmt.Errorf("runstore: write run %s: %w", rs.Run.ID, err)
	}
	return nil
}

// Load reads back a run's snapshot.
func (s *Store) Load(runID string) (*pipeline.RunState, error) {
	payload, err := os.ReadFile(s.path(runID))
	if err != nil {
		return nil, fmt.Errorf("runstore: read run %s: %w", runID, err)
	}
	var rs pipeline.RunState
	if err := json.Unmarshal(payload, &rs); err != nil {
		return nil, fmt.Errorf("runstore: unmarshal run %s: %w", runID, err)
	}
	return &rs, nil
}

// Delete removes a run's snapshot, once it has reached a terminal status
// and a teacher has pulled its results.
func (s *Store) Delete(runID string) error {
	if err := os.Remove(s.path(runID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("runstore: delete run %s: %w", runID, err)
	}
	return nil
}
