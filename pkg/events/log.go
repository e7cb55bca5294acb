// Package events is the per-run append-only progress log: every stage
// transition, retry, budget warning, and streamed model chunk is appended
// here, assigned a strictly increasing seq, written through to SQLite, and
// fanned out to any live subscribers. A restarted coordinator rebuilds a
// run's history from EventsAfter(0, ...) since SQLite, not the in-memory
// fan-out, is the source of truth.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/praetorian-labs/gradeflow/pkg/types"
)

// Log is a SQLite-backed, mutex-ordered append log shared by every run in
// the process. Subscribers receive new records for the run they subscribed
// to over a buffered channel; a slow or absent subscriber never blocks
// Append, since the in-memory fan-out is best-effort and SQLite is durable.
type Log struct {
	db *sql.DB

	mu   sync.Mutex
	seqs map[string]int64 // runID -> last assigned seq

	subMu sync.Mutex
	subs  map[string][]chan types.EventRecord
}

// Open opens (or creates) the SQLite-backed event log at path. Use
// ":memory:" for an ephemeral log, matching modernc.org/sqlite's convention.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("events: open sqlite %q: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("events: set WAL mode: %w", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS run_events (
		run_id    TEXT NOT NULL,
		seq       INTEGER NOT NULL,
		kind      TEXT NOT NULL,
		node_id   TEXT,
		message   TEXT,
		metadata  TEXT,
		timestamp TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("events: create schema: %w", err)
	}

	l := &Log{
		db:   db,
		seqs: make(map[string]int64),
		subs: make(map[string][]chan types.EventRecord),
	}
	if err := l.restoreSeqs(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) restoreSeqs() error {
	rows, err := l.db.Query("SELECT run_id, MAX(seq) FROM run_events GROUP BY run_id")
	if err != nil {
		return fmt.Errorf("events: restore seq counters: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var runID string
		var seq int64
		if err := rows.Scan(&runID, &seq); err != nil {
			return err
		}
		l.seqs[runID] = seq
	}
	return rows.Err()
}

// Close shuts down the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Append assigns the next seq for rec.RunID, persists rec, and notifies any
// live subscribers. rec.Seq and rec.Timestamp are set by Append and any
// caller-provided values are overwritten.
func (l *Log) Append(ctx context.Context, rec types.EventRecord) (types.EventRecord, error) {
	if rec.RunID == "" {
		return types.EventRecord{}, fmt.Errorf("events: append requires a run id")
	}

	l.mu.Lock()
	l.seqs[rec.RunID]++
	rec.Seq = l.seqs[rec.RunID]
	l.mu.Unlock()

	rec.Timestamp = time.Now().UTC()

	var metaJSON sql.NullString
	if len(rec.Metadata) > 0 {
		data, err := json.Marshal(rec.Metadata)
		if err != nil {
			return types.EventRecord{}, fmt.Errorf("events: marshal metadata: %w", err)
		}
		metaJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO run_events (run_id, seq, kind, node_id, message, metadata, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Seq, string(rec.Kind), rec.NodeID, rec.Message, metaJSON,
		rec.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return types.EventRecord{}, fmt.Errorf("events: append run %s seq %d: %w", rec.RunID, rec.Seq, err)
	}

	l.publish(rec)
	return rec, nil
}

// EventsAfter returns up to limit records for runID with seq strictly
// greater than after, ordered by seq. limit <= 0 means unlimited. This reads
// from SQLite, so it works the same whether or not the process restarted
// since the events were appended.
func (l *Log) EventsAfter(ctx context.Context, runID string, after int64, limit int) ([]types.EventRecord, error) {
	query := `SELECT seq, kind, node_id, message, metadata, timestamp FROM run_events
	          WHERE run_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{runID, after}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("events: query run %s after %d: %w", runID, after, err)
	}
	defer rows.Close()

	var out []types.EventRecord
	for rows.Next() {
		var rec types.EventRecord
		var nodeID, message sql.NullString
		var metaJSON sql.NullString
		var ts string
		if err := rows.Scan(&rec.Seq, &rec.Kind, &nodeID, &message, &metaJSON, &ts); err != nil {
			return nil, fmt.Errorf("events: scan run %s: %w", runID, err)
		}
		rec.RunID = runID
		rec.NodeID = nodeID.String
		rec.Message = message.String
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("events: unmarshal metadata for run %s seq %d: %w", runID, rec.Seq, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Subscribe returns a channel delivering new records appended to runID from
// this point forward, and an unsubscribe func the caller must call when
// done. The channel is buffered; a subscriber that falls behind drops the
// oldest buffered record rather than blocking Append.
func (l *Log) Subscribe(runID string) (<-chan types.EventRecord, func()) {
	ch := make(chan types.EventRecord, 64)

	l.subMu.Lock()
	l.subs[runID] = append(l.subs[runID], ch)
	l.subMu.Unlock()

	unsubscribe := func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		subs := l.subs[runID]
		for i, c := range subs {
			if c == ch {
				l.subs[runID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, unsubscribe
}

func (l *Log) publish(rec types.EventRecord) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs[rec.RunID] {
		select {
		case ch <- rec:
		default:
			// Drop the oldest record to make room rather than block Append;
			// a falling-behind subscriber can always catch up via EventsAfter.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- rec:
			default:
			}
		}
	}
}
