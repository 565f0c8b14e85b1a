// Package history persists completed prompt turns so past conversations
// survive session teardown and process restarts. Writes are best-effort
// collaborators of the session registry: a storage failure is logged by the
// caller and never fails the turn that produced it.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/HyphaGroup/portcullis/internal/session"
)

// Turn is one persisted prompt turn.
type Turn struct {
	SessionID   string          `json:"session_id"`
	TurnID      int             `json:"turn_id"`
	Backend     string          `json:"backend"`
	MachineID   string          `json:"machine_id,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	StopReason  string          `json:"stop_reason,omitempty"`
	EventCount  int             `json:"event_count"`
	Events      []session.Event `json:"events,omitempty"`
}

// Store handles turn persistence
type Store struct {
	db *sql.DB
}

var _ session.Recorder = (*Store)(nil)

// DBPath returns the database file location inside dataDir.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, "history.db")
}

// NewStore creates a new history store with SQLite backend
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", DBPath(dataDir))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		session_id TEXT NOT NULL,
		turn_id INTEGER NOT NULL,
		backend TEXT NOT NULL,
		machine_id TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		completed_at DATETIME NOT NULL,
		stop_reason TEXT NOT NULL DEFAULT '',
		event_count INTEGER NOT NULL DEFAULT 0,
		events_json TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (session_id, turn_id)
	);
	CREATE INDEX IF NOT EXISTS idx_turns_completed ON turns(completed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordTurn persists one completed turn. Implements session.Recorder.
func (s *Store) RecordTurn(ctx context.Context, rec *session.TurnRecord) error {
	eventsJSON, err := json.Marshal(rec.Events)
	if err != nil {
		return fmt.Errorf("encoding events for session %s turn %d: %w", rec.SessionID, rec.TurnID, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO turns
		 (session_id, turn_id, backend, machine_id, started_at, completed_at, stop_reason, event_count, events_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.TurnID, rec.Backend, rec.MachineID,
		rec.StartedAt, rec.CompletedAt, rec.StopReason, len(rec.Events), string(eventsJSON),
	)
	if err != nil {
		return fmt.Errorf("inserting turn %d of session %s: %w", rec.TurnID, rec.SessionID, err)
	}
	return nil
}

// ListTurns returns the persisted turns of one session in turn order.
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]*Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, turn_id, backend, machine_id, started_at, completed_at, stop_reason, event_count, events_json
		 FROM turns WHERE session_id = ? ORDER BY turn_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying turns for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		var t Turn
		var eventsJSON string
		if err := rows.Scan(&t.SessionID, &t.TurnID, &t.Backend, &t.MachineID,
			&t.StartedAt, &t.CompletedAt, &t.StopReason, &t.EventCount, &eventsJSON); err != nil {
			return nil, fmt.Errorf("scanning turn row: %w", err)
		}
		if err := json.Unmarshal([]byte(eventsJSON), &t.Events); err != nil {
			return nil, fmt.Errorf("decoding events for session %s turn %d: %w", t.SessionID, t.TurnID, err)
		}
		turns = append(turns, &t)
	}
	return turns, rows.Err()
}

// Prune deletes turns completed before the retention horizon and returns
// how many rows were removed.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	res, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE completed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning turns: %w", err)
	}
	return res.RowsAffected()
}
