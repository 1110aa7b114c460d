package store

import (
	"context"
	"fmt"

	"github.com/andresmejia3/presence-guard/internal/types"
	"github.com/jackc/pgx/v5"
)

// Store is the PostgreSQL presence event journal. It holds a single
// connection and is used from the guard loop goroutine only.
type Store struct {
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the event table and its indexes if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS presence_events (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			kind TEXT NOT NULL,
			phase TEXT NOT NULL DEFAULT '',
			face_count INT NOT NULL DEFAULT 0,
			distance DOUBLE PRECISION,
			command TEXT NOT NULL DEFAULT '',
			locked BOOLEAN NOT NULL DEFAULT FALSE,
			detail TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS presence_events_occurred_at_idx ON presence_events (occurred_at DESC);
		CREATE INDEX IF NOT EXISTS presence_events_run_id_idx ON presence_events (run_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// Record appends one event to the journal.
func (s *Store) Record(ctx context.Context, e types.Event) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO presence_events (run_id, occurred_at, kind, phase, face_count, distance, command, locked, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.RunID, e.OccurredAt, string(e.Kind), e.Phase, e.Faces, e.Distance, e.Command, e.Locked, e.Detail)
	return err
}

// Recent returns up to limit events, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]types.Event, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, run_id, occurred_at, kind, phase, face_count, distance, command, locked, detail
		FROM presence_events
		ORDER BY occurred_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var e types.Event
		var kind string
		if err := rows.Scan(&e.ID, &e.RunID, &e.OccurredAt, &kind, &e.Phase, &e.Faces, &e.Distance, &e.Command, &e.Locked, &e.Detail); err != nil {
			return nil, err
		}
		e.Kind = types.EventKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}

// LockSummary counts lock events per phase for one run, or all runs when runID is empty.
func (s *Store) LockSummary(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT phase, COUNT(*) FROM presence_events
		WHERE kind = $1 AND ($2 = '' OR run_id = $2)
		GROUP BY phase
	`, string(types.EventLock), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := make(map[string]int)
	for rows.Next() {
		var phase string
		var count int
		if err := rows.Scan(&phase, &count); err != nil {
			return nil, err
		}
		summary[phase] = count
	}
	return summary, rows.Err()
}

// Reset drops the journal table. The next New recreates it.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `DROP TABLE IF EXISTS presence_events CASCADE;`)
	return err
}
