package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"

	"orderflow/internal/saga"
)

// PostgresJournal persists saga run journals in Postgres. Sequence numbers
// are allocated per run inside the insert, and the unique constraint rejects
// a duplicate writer racing on the same run.
type PostgresJournal struct {
	db *sql.DB
}

// NewPostgresJournal constructs a saga journal backed by Postgres.
func NewPostgresJournal(db *sql.DB) *PostgresJournal {
	return &PostgresJournal{db: db}
}

// NewPostgresJournalWithSchema initializes the schema then returns the journal.
func NewPostgresJournalWithSchema(ctx context.Context, db *sql.DB) (*PostgresJournal, error) {
	journal := NewPostgresJournal(db)
	if err := journal.InitSchema(ctx); err != nil {
		return nil, err
	}
	return journal, nil
}

// InitSchema creates the saga_events table if it does not exist.
func (j *PostgresJournal) InitSchema(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS saga_events (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			kind TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			payload JSONB,
			at TIMESTAMPTZ NOT NULL,
			UNIQUE (run_id, seq)
		)
	`)
	return err
}

// Append journals one event for a run and returns the assigned sequence.
func (j *PostgresJournal) Append(ctx context.Context, runID string, ev saga.Event) (int64, error) {
	var payload any
	if len(ev.Payload) > 0 {
		payload = []byte(ev.Payload)
	}

	row := j.db.QueryRowContext(ctx, `
		INSERT INTO saga_events (run_id, seq, kind, name, payload, at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5
		FROM saga_events
		WHERE run_id = $1
		RETURNING seq`,
		runID, string(ev.Kind), ev.Name, payload, ev.At,
	)

	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// Load returns a run's journal in sequence order.
func (j *PostgresJournal) Load(ctx context.Context, runID string) ([]saga.Event, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, kind, name, payload, at
		FROM saga_events
		WHERE run_id = $1
		ORDER BY seq`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []saga.Event
	for rows.Next() {
		var ev saga.Event
		var kind string
		var payload sql.Null[[]byte]
		if err := rows.Scan(&ev.Seq, &kind, &ev.Name, &payload, &ev.At); err != nil {
			return nil, err
		}
		ev.Kind = saga.EventKind(kind)
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.V)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
