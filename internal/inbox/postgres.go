package inbox

import (
	"context"
	"database/sql"
)

// PostgresStore keeps entries in the processed_events table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) StartProcessing(ctx context.Context, e Entry) (bool, error) {
	const q = `
INSERT INTO processed_events (event_id, event_type, subject, payload, status, attempts, updated_at)
VALUES ($1, $2, $3, $4, 'processing', 1, now())
ON CONFLICT (event_id) DO UPDATE
SET attempts = processed_events.attempts + 1,
    updated_at = now()
RETURNING status;
`
	var payload any
	if len(e.Payload) > 0 {
		payload = []byte(e.Payload)
	}
	var status string
	if err := s.db.QueryRowContext(ctx, q, e.EventID, e.EventType, e.Subject, payload).Scan(&status); err != nil {
		return false, err
	}
	return status != StatusDone, nil
}

func (s *PostgresStore) MarkDone(ctx context.Context, eventID string) error {
	const q = `
UPDATE processed_events
SET status = 'done', processed_at = now(), last_error = NULL, updated_at = now()
WHERE event_id = $1;
`
	_, err := s.db.ExecContext(ctx, q, eventID)
	return err
}

func (s *PostgresStore) MarkFailed(ctx context.Context, eventID string, errMsg string) error {
	const q = `
UPDATE processed_events
SET status = 'processing', last_error = $2, updated_at = now()
WHERE event_id = $1;
`
	_, err := s.db.ExecContext(ctx, q, eventID, errMsg)
	return err
}
