package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"callsync/internal/events"

	"github.com/google/uuid"
)

// NOTE: This repository assumes the following table exists:
//
// CREATE TABLE webhook_inbox (
//   id              UUID PRIMARY KEY,
//   source          TEXT NOT NULL,
//   event_type      TEXT NOT NULL,
//   idempotency_key TEXT NOT NULL UNIQUE,
//   payload         JSONB NOT NULL,
//   status          TEXT NOT NULL,
//   attempts        INT NOT NULL DEFAULT 0,
//   received_at     TIMESTAMPTZ NOT NULL,
//   processed_at    TIMESTAMPTZ,
//   error_text      TEXT NOT NULL DEFAULT ''
// );
// CREATE INDEX ON webhook_inbox (status, received_at);

var ErrNotFound = errors.New("inbox: event not found")

// PGRepository is the Postgres-backed inbox.
type PGRepository struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPGRepository(db *sql.DB) *PGRepository {
	return &PGRepository{db: db, clock: time.Now}
}

func (r *PGRepository) Insert(ctx context.Context, e InboxEvent) (*InboxEvent, error) {
	if e.IdempotencyKey == "" {
		return nil, fmt.Errorf("inbox: idempotency key is required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = StatusReceived
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = r.clock().UTC()
	}

	const q = `
INSERT INTO webhook_inbox (id, source, event_type, idempotency_key, payload, status, attempts, received_at, error_text)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'')
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING id, source, event_type, idempotency_key, payload, status, attempts, received_at, processed_at, error_text
`
	row := r.db.QueryRowContext(ctx, q,
		e.ID, e.Source, e.EventType, e.IdempotencyKey, e.Payload, e.Status, e.Attempts, e.ReceivedAt,
	)
	out, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Duplicate delivery: silently dropped.
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (r *PGRepository) ClaimBatch(ctx context.Context, n int) ([]InboxEvent, error) {
	if n <= 0 {
		return nil, nil
	}
	// SKIP LOCKED lets concurrent workers claim disjoint batches without
	// blocking each other.
	const q = `
UPDATE webhook_inbox
SET status = 'processing', attempts = attempts + 1
WHERE id IN (
  SELECT id FROM webhook_inbox
  WHERE status IN ('received', 'failed')
  ORDER BY received_at
  LIMIT $1
  FOR UPDATE SKIP LOCKED
)
RETURNING id, source, event_type, idempotency_key, payload, status, attempts, received_at, processed_at, error_text
`
	rows, err := r.db.QueryContext(ctx, q, n)
	if err != nil {
		return nil, fmt.Errorf("inbox: claim batch: %w", err)
	}
	defer rows.Close()

	var out []InboxEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PGRepository) MarkProcessed(ctx context.Context, id string) error {
	const q = `
UPDATE webhook_inbox
SET status = 'processed', processed_at = $2, error_text = ''
WHERE id = $1
`
	res, err := r.db.ExecContext(ctx, q, id, r.clock().UTC())
	if err != nil {
		return fmt.Errorf("inbox: mark processed: %w", err)
	}
	return requireAffected(res)
}

func (r *PGRepository) MarkFailed(ctx context.Context, id, errText string) error {
	const q = `
UPDATE webhook_inbox
SET status = CASE WHEN attempts >= $3 THEN 'dead' ELSE 'failed' END,
    error_text = $2
WHERE id = $1
`
	res, err := r.db.ExecContext(ctx, q, id, errText, MaxAttempts)
	if err != nil {
		return fmt.Errorf("inbox: mark failed: %w", err)
	}
	return requireAffected(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(rs rowScanner) (InboxEvent, error) {
	var e InboxEvent
	var source string
	var processedAt sql.NullTime
	if err := rs.Scan(
		&e.ID,
		&source,
		&e.EventType,
		&e.IdempotencyKey,
		&e.Payload,
		&e.Status,
		&e.Attempts,
		&e.ReceivedAt,
		&processedAt,
		&e.ErrorText,
	); err != nil {
		return InboxEvent{}, err
	}
	e.Source = events.Source(source)
	if processedAt.Valid {
		t := processedAt.Time
		e.ProcessedAt = &t
	}
	return e, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
