package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"callsync/internal/calls"

	"github.com/google/uuid"
)

// NOTE: This repository assumes the following tables exist:
//
// CREATE TABLE call_snapshots (
//   call_sid         TEXT PRIMARY KEY,
//   parent_call_sid  TEXT NOT NULL DEFAULT '',
//   status           TEXT NOT NULL,
//   is_final         BOOLEAN NOT NULL DEFAULT FALSE,
//   direction        TEXT NOT NULL DEFAULT 'unknown',
//   from_number      TEXT NOT NULL DEFAULT '',
//   to_number        TEXT NOT NULL DEFAULT '',
//   started_at       TIMESTAMPTZ,
//   answered_at      TIMESTAMPTZ,
//   ended_at         TIMESTAMPTZ,
//   duration         INT NOT NULL DEFAULT 0,
//   price_micro      BIGINT NOT NULL DEFAULT 0,
//   currency         TEXT NOT NULL DEFAULT '',
//   contact_id       TEXT NOT NULL DEFAULT '',
//   last_event_time  TIMESTAMPTZ NOT NULL,
//   finalized_at     TIMESTAMPTZ,
//   raw_last_payload TEXT NOT NULL DEFAULT '',
//   created_at       TIMESTAMPTZ NOT NULL,
//   updated_at       TIMESTAMPTZ NOT NULL
// );
// CREATE INDEX ON call_snapshots (parent_call_sid) WHERE parent_call_sid <> '';
// CREATE INDEX ON call_snapshots (is_final, created_at);
// CREATE INDEX ON call_snapshots (is_final, finalized_at);
//
// CREATE TABLE call_events (
//   id         UUID PRIMARY KEY,
//   call_sid   TEXT NOT NULL,
//   type       TEXT NOT NULL,
//   event_time TIMESTAMPTZ NOT NULL,
//   payload    TEXT NOT NULL DEFAULT '',
//   created_at TIMESTAMPTZ NOT NULL,
//   UNIQUE (call_sid, type, event_time)
// );
//
// call_events is append-only: no UPDATE or DELETE statements exist for it.

const snapshotColumns = `
call_sid, parent_call_sid, status, is_final, direction, from_number, to_number,
started_at, answered_at, ended_at, duration, price_micro, currency, contact_id,
last_event_time, finalized_at, raw_last_payload, created_at, updated_at`

// PGStore is the Postgres-backed snapshot store.
type PGStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db, clock: time.Now}
}

func (s *PGStore) Get(ctx context.Context, callSid string) (*calls.CallSnapshot, error) {
	q := `SELECT ` + snapshotColumns + ` FROM call_snapshots WHERE call_sid = $1`
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, q, callSid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: get %s: %w", callSid, err)
	}
	return &snap, nil
}

func (s *PGStore) UpsertGuarded(ctx context.Context, f UpsertFields) (*calls.CallSnapshot, error) {
	if f.CallSid == "" {
		return nil, fmt.Errorf("snapshot: call sid is required")
	}
	now := s.clock().UTC()
	isFinal := calls.IsFinal(f.Status)

	var insFinalizedAt *time.Time
	if isFinal {
		insFinalizedAt = &now
	}

	q := `
INSERT INTO call_snapshots (` + snapshotColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$18)
ON CONFLICT (call_sid) DO UPDATE SET
  parent_call_sid  = COALESCE(NULLIF(EXCLUDED.parent_call_sid, ''), call_snapshots.parent_call_sid),
  status           = EXCLUDED.status,
  is_final         = EXCLUDED.is_final,
  direction        = CASE WHEN EXCLUDED.direction <> 'unknown' THEN EXCLUDED.direction ELSE call_snapshots.direction END,
  from_number      = COALESCE(NULLIF(EXCLUDED.from_number, ''), call_snapshots.from_number),
  to_number        = COALESCE(NULLIF(EXCLUDED.to_number, ''), call_snapshots.to_number),
  started_at       = COALESCE(call_snapshots.started_at, EXCLUDED.started_at),
  answered_at      = COALESCE(EXCLUDED.answered_at, call_snapshots.answered_at),
  ended_at         = COALESCE(EXCLUDED.ended_at, call_snapshots.ended_at),
  duration         = CASE WHEN EXCLUDED.duration > 0 THEN EXCLUDED.duration ELSE call_snapshots.duration END,
  price_micro      = CASE WHEN EXCLUDED.price_micro <> 0 THEN EXCLUDED.price_micro ELSE call_snapshots.price_micro END,
  currency         = COALESCE(NULLIF(EXCLUDED.currency, ''), call_snapshots.currency),
  contact_id       = COALESCE(NULLIF(EXCLUDED.contact_id, ''), call_snapshots.contact_id),
  last_event_time  = GREATEST(call_snapshots.last_event_time, EXCLUDED.last_event_time),
  finalized_at     = COALESCE(call_snapshots.finalized_at, CASE WHEN EXCLUDED.is_final THEN EXCLUDED.updated_at END),
  raw_last_payload = CASE WHEN EXCLUDED.raw_last_payload <> '' THEN EXCLUDED.raw_last_payload ELSE call_snapshots.raw_last_payload END,
  updated_at       = EXCLUDED.updated_at
WHERE call_snapshots.last_event_time <= EXCLUDED.last_event_time OR $19
RETURNING ` + snapshotColumns

	row := s.db.QueryRowContext(ctx, q,
		f.CallSid,
		f.ParentCallSid,
		f.Status,
		isFinal,
		f.Direction,
		f.FromNumber,
		f.ToNumber,
		f.StartedAt,
		f.AnsweredAt,
		f.EndedAt,
		f.DurationSeconds,
		f.PriceMicro,
		f.Currency,
		f.ContactID,
		f.EventTime.UTC(),
		insFinalizedAt,
		f.RawPayload,
		now,
		f.Authoritative,
	)
	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Guard rejection: a fresher write already landed.
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: upsert %s: %w", f.CallSid, err)
	}
	return &snap, nil
}

func (s *PGStore) AppendEvent(ctx context.Context, e calls.CallEventLog) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	const q = `
INSERT INTO call_events (id, call_sid, type, event_time, payload, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (call_sid, type, event_time) DO NOTHING
`
	_, err := s.db.ExecContext(ctx, q, e.ID, e.CallSid, e.Type, e.EventTime.UTC(), e.Payload, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("snapshot: append event %s/%s: %w", e.CallSid, e.Type, err)
	}
	return nil
}

func (s *PGStore) ListEvents(ctx context.Context, callSid string) ([]calls.CallEventLog, error) {
	const q = `
SELECT id, call_sid, type, event_time, payload, created_at
FROM call_events
WHERE call_sid = $1
ORDER BY event_time, created_at
`
	rows, err := s.db.QueryContext(ctx, q, callSid)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list events %s: %w", callSid, err)
	}
	defer rows.Close()

	var out []calls.CallEventLog
	for rows.Next() {
		var e calls.CallEventLog
		if err := rows.Scan(&e.ID, &e.CallSid, &e.Type, &e.EventTime, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("snapshot: scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) ListChildren(ctx context.Context, parentSid string) ([]calls.CallSnapshot, error) {
	q := `SELECT ` + snapshotColumns + ` FROM call_snapshots WHERE parent_call_sid = $1 ORDER BY call_sid`
	return s.list(ctx, q, parentSid)
}

func (s *PGStore) ListNonFinalSince(ctx context.Context, since time.Time, limit int) ([]calls.CallSnapshot, error) {
	q := `SELECT ` + snapshotColumns + `
FROM call_snapshots
WHERE is_final = FALSE AND created_at >= $1
ORDER BY created_at
LIMIT $2`
	return s.list(ctx, q, since.UTC(), limit)
}

func (s *PGStore) ListFinalizedBetween(ctx context.Context, from, to time.Time, limit int) ([]calls.CallSnapshot, error) {
	q := `SELECT ` + snapshotColumns + `
FROM call_snapshots
WHERE is_final = TRUE AND finalized_at >= $1 AND finalized_at <= $2
ORDER BY finalized_at
LIMIT $3`
	return s.list(ctx, q, from.UTC(), to.UTC(), limit)
}

func (s *PGStore) ListStaleNonFinal(ctx context.Context, cutoff time.Time, limit int) ([]calls.CallSnapshot, error) {
	q := `SELECT ` + snapshotColumns + `
FROM call_snapshots
WHERE is_final = FALSE AND last_event_time < $1
ORDER BY last_event_time
LIMIT $2`
	return s.list(ctx, q, cutoff.UTC(), limit)
}

func (s *PGStore) list(ctx context.Context, q string, args ...any) ([]calls.CallSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list: %w", err)
	}
	defer rows.Close()

	var out []calls.CallSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(rs rowScanner) (calls.CallSnapshot, error) {
	var snap calls.CallSnapshot
	var startedAt, answeredAt, endedAt, finalizedAt sql.NullTime
	if err := rs.Scan(
		&snap.CallSid,
		&snap.ParentCallSid,
		&snap.Status,
		&snap.IsFinal,
		&snap.Direction,
		&snap.FromNumber,
		&snap.ToNumber,
		&startedAt,
		&answeredAt,
		&endedAt,
		&snap.DurationSeconds,
		&snap.PriceMicro,
		&snap.Currency,
		&snap.ContactID,
		&snap.LastEventTime,
		&finalizedAt,
		&snap.RawLastPayload,
		&snap.CreatedAt,
		&snap.UpdatedAt,
	); err != nil {
		return calls.CallSnapshot{}, err
	}
	snap.StartedAt = timePtr(startedAt)
	snap.AnsweredAt = timePtr(answeredAt)
	snap.EndedAt = timePtr(endedAt)
	snap.FinalizedAt = timePtr(finalizedAt)
	return snap, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
