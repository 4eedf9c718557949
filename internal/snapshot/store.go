package snapshot

import (
	"context"
	"time"

	"callsync/internal/calls"
)

// UpsertFields is one guarded write against a call snapshot.
//
// EventTime is the monotonicity guard: the write only applies when it is
// not older than the snapshot's current LastEventTime. Authoritative
// writes (sourced from the provider's fetch API) bypass the guard: the
// fetch API always wins over guard-compared webhook data.
type UpsertFields struct {
	CallSid       string
	ParentCallSid string

	Status calls.CallStatus

	Direction  calls.Direction
	FromNumber string
	ToNumber   string

	StartedAt  *time.Time
	AnsweredAt *time.Time
	EndedAt    *time.Time

	// DurationSeconds only overwrites when > 0.
	DurationSeconds int

	PriceMicro int64
	Currency   string

	ContactID string

	EventTime     time.Time
	RawPayload    string
	Authoritative bool
}

// Store persists call snapshots and the append-only event log.
//
// UpsertGuarded is the sole write path for snapshots: webhook-driven and
// poller-driven writes for the same call race only here, never through a
// raw overwrite.
type Store interface {
	// Get returns the snapshot for callSid, or nil when none exists.
	Get(ctx context.Context, callSid string) (*calls.CallSnapshot, error)

	// UpsertGuarded creates or updates a snapshot. Returns nil when the
	// monotonicity guard rejected the write.
	UpsertGuarded(ctx context.Context, f UpsertFields) (*calls.CallSnapshot, error)

	// AppendEvent writes one immutable event-log entry. Re-appending the
	// same (callSid, type, eventTime) is a no-op.
	AppendEvent(ctx context.Context, e calls.CallEventLog) error

	// ListEvents returns the event-log entries for callSid, oldest first.
	ListEvents(ctx context.Context, callSid string) ([]calls.CallEventLog, error)

	// ListChildren returns every child leg of parentSid.
	ListChildren(ctx context.Context, parentSid string) ([]calls.CallSnapshot, error)

	// ListNonFinalSince returns non-final snapshots created after since,
	// oldest first. Hot poller feed.
	ListNonFinalSince(ctx context.Context, since time.Time, limit int) ([]calls.CallSnapshot, error)

	// ListFinalizedBetween returns snapshots finalized inside [from, to].
	// Warm poller feed.
	ListFinalizedBetween(ctx context.Context, from, to time.Time, limit int) ([]calls.CallSnapshot, error)

	// ListStaleNonFinal returns snapshots that are still non-final and
	// whose last accepted event is older than cutoff. Safety-net feed.
	ListStaleNonFinal(ctx context.Context, cutoff time.Time, limit int) ([]calls.CallSnapshot, error)
}
