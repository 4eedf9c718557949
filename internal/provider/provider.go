package provider

import (
	"context"
	"errors"
	"time"
)

// ErrCallNotFound is returned when the provider reports the call does not
// exist. Callers convert this into a definitive local state rather than
// retrying (a 404 is permanent, not transient).
var ErrCallNotFound = errors.New("provider: call not found")

// CallDetail is the provider's authoritative view of one call leg, as
// returned by the fetch API. Writes derived from it bypass the
// monotonicity guard: the fetch API is the source of truth the local
// snapshot must converge to.
type CallDetail struct {
	Sid           string
	ParentCallSid string

	Status string

	From string
	To   string

	StartTime *time.Time
	EndTime   *time.Time

	DurationSeconds int

	// Price is the provider's signed decimal string, e.g. "-0.00850".
	Price     string
	PriceUnit string

	// Raw is the provider response body, kept for audit.
	Raw string
}

// Client is the read-only fetch surface of the telephony provider.
//
// Implementations must return ErrCallNotFound (wrapped is fine) for a
// definitive 404; every other error is treated as transient by callers.
type Client interface {
	// FetchCall fetches one call by provider sid.
	FetchCall(ctx context.Context, sid string) (CallDetail, error)

	// ListCalls pages through calls that started inside [start, end].
	// page is zero-based; more reports whether another page may exist.
	ListCalls(ctx context.Context, start, end time.Time, page int) (details []CallDetail, more bool, err error)
}
