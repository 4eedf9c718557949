package inbox

import (
	"context"
	"time"

	"callsync/internal/events"
)

// MaxAttempts is the retry ceiling: an event failing this many times is
// dead-lettered and requires operator attention. Never auto-purged.
const MaxAttempts = 10

type Status string

const (
	StatusReceived   Status = "received"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	// StatusFailed marks a retryable failure; rows in this state are
	// claimed again alongside received rows, with the last error kept
	// visible on the row.
	StatusFailed Status = "failed"
	// StatusDead is terminal: the retry ceiling was exceeded.
	StatusDead Status = "dead"
)

// InboxEvent is one durably queued webhook delivery.
//
// IdempotencyKey is unique: a duplicate delivery of the same provider
// notification is silently dropped at insert time. Rows are never
// deleted.
type InboxEvent struct {
	ID             string        `json:"id" db:"id"`
	Source         events.Source `json:"source" db:"source"`
	EventType      string        `json:"event_type" db:"event_type"`
	IdempotencyKey string        `json:"idempotency_key" db:"idempotency_key"`

	// Payload is the opaque provider JSON; only the normalizer may
	// interpret it.
	Payload string `json:"payload" db:"payload"`

	Status   Status `json:"status" db:"status"`
	Attempts int    `json:"attempts" db:"attempts"`

	ReceivedAt  time.Time  `json:"received_at" db:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	ErrorText   string     `json:"error_text,omitempty" db:"error_text"`
}

// Repository is the durable intake queue contract.
//
// Claiming is the sole mutual-exclusion point between concurrent worker
// processes: implementations must let claimants skip rows locked by
// another claimant rather than block.
type Repository interface {
	// Insert stores the event if its idempotency key is new. Returns
	// (nil, nil) on duplicate; the caller treats both outcomes as accepted.
	Insert(ctx context.Context, e InboxEvent) (*InboxEvent, error)

	// ClaimBatch atomically selects up to n retryable rows, flips them to
	// processing and increments attempts.
	ClaimBatch(ctx context.Context, n int) ([]InboxEvent, error)

	// MarkProcessed finishes an event successfully.
	MarkProcessed(ctx context.Context, id string) error

	// MarkFailed records a processing failure: back to a retryable state,
	// or dead once attempts have reached MaxAttempts.
	MarkFailed(ctx context.Context, id, errText string) error
}
