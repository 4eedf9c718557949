package calls

import "time"

// CallSnapshot is the single current-truth row per call leg.
//
// Invariants:
// - CallSid is the natural key; one row per provider call sid.
// - No write may apply with an event time older than LastEventTime,
//   except authoritative writes sourced from the provider fetch API.
// - Once IsFinal is true (outside the voicemail sub-states), no non-final
//   status may overwrite it.
//
// Rows are never deleted; a final call past the freeze cooldown is simply
// excluded from active polling.
type CallSnapshot struct {
	CallSid       string `json:"call_sid" db:"call_sid"`
	ParentCallSid string `json:"parent_call_sid,omitempty" db:"parent_call_sid"`

	Status  CallStatus `json:"status" db:"status"`
	IsFinal bool       `json:"is_final" db:"is_final"`

	Direction  Direction `json:"direction" db:"direction"`
	FromNumber string    `json:"from_number" db:"from_number"`
	ToNumber   string    `json:"to_number" db:"to_number"`

	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	// DurationSeconds is the call duration in seconds; 0 until the provider
	// reports one.
	DurationSeconds int `json:"duration" db:"duration"`

	// PriceMicro is the provider-reported price in micro-units of Currency.
	// Internal billing is out of scope; this is display/audit data only.
	PriceMicro int64  `json:"price_micro,omitempty" db:"price_micro"`
	Currency   string `json:"currency,omitempty" db:"currency"`

	// ContactID is the resolved contact association, if any. For parent
	// legs it may be adopted from a child during leg reconciliation.
	ContactID string `json:"contact_id,omitempty" db:"contact_id"`

	// LastEventTime is the monotonicity guard: the provider event time of
	// the freshest accepted write.
	LastEventTime time.Time `json:"last_event_time" db:"last_event_time"`

	// FinalizedAt is set the first time the snapshot reaches a final
	// status; it drives the freeze cooldown and the warm poller window.
	FinalizedAt *time.Time `json:"finalized_at,omitempty" db:"finalized_at"`

	// RawLastPayload is the raw provider payload of the freshest accepted
	// write, kept as JSON for debugging/audit.
	RawLastPayload string `json:"raw_last_payload,omitempty" db:"raw_last_payload"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsParent reports whether this snapshot is a parent leg (no parent sid).
func (s CallSnapshot) IsParent() bool { return s.ParentCallSid == "" }

// CallEventLog is one immutable append-only log entry per accepted event.
// Used for audit and replay, never for current-state queries.
type CallEventLog struct {
	ID        string    `json:"id" db:"id"`
	CallSid   string    `json:"call_sid" db:"call_sid"`
	Type      string    `json:"type" db:"type"`
	EventTime time.Time `json:"event_time" db:"event_time"`
	Payload   string    `json:"payload,omitempty" db:"payload"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Direction is derived from which party endpoint is internal, never from
// the provider's own direction field (it conflates leg direction with
// logical call direction).
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionUnknown  Direction = "unknown"
)

type CallStatus string

// Status values mirror the provider's wire vocabulary plus the two
// voicemail sub-states managed locally.
const (
	CallStatusQueued             CallStatus = "queued"
	CallStatusInitiated          CallStatus = "initiated"
	CallStatusRinging            CallStatus = "ringing"
	CallStatusInProgress         CallStatus = "in-progress"
	CallStatusVoicemailRecording CallStatus = "voicemail_recording"

	CallStatusCompleted     CallStatus = "completed"
	CallStatusBusy          CallStatus = "busy"
	CallStatusNoAnswer      CallStatus = "no-answer"
	CallStatusCanceled      CallStatus = "canceled"
	CallStatusFailed        CallStatus = "failed"
	CallStatusVoicemailLeft CallStatus = "voicemail_left"
)

// ParseStatus maps a raw provider status string to a known CallStatus.
// Unknown values are returned as-is with ok=false so callers can decide
// whether to warn or reject.
func ParseStatus(raw string) (CallStatus, bool) {
	s := CallStatus(raw)
	switch s {
	case CallStatusQueued, CallStatusInitiated, CallStatusRinging,
		CallStatusInProgress, CallStatusVoicemailRecording,
		CallStatusCompleted, CallStatusBusy, CallStatusNoAnswer,
		CallStatusCanceled, CallStatusFailed, CallStatusVoicemailLeft:
		return s, true
	}
	return s, false
}
