package calls

import (
	"errors"
	"fmt"
	"time"
)

// The transition table is the single place status semantics are decided.
// Callers must not compare status strings for "is this final" or
// "may this change" anywhere else.

var ErrIllegalTransition = errors.New("calls: illegal status transition")

// transitions enumerates every legal destination per state. Final states
// map to an empty set: nothing moves a leg out of a terminal status
// through the webhook path. Authoritative provider fetches bypass the
// table (see UpsertGuarded's authoritative flag).
var transitions = map[CallStatus][]CallStatus{
	CallStatusQueued: {
		CallStatusInitiated, CallStatusRinging, CallStatusInProgress,
		CallStatusVoicemailRecording, CallStatusCompleted, CallStatusBusy,
		CallStatusNoAnswer, CallStatusCanceled, CallStatusFailed,
	},
	CallStatusInitiated: {
		CallStatusRinging, CallStatusInProgress,
		CallStatusVoicemailRecording, CallStatusCompleted, CallStatusBusy,
		CallStatusNoAnswer, CallStatusCanceled, CallStatusFailed,
	},
	CallStatusRinging: {
		CallStatusInProgress, CallStatusVoicemailRecording,
		CallStatusCompleted, CallStatusBusy, CallStatusNoAnswer,
		CallStatusCanceled, CallStatusFailed,
	},
	CallStatusInProgress: {
		CallStatusVoicemailRecording, CallStatusCompleted,
		CallStatusCanceled, CallStatusFailed,
	},
	// Voicemail lock: only the recording-completed signal advances this
	// state (worker translates that signal into voicemail_left).
	CallStatusVoicemailRecording: {CallStatusVoicemailLeft},

	CallStatusCompleted:     {},
	CallStatusBusy:          {},
	CallStatusNoAnswer:      {},
	CallStatusCanceled:      {},
	CallStatusFailed:        {},
	CallStatusVoicemailLeft: {},
}

// IsFinal reports whether no further provider-driven status change is
// expected for this leg.
func IsFinal(s CallStatus) bool {
	switch s {
	case CallStatusCompleted, CallStatusBusy, CallStatusNoAnswer,
		CallStatusCanceled, CallStatusFailed, CallStatusVoicemailLeft:
		return true
	}
	return false
}

// IsActive reports whether the leg is still expected to change.
func IsActive(s CallStatus) bool { return !IsFinal(s) }

// IsVoicemail reports whether the status is one of the two voicemail
// sub-states. These are exempt from the generic terminal freeze.
func IsVoicemail(s CallStatus) bool {
	return s == CallStatusVoicemailRecording || s == CallStatusVoicemailLeft
}

// ValidTransition reports whether from -> to is in the transition table.
// Same-status refreshes are always valid; duplicates are collapsed by the
// monotonicity guard, not here.
func ValidTransition(from, to CallStatus) bool {
	if from == to {
		return true
	}
	for _, dst := range transitions[from] {
		if dst == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to in strict mode: an illegal transition
// is returned as an error the caller must handle.
func Transition(from, to CallStatus) (CallStatus, error) {
	if !ValidTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return to, nil
}

// TransitionLenient validates from -> to in lenient mode: an illegal
// transition keeps the current status and reports applied=false so the
// hot path can log a warning and move on. A malformed or duplicate
// webhook must never crash the pipeline.
func TransitionLenient(from, to CallStatus) (next CallStatus, applied bool) {
	if !ValidTransition(from, to) {
		return from, false
	}
	return to, true
}

// ResolveParentInProgress applies the ambiguous in-progress guard: a
// parent leg reporting in-progress often means "routing started", not
// "answered". Downgrade to ringing unless some child leg already shows
// in-progress.
func ResolveParentInProgress(incoming CallStatus, isParent, anyChildInProgress bool) CallStatus {
	if incoming != CallStatusInProgress || !isParent || anyChildInProgress {
		return incoming
	}
	return CallStatusRinging
}

// FreezeEligible reports whether a snapshot may be excluded from further
// hot-path polling: final, and past the cooldown since finalization.
// This is a one-way transition; callers must never re-include a frozen
// call based on later data.
func FreezeEligible(s CallSnapshot, now time.Time, cooldown time.Duration) bool {
	if !s.IsFinal || s.FinalizedAt == nil {
		return false
	}
	return now.Sub(*s.FinalizedAt) >= cooldown
}
