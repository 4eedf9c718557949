package legs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"callsync/internal/calls"
	"callsync/internal/notify"
	"callsync/internal/snapshot"
)

// Reconciler derives a parent snapshot's displayed status from its leg
// group. The parent's own webhook events never decide the rollup; a
// simultaneous-ring call is represented by whichever child actually won.
//
// Contact tie-break: the winner leg's contact; when there is no winner,
// the first child by ascending call sid that has one.
type Reconciler struct {
	store snapshot.Store
	pub   notify.Publisher
	log   *slog.Logger
	clock func() time.Time
}

func NewReconciler(store snapshot.Store, pub notify.Publisher, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{store: store, pub: pub, log: log, clock: time.Now}
}

// Reconcile recomputes the rollup for parentSid. Returns the parent
// snapshot after reconciliation (nil when no parent snapshot exists yet).
func (r *Reconciler) Reconcile(ctx context.Context, parentSid string) (*calls.CallSnapshot, error) {
	parent, err := r.store.Get(ctx, parentSid)
	if err != nil {
		return nil, fmt.Errorf("legs: load parent %s: %w", parentSid, err)
	}
	if parent == nil {
		return nil, nil
	}

	// Voicemail takes precedence over any leg-derived status.
	if calls.IsVoicemail(parent.Status) {
		return parent, nil
	}

	children, err := r.store.ListChildren(ctx, parentSid)
	if err != nil {
		return nil, fmt.Errorf("legs: load children of %s: %w", parentSid, err)
	}
	if len(children) == 0 {
		return parent, nil
	}

	rollup, ok := computeRollup(children)
	if !ok {
		// Some children still active: parent stays as-is pending events.
		return parent, nil
	}

	if parent.Status == rollup.status &&
		parent.DurationSeconds == rollup.duration &&
		(rollup.contactID == "" || parent.ContactID != "") {
		return parent, nil
	}

	fields := snapshot.UpsertFields{
		CallSid:         parentSid,
		Status:          rollup.status,
		DurationSeconds: rollup.duration,
		AnsweredAt:      rollup.answeredAt,
		EndedAt:         rollup.endedAt,
		EventTime:       maxEventTime(parent, children),
		Authoritative:   true,
	}
	if parent.ContactID == "" {
		fields.ContactID = rollup.contactID
	}

	updated, err := r.store.UpsertGuarded(ctx, fields)
	if err != nil {
		return nil, fmt.Errorf("legs: rollup upsert %s: %w", parentSid, err)
	}
	if updated == nil {
		return parent, nil
	}

	r.log.Info("leg rollup applied",
		"call_sid", parentSid,
		"status", updated.Status,
		"duration", updated.DurationSeconds,
		"children", len(children),
	)

	// Rollup changes re-enter the same notification path as direct
	// webhook updates; publish failures never affect persistence.
	if r.pub != nil {
		if err := r.pub.Publish(ctx, notify.ChangeLegRollup, *updated); err != nil {
			r.log.Warn("leg rollup publish failed", "call_sid", parentSid, "err", err)
		}
	}
	return updated, nil
}

type rollup struct {
	status     calls.CallStatus
	duration   int
	answeredAt *time.Time
	endedAt    *time.Time
	contactID  string
}

// computeRollup selects the leg group outcome. ok is false while some
// child is still active and no child has completed.
func computeRollup(children []calls.CallSnapshot) (rollup, bool) {
	// Winner: completed child with strictly positive duration, greatest
	// duration among candidates. Children arrive sorted by call sid, so
	// ties resolve deterministically to the first.
	var winner *calls.CallSnapshot
	for i := range children {
		c := &children[i]
		if c.Status == calls.CallStatusCompleted && c.DurationSeconds > 0 {
			if winner == nil || c.DurationSeconds > winner.DurationSeconds {
				winner = c
			}
		}
	}
	if winner != nil {
		out := rollup{
			status:     calls.CallStatusCompleted,
			duration:   winner.DurationSeconds,
			answeredAt: winner.AnsweredAt,
			endedAt:    winner.EndedAt,
			contactID:  winner.ContactID,
		}
		if out.contactID == "" {
			out.contactID = firstContact(children)
		}
		return out, true
	}

	for _, c := range children {
		if !c.IsFinal {
			return rollup{}, false
		}
	}

	// Every child final, none completed. A ring that was answered nowhere
	// but rang somewhere is no-answer; failed is reserved for legs that
	// never rang at all.
	status := calls.CallStatusFailed
	switch {
	case anyStatus(children, calls.CallStatusBusy):
		status = calls.CallStatusBusy
	case anyStatus(children, calls.CallStatusNoAnswer):
		status = calls.CallStatusNoAnswer
	}
	return rollup{status: status, contactID: firstContact(children)}, true
}

func anyStatus(children []calls.CallSnapshot, s calls.CallStatus) bool {
	for _, c := range children {
		if c.Status == s {
			return true
		}
	}
	return false
}

func firstContact(children []calls.CallSnapshot) string {
	for _, c := range children {
		if c.ContactID != "" {
			return c.ContactID
		}
	}
	return ""
}

func maxEventTime(parent *calls.CallSnapshot, children []calls.CallSnapshot) time.Time {
	t := parent.LastEventTime
	for _, c := range children {
		if c.LastEventTime.After(t) {
			t = c.LastEventTime
		}
	}
	return t
}
