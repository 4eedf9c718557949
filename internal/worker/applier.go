package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"callsync/internal/calls"
	"callsync/internal/events"
	"callsync/internal/legs"
	"callsync/internal/notify"
	"callsync/internal/snapshot"
)

// Applier is the single decide -> persist -> notify pipeline. Both the
// webhook path and every reconciliation poller go through it, so the
// monotonicity and terminal-freeze guards are enforced exactly once.
type Applier struct {
	store snapshot.Store
	legs  *legs.Reconciler
	pub   notify.Publisher
	log   *slog.Logger
	clock func() time.Time
}

func NewApplier(store snapshot.Store, lr *legs.Reconciler, pub notify.Publisher, log *slog.Logger) *Applier {
	if log == nil {
		log = slog.Default()
	}
	return &Applier{store: store, legs: lr, pub: pub, log: log, clock: time.Now}
}

// ApplyVoice runs one normalized voice event through the state machine
// and persists the outcome. authoritative marks provider-fetch-sourced
// events, which bypass the monotonicity guard and the transition table
// but never regress an already-final snapshot.
//
// Returns the updated snapshot, or nil when the event was ignored
// (unknown status, illegal transition in lenient mode, or guard
// rejection).
func (a *Applier) ApplyVoice(ctx context.Context, ev events.VoiceEvent, authoritative bool) (*calls.CallSnapshot, error) {
	if !ev.StatusKnown {
		a.log.Warn("ignoring voice event with unknown status",
			"call_sid", ev.CallSid, "raw_status", ev.RawStatus)
		return nil, nil
	}

	cur, err := a.store.Get(ctx, ev.CallSid)
	if err != nil {
		return nil, fmt.Errorf("worker: load snapshot %s: %w", ev.CallSid, err)
	}

	next, ok, err := a.decide(ctx, cur, ev, authoritative)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	fields := snapshot.UpsertFields{
		CallSid:         ev.CallSid,
		ParentCallSid:   ev.ParentCallSid,
		Status:          next,
		Direction:       ev.Direction,
		FromNumber:      ev.From,
		ToNumber:        ev.To,
		DurationSeconds: ev.DurationSeconds,
		PriceMicro:      ev.PriceMicro,
		Currency:        ev.Currency,
		EventTime:       ev.EventTime,
		RawPayload:      ev.Raw,
		Authoritative:   authoritative,
	}
	t := ev.EventTime
	switch {
	case next == calls.CallStatusInProgress:
		if cur == nil || cur.AnsweredAt == nil {
			fields.AnsweredAt = &t
		}
	case calls.IsFinal(next):
		fields.EndedAt = &t
	}
	if cur == nil || cur.StartedAt == nil {
		fields.StartedAt = &t
	}

	row, err := a.store.UpsertGuarded(ctx, fields)
	if err != nil {
		return nil, fmt.Errorf("worker: upsert %s: %w", ev.CallSid, err)
	}
	if row == nil {
		a.log.Debug("stale voice event rejected by guard",
			"call_sid", ev.CallSid, "status", next, "event_time", ev.EventTime)
		return nil, nil
	}

	if err := a.store.AppendEvent(ctx, calls.CallEventLog{
		CallSid:   ev.CallSid,
		Type:      "voice:" + ev.RawStatus,
		EventTime: ev.EventTime,
		Payload:   ev.Raw,
	}); err != nil {
		return nil, err
	}

	a.publish(ctx, notify.ChangeStatus, *row)

	if calls.IsFinal(row.Status) {
		a.reconcileGroup(ctx, row)
	}
	return row, nil
}

// decide applies the transition table and the two call-specific guards.
func (a *Applier) decide(ctx context.Context, cur *calls.CallSnapshot, ev events.VoiceEvent, authoritative bool) (calls.CallStatus, bool, error) {
	incoming := ev.Status

	// Ambiguous in-progress guard: only parent legs, and only when no
	// child already answered.
	isParent := ev.ParentCallSid == "" && (cur == nil || cur.IsParent())
	if incoming == calls.CallStatusInProgress && isParent {
		anyChild, err := a.anyChildInProgress(ctx, ev.CallSid)
		if err != nil {
			return "", false, err
		}
		incoming = calls.ResolveParentInProgress(incoming, true, anyChild)
	}

	if cur == nil {
		return incoming, true, nil
	}

	if authoritative {
		// The fetch API is the source of truth, but it must never
		// resurrect a call that is already correctly final.
		if cur.IsFinal && !calls.IsFinal(incoming) {
			return "", false, nil
		}
		// A voicemail call reads as plain "completed" at the provider;
		// keep the more specific local terminal state.
		if calls.IsVoicemail(cur.Status) && incoming == calls.CallStatusCompleted {
			incoming = calls.CallStatusVoicemailLeft
		}
		return incoming, true, nil
	}

	next, applied := calls.TransitionLenient(cur.Status, incoming)
	if !applied {
		// Lenient mode: malformed or duplicate webhooks are logged and
		// dropped, never thrown.
		a.log.Warn("illegal status transition ignored",
			"call_sid", ev.CallSid, "from", cur.Status, "to", incoming)
		return "", false, nil
	}
	return next, true, nil
}

// ApplyRecording handles a recording lifecycle event. Its one state
// effect is advancing voicemail_recording to voicemail_left on the
// recording-completed signal; otherwise it only logs and notifies.
func (a *Applier) ApplyRecording(ctx context.Context, ev events.RecordingEvent) (*calls.CallSnapshot, error) {
	if err := a.store.AppendEvent(ctx, calls.CallEventLog{
		CallSid:   ev.CallSid,
		Type:      "recording:" + string(ev.Status),
		EventTime: ev.EventTime,
		Payload:   ev.Raw,
	}); err != nil {
		return nil, err
	}

	cur, err := a.store.Get(ctx, ev.CallSid)
	if err != nil {
		return nil, fmt.Errorf("worker: load snapshot %s: %w", ev.CallSid, err)
	}
	if cur == nil {
		return nil, nil
	}

	if ev.Status == events.RecordingCompleted && cur.Status == calls.CallStatusVoicemailRecording {
		t := ev.EventTime
		// Authoritative: the advance is gated on the current status, and
		// recording callbacks may carry an event time older than the last
		// accepted voice event.
		row, err := a.store.UpsertGuarded(ctx, snapshot.UpsertFields{
			CallSid:         ev.CallSid,
			Status:          calls.CallStatusVoicemailLeft,
			DurationSeconds: ev.DurationSeconds,
			EndedAt:         &t,
			EventTime:       ev.EventTime,
			RawPayload:      ev.Raw,
			Authoritative:   true,
		})
		if err != nil {
			return nil, fmt.Errorf("worker: voicemail advance %s: %w", ev.CallSid, err)
		}
		if row != nil {
			a.publish(ctx, notify.ChangeStatus, *row)
			a.reconcileGroup(ctx, row)
			return row, nil
		}
		return nil, nil
	}

	a.publish(ctx, notify.ChangeRecording, *cur)
	return cur, nil
}

// ApplyTranscription appends the transcript to the event log and
// notifies; transcripts never change call state.
func (a *Applier) ApplyTranscription(ctx context.Context, ev events.TranscriptEvent) error {
	if err := a.store.AppendEvent(ctx, calls.CallEventLog{
		CallSid:   ev.CallSid,
		Type:      "transcription:" + string(ev.Status),
		EventTime: ev.EventTime,
		Payload:   ev.Raw,
	}); err != nil {
		return err
	}

	cur, err := a.store.Get(ctx, ev.CallSid)
	if err != nil {
		return fmt.Errorf("worker: load snapshot %s: %w", ev.CallSid, err)
	}
	if cur != nil {
		a.publish(ctx, notify.ChangeTranscript, *cur)
	}
	return nil
}

// ReconcileLegs re-runs leg reconciliation for the group containing
// snap. Exposed for the pollers.
func (a *Applier) ReconcileLegs(ctx context.Context, snap *calls.CallSnapshot) {
	a.reconcileGroup(ctx, snap)
}

func (a *Applier) reconcileGroup(ctx context.Context, snap *calls.CallSnapshot) {
	if a.legs == nil || snap == nil {
		return
	}
	parentSid := snap.CallSid
	if !snap.IsParent() {
		parentSid = snap.ParentCallSid
	}
	if _, err := a.legs.Reconcile(ctx, parentSid); err != nil {
		a.log.Error("leg reconciliation failed", "parent_sid", parentSid, "err", err)
	}
}

func (a *Applier) anyChildInProgress(ctx context.Context, parentSid string) (bool, error) {
	children, err := a.store.ListChildren(ctx, parentSid)
	if err != nil {
		return false, fmt.Errorf("worker: list children of %s: %w", parentSid, err)
	}
	for _, c := range children {
		if c.Status == calls.CallStatusInProgress {
			return true, nil
		}
	}
	return false, nil
}

func (a *Applier) publish(ctx context.Context, change notify.ChangeType, snap calls.CallSnapshot) {
	if a.pub == nil {
		return
	}
	// Best-effort: a publish failure must never fail persistence.
	if err := a.pub.Publish(ctx, change, snap); err != nil {
		a.log.Warn("change publish failed", "call_sid", snap.CallSid, "change", change, "err", err)
	}
}
