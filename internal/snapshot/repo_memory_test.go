package snapshot

import (
	"context"
	"testing"
	"time"

	"callsync/internal/calls"
)

func ts(min int) time.Time {
	return time.Date(2025, 6, 1, 12, min, 0, 0, time.UTC)
}

func TestUpsertGuarded_RejectsOlderEvent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.UpsertGuarded(ctx, UpsertFields{
		CallSid: "CA1", Status: calls.CallStatusRinging, EventTime: ts(5),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// An event older than the accepted one must be rejected.
	row, err := s.UpsertGuarded(ctx, UpsertFields{
		CallSid: "CA1", Status: calls.CallStatusInProgress, EventTime: ts(3),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if row != nil {
		t.Fatalf("expected guard rejection, got row with status %s", row.Status)
	}

	got, err := s.Get(ctx, "CA1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != calls.CallStatusRinging {
		t.Fatalf("expected ringing preserved, got %s", got.Status)
	}
}

func TestUpsertGuarded_OrderIndependentResult(t *testing.T) {
	ctx := context.Background()

	apply := func(s *MemoryStore, order []UpsertFields) calls.CallSnapshot {
		for _, f := range order {
			if _, err := s.UpsertGuarded(ctx, f); err != nil {
				t.Fatalf("upsert: %v", err)
			}
		}
		got, err := s.Get(ctx, "CA1")
		if err != nil || got == nil {
			t.Fatalf("get: %v %v", got, err)
		}
		return *got
	}

	e1 := UpsertFields{CallSid: "CA1", Status: calls.CallStatusRinging, EventTime: ts(10)}
	e2 := UpsertFields{CallSid: "CA1", Status: calls.CallStatusInProgress, EventTime: ts(8)}

	a := apply(NewMemoryStore(), []UpsertFields{e1, e2})
	b := apply(NewMemoryStore(), []UpsertFields{e2, e1})

	if a.Status != calls.CallStatusRinging || b.Status != calls.CallStatusRinging {
		t.Fatalf("expected ringing in both orders, got %s and %s", a.Status, b.Status)
	}
	if !a.LastEventTime.Equal(b.LastEventTime) {
		t.Fatalf("expected identical last event time, got %v and %v", a.LastEventTime, b.LastEventTime)
	}
}

func TestUpsertGuarded_AuthoritativeBypassesGuard(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.UpsertGuarded(ctx, UpsertFields{
		CallSid: "CA1", Status: calls.CallStatusRinging, EventTime: ts(10),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	row, err := s.UpsertGuarded(ctx, UpsertFields{
		CallSid:         "CA1",
		Status:          calls.CallStatusCompleted,
		DurationSeconds: 42,
		EventTime:       ts(7),
		Authoritative:   true,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if row == nil {
		t.Fatalf("expected authoritative write to apply")
	}
	if row.Status != calls.CallStatusCompleted || row.DurationSeconds != 42 {
		t.Fatalf("expected completed/42, got %s/%d", row.Status, row.DurationSeconds)
	}
	if !row.IsFinal || row.FinalizedAt == nil {
		t.Fatalf("expected finality recorded")
	}
}

func TestUpsertGuarded_EnrichmentMergeKeepsKnownFields(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	answered := ts(6)
	if _, err := s.UpsertGuarded(ctx, UpsertFields{
		CallSid:    "CA1",
		Status:     calls.CallStatusInProgress,
		FromNumber: "+15550001",
		ToNumber:   "+15550002",
		AnsweredAt: &answered,
		EventTime:  ts(6),
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// A later event without party fields must not blank them.
	row, err := s.UpsertGuarded(ctx, UpsertFields{
		CallSid: "CA1", Status: calls.CallStatusCompleted, DurationSeconds: 30, EventTime: ts(9),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if row.FromNumber != "+15550001" || row.ToNumber != "+15550002" {
		t.Fatalf("expected party fields preserved, got %q %q", row.FromNumber, row.ToNumber)
	}
	if row.AnsweredAt == nil || !row.AnsweredAt.Equal(answered) {
		t.Fatalf("expected answered_at preserved")
	}
}

func TestAppendEvent_Idempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	e := calls.CallEventLog{CallSid: "CA1", Type: "voice:ringing", EventTime: ts(1)}
	if err := s.AppendEvent(ctx, e); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendEvent(ctx, e); err != nil {
		t.Fatalf("append: %v", err)
	}
	if n := len(s.EventLog()); n != 1 {
		t.Fatalf("expected 1 log entry, got %d", n)
	}
}

func TestListStaleNonFinal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.UpsertGuarded(ctx, UpsertFields{CallSid: "CA-old", Status: calls.CallStatusRinging, EventTime: ts(0)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.UpsertGuarded(ctx, UpsertFields{CallSid: "CA-new", Status: calls.CallStatusRinging, EventTime: ts(30)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.UpsertGuarded(ctx, UpsertFields{CallSid: "CA-done", Status: calls.CallStatusCompleted, EventTime: ts(0)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	stale, err := s.ListStaleNonFinal(ctx, ts(20), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stale) != 1 || stale[0].CallSid != "CA-old" {
		t.Fatalf("expected only CA-old stale, got %v", stale)
	}
}
