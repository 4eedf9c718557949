package worker

import (
	"context"
	"testing"
	"time"

	"callsync/internal/calls"
	"callsync/internal/events"
	"callsync/internal/inbox"
	"callsync/internal/legs"
	"callsync/internal/notify"
	"callsync/internal/snapshot"
)

func newWorker(repo inbox.Repository) (*Worker, *snapshot.MemoryStore) {
	store := snapshot.NewMemoryStore()
	pub := notify.NewMemoryPublisher()
	app := NewApplier(store, legs.NewReconciler(store, pub, nil), pub, nil)
	norm := events.NewNormalizer([]string{"+15550100"})
	w := New(repo, norm, app, nil, Options{BatchSize: 10, PollInterval: 5 * time.Millisecond})
	return w, store
}

func land(t *testing.T, repo inbox.Repository, source events.Source, key, payload string) *inbox.InboxEvent {
	t.Helper()
	row, err := repo.Insert(context.Background(), inbox.InboxEvent{
		Source:         source,
		EventType:      string(source),
		IdempotencyKey: key,
		Payload:        payload,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if row == nil {
		t.Fatalf("unexpected duplicate for key %s", key)
	}
	return row
}

func TestRunOnce_ProcessesVoiceEvent(t *testing.T) {
	repo := inbox.NewMemoryRepository()
	w, store := newWorker(repo)

	row := land(t, repo, events.SourceVoice, "CA1:ringing:1",
		`{"CallSid":"CA1","CallStatus":"ringing","From":"+15559999","To":"+15550100","SequenceNumber":"1"}`)

	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 1 {
		t.Fatalf("claimed %d", n)
	}

	snap, _ := store.Get(context.Background(), "CA1")
	if snap == nil || snap.Status != calls.CallStatusRinging {
		t.Fatalf("snapshot not written: %+v", snap)
	}
	if snap.Direction != calls.DirectionInbound {
		t.Fatalf("direction %q", snap.Direction)
	}

	got, ok := repo.Get(row.ID)
	if !ok || got.Status != inbox.StatusProcessed {
		t.Fatalf("event not acked: %+v", got)
	}
}

func TestRunOnce_BadPayloadMarkedFailed(t *testing.T) {
	repo := inbox.NewMemoryRepository()
	w, _ := newWorker(repo)

	bad := land(t, repo, events.SourceVoice, "bad:1", `{not json`)
	good := land(t, repo, events.SourceVoice, "CA2:queued:0", `{"CallSid":"CA2","CallStatus":"queued"}`)

	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 2 {
		t.Fatalf("claimed %d", n)
	}

	badRow, _ := repo.Get(bad.ID)
	if badRow.Status != inbox.StatusFailed {
		t.Fatalf("bad event status %q", badRow.Status)
	}
	if badRow.ErrorText == "" {
		t.Fatal("error text not recorded")
	}
	goodRow, _ := repo.Get(good.ID)
	if goodRow.Status != inbox.StatusProcessed {
		t.Fatalf("good event status %q", goodRow.Status)
	}
}

func TestRunOnce_UnknownSourceFails(t *testing.T) {
	repo := inbox.NewMemoryRepository()
	w, _ := newWorker(repo)

	row := land(t, repo, "carrier-pigeon", "x:1", `{}`)

	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	got, _ := repo.Get(row.ID)
	if got.Status != inbox.StatusFailed {
		t.Fatalf("status %q", got.Status)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	repo := inbox.NewMemoryRepository()
	w, store := newWorker(repo)

	land(t, repo, events.SourceVoice, "CA1:completed:9",
		`{"CallSid":"CA1","CallStatus":"completed","CallDuration":"30"}`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		snap, _ := store.Get(context.Background(), "CA1")
		if snap != nil && snap.IsFinal {
			break
		}
		select {
		case <-deadline:
			t.Fatal("event never processed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRun_StaleCheckCadence(t *testing.T) {
	repo := inbox.NewMemoryRepository()
	store := snapshot.NewMemoryStore()
	pub := notify.NewMemoryPublisher()
	app := NewApplier(store, legs.NewReconciler(store, pub, nil), pub, nil)

	invoked := make(chan struct{}, 16)
	w := New(repo, events.NewNormalizer(nil), app, nil, Options{
		PollInterval:  time.Millisecond,
		StaleInterval: 10 * time.Millisecond,
		StaleCheck: func(context.Context) error {
			select {
			case invoked <- struct{}{}:
			default:
			}
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	select {
	case <-invoked:
	case <-time.After(2 * time.Second):
		t.Fatal("stale check never invoked")
	}
}
