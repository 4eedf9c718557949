package inbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory Repository for tests and local runs.
// Claim exclusivity is approximated with a mutex; the Postgres
// implementation relies on SKIP LOCKED instead.
type MemoryRepository struct {
	mu     sync.Mutex
	events map[string]*InboxEvent
	byKey  map[string]string
	clock  func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		events: make(map[string]*InboxEvent),
		byKey:  make(map[string]string),
		clock:  time.Now,
	}
}

func (r *MemoryRepository) Insert(_ context.Context, e InboxEvent) (*InboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byKey[e.IdempotencyKey]; dup {
		return nil, nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = StatusReceived
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = r.clock().UTC()
	}
	cp := e
	r.events[e.ID] = &cp
	r.byKey[e.IdempotencyKey] = e.ID
	out := cp
	return &out, nil
}

func (r *MemoryRepository) ClaimBatch(_ context.Context, n int) ([]InboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*InboxEvent
	for _, e := range r.events {
		if e.Status == StatusReceived || e.Status == StatusFailed {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ReceivedAt.Before(candidates[j].ReceivedAt)
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}

	out := make([]InboxEvent, 0, len(candidates))
	for _, e := range candidates {
		e.Status = StatusProcessing
		e.Attempts++
		out = append(out, *e)
	}
	return out, nil
}

func (r *MemoryRepository) MarkProcessed(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.events[id]
	if !ok {
		return ErrNotFound
	}
	now := r.clock().UTC()
	e.Status = StatusProcessed
	e.ProcessedAt = &now
	e.ErrorText = ""
	return nil
}

func (r *MemoryRepository) MarkFailed(_ context.Context, id, errText string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.events[id]
	if !ok {
		return ErrNotFound
	}
	e.ErrorText = errText
	if e.Attempts >= MaxAttempts {
		e.Status = StatusDead
		return nil
	}
	e.Status = StatusFailed
	return nil
}

// Get returns a copy of one event. Test helper.
func (r *MemoryRepository) Get(id string) (InboxEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return InboxEvent{}, false
	}
	return *e, true
}
