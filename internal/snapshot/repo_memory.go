package snapshot

import (
	"context"
	"sort"
	"sync"
	"time"

	"callsync/internal/calls"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests. It mirrors the merge
// semantics of the Postgres implementation.
type MemoryStore struct {
	mu    sync.Mutex
	snaps map[string]*calls.CallSnapshot
	log   []calls.CallEventLog
	seen  map[string]struct{}
	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snaps: make(map[string]*calls.CallSnapshot),
		seen:  make(map[string]struct{}),
		clock: time.Now,
	}
}

// WithClock overrides the store clock. Test helper.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Get(_ context.Context, callSid string) (*calls.CallSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[callSid]
	if !ok {
		return nil, nil
	}
	cp := *snap
	return &cp, nil
}

func (s *MemoryStore) UpsertGuarded(_ context.Context, f UpsertFields) (*calls.CallSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	isFinal := calls.IsFinal(f.Status)

	cur, exists := s.snaps[f.CallSid]
	if !exists {
		snap := &calls.CallSnapshot{
			CallSid:         f.CallSid,
			ParentCallSid:   f.ParentCallSid,
			Status:          f.Status,
			IsFinal:         isFinal,
			Direction:       f.Direction,
			FromNumber:      f.FromNumber,
			ToNumber:        f.ToNumber,
			StartedAt:       f.StartedAt,
			AnsweredAt:      f.AnsweredAt,
			EndedAt:         f.EndedAt,
			DurationSeconds: f.DurationSeconds,
			PriceMicro:      f.PriceMicro,
			Currency:        f.Currency,
			ContactID:       f.ContactID,
			LastEventTime:   f.EventTime.UTC(),
			RawLastPayload:  f.RawPayload,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if snap.Direction == "" {
			snap.Direction = calls.DirectionUnknown
		}
		if isFinal {
			snap.FinalizedAt = &now
		}
		s.snaps[f.CallSid] = snap
		cp := *snap
		return &cp, nil
	}

	if f.EventTime.UTC().Before(cur.LastEventTime) && !f.Authoritative {
		// Guard rejection.
		return nil, nil
	}

	if f.ParentCallSid != "" {
		cur.ParentCallSid = f.ParentCallSid
	}
	cur.Status = f.Status
	cur.IsFinal = isFinal
	if f.Direction != "" && f.Direction != calls.DirectionUnknown {
		cur.Direction = f.Direction
	}
	if f.FromNumber != "" {
		cur.FromNumber = f.FromNumber
	}
	if f.ToNumber != "" {
		cur.ToNumber = f.ToNumber
	}
	if cur.StartedAt == nil {
		cur.StartedAt = f.StartedAt
	}
	if f.AnsweredAt != nil {
		cur.AnsweredAt = f.AnsweredAt
	}
	if f.EndedAt != nil {
		cur.EndedAt = f.EndedAt
	}
	if f.DurationSeconds > 0 {
		cur.DurationSeconds = f.DurationSeconds
	}
	if f.PriceMicro != 0 {
		cur.PriceMicro = f.PriceMicro
	}
	if f.Currency != "" {
		cur.Currency = f.Currency
	}
	if f.ContactID != "" {
		cur.ContactID = f.ContactID
	}
	if f.EventTime.UTC().After(cur.LastEventTime) {
		cur.LastEventTime = f.EventTime.UTC()
	}
	if isFinal && cur.FinalizedAt == nil {
		cur.FinalizedAt = &now
	}
	if f.RawPayload != "" {
		cur.RawLastPayload = f.RawPayload
	}
	cur.UpdatedAt = now

	cp := *cur
	return &cp, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, e calls.CallEventLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := e.CallSid + "|" + e.Type + "|" + e.EventTime.UTC().Format(time.RFC3339Nano)
	if _, dup := s.seen[key]; dup {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	s.seen[key] = struct{}{}
	s.log = append(s.log, e)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, callSid string) ([]calls.CallEventLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []calls.CallEventLog
	for _, e := range s.log {
		if e.CallSid == callSid {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventTime.Before(out[j].EventTime) })
	return out, nil
}

func (s *MemoryStore) ListChildren(_ context.Context, parentSid string) ([]calls.CallSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []calls.CallSnapshot
	for _, snap := range s.snaps {
		if snap.ParentCallSid == parentSid {
			out = append(out, *snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CallSid < out[j].CallSid })
	return out, nil
}

func (s *MemoryStore) ListNonFinalSince(_ context.Context, since time.Time, limit int) ([]calls.CallSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []calls.CallSnapshot
	for _, snap := range s.snaps {
		if !snap.IsFinal && !snap.CreatedAt.Before(since) {
			out = append(out, *snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return clip(out, limit), nil
}

func (s *MemoryStore) ListFinalizedBetween(_ context.Context, from, to time.Time, limit int) ([]calls.CallSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []calls.CallSnapshot
	for _, snap := range s.snaps {
		if snap.IsFinal && snap.FinalizedAt != nil &&
			!snap.FinalizedAt.Before(from) && !snap.FinalizedAt.After(to) {
			out = append(out, *snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FinalizedAt.Before(*out[j].FinalizedAt) })
	return clip(out, limit), nil
}

func (s *MemoryStore) ListStaleNonFinal(_ context.Context, cutoff time.Time, limit int) ([]calls.CallSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []calls.CallSnapshot
	for _, snap := range s.snaps {
		if !snap.IsFinal && snap.LastEventTime.Before(cutoff) {
			out = append(out, *snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastEventTime.Before(out[j].LastEventTime) })
	return clip(out, limit), nil
}

// EventLog returns a copy of the append-only log. Test helper.
func (s *MemoryStore) EventLog() []calls.CallEventLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]calls.CallEventLog, len(s.log))
	copy(out, s.log)
	return out
}

func clip(in []calls.CallSnapshot, limit int) []calls.CallSnapshot {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}
