package notify

import (
	"context"
	"sync"

	"callsync/internal/calls"
)

// ChangeType classifies a snapshot change for downstream consumers.
type ChangeType string

const (
	ChangeStatus     ChangeType = "call.status"
	ChangeLegRollup  ChangeType = "call.leg_rollup"
	ChangeRecording  ChangeType = "call.recording"
	ChangeTranscript ChangeType = "call.transcript"
)

// Publisher fans out one notification per accepted snapshot change.
//
// Publishing is fire-and-forget: implementations and callers must never
// let a publish failure affect a persistence outcome.
type Publisher interface {
	Publish(ctx context.Context, change ChangeType, snap calls.CallSnapshot) error
}

// MemoryPublisher records publishes for tests.
type MemoryPublisher struct {
	mu      sync.Mutex
	changes []Change
}

type Change struct {
	Type     ChangeType
	Snapshot calls.CallSnapshot
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(_ context.Context, change ChangeType, snap calls.CallSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, Change{Type: change, Snapshot: snap})
	return nil
}

// Changes returns a copy of everything published so far.
func (p *MemoryPublisher) Changes() []Change {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Change, len(p.changes))
	copy(out, p.changes)
	return out
}
