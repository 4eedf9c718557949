package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"callsync/internal/calls"
	"callsync/internal/events"
	"callsync/internal/provider"
	"callsync/internal/snapshot"
	"callsync/internal/worker"
)

// Poller repairs snapshot state the webhook path missed, by re-driving
// the same decide/persist/notify pipeline from the provider's fetch API.
//
// Three tiers plus a safety net:
//   - hot: non-final calls younger than the hot window, every ~1m
//   - warm: calls finalized within the warm window, every ~15m (late
//     duration/price corrections)
//   - cold: on-demand historical backfill over a date range
//   - stale: calls non-final past a threshold get force-refreshed
//
// All tiers write through the Applier, so a poller result can never
// resurrect or regress a correctly final snapshot.
type Poller struct {
	store    snapshot.Store
	client   provider.Client
	norm     *events.Normalizer
	app      *worker.Applier
	locker   Locker
	log      *slog.Logger
	opts     Options
	clock    func() time.Time
}

// Options tunes the poller tiers. Zero values fall back to defaults.
type Options struct {
	HotInterval  time.Duration // default 1m
	WarmInterval time.Duration // default 15m

	HotWindow  time.Duration // default 24h
	WarmWindow time.Duration // default 6h

	// StaleThreshold is how long a call may stay non-final before the
	// safety net force-refreshes it. Default 10m.
	StaleThreshold time.Duration

	// FreezeCooldown is how long after finalization a call keeps being
	// re-checked by the warm tier; past it the row is frozen. Default 6h.
	FreezeCooldown time.Duration

	// RateDelay is the fixed pause between sequential provider calls,
	// a client-side per-tier budget. Default 250ms.
	RateDelay time.Duration

	// BatchLimit bounds how many snapshots one round touches. Default 100.
	BatchLimit int

	// ColdPageCeiling bounds a backfill's worst-case run time. Default 50.
	ColdPageCeiling int
}

func (o Options) withDefaults() Options {
	if o.HotInterval <= 0 {
		o.HotInterval = time.Minute
	}
	if o.WarmInterval <= 0 {
		o.WarmInterval = 15 * time.Minute
	}
	if o.HotWindow <= 0 {
		o.HotWindow = 24 * time.Hour
	}
	if o.WarmWindow <= 0 {
		o.WarmWindow = 6 * time.Hour
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 10 * time.Minute
	}
	if o.FreezeCooldown <= 0 {
		o.FreezeCooldown = 6 * time.Hour
	}
	if o.RateDelay <= 0 {
		o.RateDelay = 250 * time.Millisecond
	}
	if o.BatchLimit <= 0 {
		o.BatchLimit = 100
	}
	if o.ColdPageCeiling <= 0 {
		o.ColdPageCeiling = 50
	}
	return o
}

func NewPoller(store snapshot.Store, client provider.Client, norm *events.Normalizer, app *worker.Applier, locker Locker, log *slog.Logger, opts Options) *Poller {
	if log == nil {
		log = slog.Default()
	}
	if locker == nil {
		locker = NoopLocker{}
	}
	return &Poller{
		store:  store,
		client: client,
		norm:   norm,
		app:    app,
		locker: locker,
		log:    log,
		opts:   opts.withDefaults(),
		clock:  time.Now,
	}
}

// RunHot drives the hot tier until ctx is canceled.
func (p *Poller) RunHot(ctx context.Context) error {
	return p.runTier(ctx, "hot", p.opts.HotInterval, p.HotOnce)
}

// RunWarm drives the warm tier until ctx is canceled.
func (p *Poller) RunWarm(ctx context.Context) error {
	return p.runTier(ctx, "warm", p.opts.WarmInterval, p.WarmOnce)
}

func (p *Poller) runTier(ctx context.Context, name string, interval time.Duration, round func(context.Context) error) error {
	p.log.Info("reconciliation poller started", "tier", name, "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("reconciliation poller stopped", "tier", name)
			return ctx.Err()
		case <-ticker.C:
			if err := round(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.log.Error("poller round failed", "tier", name, "err", err)
			}
		}
	}
}

// HotOnce re-fetches every non-final call younger than the hot window.
func (p *Poller) HotOnce(ctx context.Context) error {
	return p.withLock(ctx, "recon:hot", p.opts.HotInterval, func(ctx context.Context) error {
		since := p.clock().UTC().Add(-p.opts.HotWindow)
		snaps, err := p.store.ListNonFinalSince(ctx, since, p.opts.BatchLimit)
		if err != nil {
			return err
		}
		p.refreshAll(ctx, snaps)
		return nil
	})
}

// WarmOnce re-checks recently finalized calls for late corrections.
func (p *Poller) WarmOnce(ctx context.Context) error {
	return p.withLock(ctx, "recon:warm", p.opts.WarmInterval, func(ctx context.Context) error {
		now := p.clock().UTC()
		snaps, err := p.store.ListFinalizedBetween(ctx, now.Add(-p.opts.WarmWindow), now, p.opts.BatchLimit)
		if err != nil {
			return err
		}
		// Frozen rows are settled; late corrections past the cooldown
		// are not worth the provider budget.
		active := snaps[:0]
		for _, s := range snaps {
			if !calls.FreezeEligible(s, now, p.opts.FreezeCooldown) {
				active = append(active, s)
			}
		}
		p.refreshAll(ctx, active)
		return nil
	})
}

// StaleCheck is the safety net for calls stuck non-final past the
// threshold. For a parent with children it first force-refreshes each
// non-final child and re-runs leg reconciliation; only if the parent is
// still non-final after that is it fetched directly.
func (p *Poller) StaleCheck(ctx context.Context) error {
	cutoff := p.clock().UTC().Add(-p.opts.StaleThreshold)
	snaps, err := p.store.ListStaleNonFinal(ctx, cutoff, p.opts.BatchLimit)
	if err != nil {
		return err
	}

	for _, s := range snaps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.resolveStale(ctx, s); err != nil {
			// Per-call isolation: one bad call never aborts the pass.
			p.log.Error("stale resolution failed", "call_sid", s.CallSid, "err", err)
		}
		p.pause(ctx)
	}
	return nil
}

func (p *Poller) resolveStale(ctx context.Context, s calls.CallSnapshot) error {
	if s.IsParent() {
		children, err := p.store.ListChildren(ctx, s.CallSid)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			for _, c := range children {
				if c.IsFinal {
					continue
				}
				if err := p.refreshCall(ctx, c.CallSid); err != nil {
					p.log.Error("stale child refresh failed", "call_sid", c.CallSid, "err", err)
				}
				p.pause(ctx)
			}
			p.app.ReconcileLegs(ctx, &s)

			cur, err := p.store.Get(ctx, s.CallSid)
			if err != nil {
				return err
			}
			if cur != nil && cur.IsFinal {
				return nil
			}
		}
	}
	return p.refreshCall(ctx, s.CallSid)
}

// Backfill pages the provider's call list over [start, end] and applies
// every record. On-demand only: initial population or outage recovery.
// Returns the number of calls applied.
func (p *Poller) Backfill(ctx context.Context, start, end time.Time) (int, error) {
	p.log.Info("backfill started", "start", start, "end", end)

	applied := 0
	for page := 0; page < p.opts.ColdPageCeiling; page++ {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		details, more, err := p.client.ListCalls(ctx, start, end, page)
		if err != nil {
			return applied, fmt.Errorf("recon: backfill page %d: %w", page, err)
		}
		for _, d := range details {
			ev := p.norm.FromCallDetail(d)
			if _, err := p.app.ApplyVoice(ctx, ev, true); err != nil {
				p.log.Error("backfill apply failed", "call_sid", d.Sid, "err", err)
				continue
			}
			applied++
		}
		if !more {
			break
		}
		p.pause(ctx)
	}

	p.log.Info("backfill finished", "applied", applied)
	return applied, nil
}

func (p *Poller) refreshAll(ctx context.Context, snaps []calls.CallSnapshot) {
	for _, s := range snaps {
		if ctx.Err() != nil {
			return
		}
		if err := p.refreshCall(ctx, s.CallSid); err != nil {
			p.log.Error("refresh failed", "call_sid", s.CallSid, "err", err)
		}
		p.pause(ctx)
	}
}

// refreshCall fetches one call from the provider and applies the
// authoritative result. A definitive 404 means the call never existed;
// it is force-finalized as failed rather than retried.
func (p *Poller) refreshCall(ctx context.Context, sid string) error {
	d, err := p.client.FetchCall(ctx, sid)
	if err != nil {
		if errors.Is(err, provider.ErrCallNotFound) {
			return p.forceFail(ctx, sid)
		}
		return err
	}
	ev := p.norm.FromCallDetail(d)
	_, err = p.app.ApplyVoice(ctx, ev, true)
	return err
}

func (p *Poller) forceFail(ctx context.Context, sid string) error {
	p.log.Warn("provider reports call not found, finalizing as failed", "call_sid", sid)
	ev := events.VoiceEvent{
		CallSid:     sid,
		Status:      calls.CallStatusFailed,
		StatusKnown: true,
		RawStatus:   string(calls.CallStatusFailed),
		EventTime:   p.clock().UTC(),
	}
	_, err := p.app.ApplyVoice(ctx, ev, true)
	return err
}

// withLock keeps a tier single-flight across processes. Lock contention
// is not an error: the round is simply skipped.
func (p *Poller) withLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	ok, err := p.locker.TryLock(ctx, key, ttl)
	if err != nil {
		// Lock service trouble must not stop reconciliation; run unlocked.
		p.log.Warn("poller lock unavailable, running unlocked", "key", key, "err", err)
		return fn(ctx)
	}
	if !ok {
		p.log.Debug("poller round skipped, another process holds the lock", "key", key)
		return nil
	}
	defer func() {
		if uerr := p.locker.Unlock(context.WithoutCancel(ctx), key); uerr != nil {
			p.log.Warn("poller unlock failed", "key", key, "err", uerr)
		}
	}()
	return fn(ctx)
}

func (p *Poller) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.opts.RateDelay):
	}
}
