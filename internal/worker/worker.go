package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"callsync/internal/events"
	"callsync/internal/inbox"
)

// Worker is the inbox drive loop: claim a batch, normalize, apply,
// ack. One loop per process; horizontal scaling is additional processes,
// which is safe because claiming is exclusive (skip-locked).
type Worker struct {
	inbox inbox.Repository
	norm  *events.Normalizer
	app   *Applier
	log   *slog.Logger

	batchSize     int
	pollInterval  time.Duration
	staleInterval time.Duration

	// staleCheck is the stale-call safety net, invoked from within the
	// same loop on its own cadence. Optional.
	staleCheck func(ctx context.Context) error
}

// Options tunes the drive loop. Zero values fall back to defaults.
type Options struct {
	BatchSize     int
	PollInterval  time.Duration
	StaleInterval time.Duration
	StaleCheck    func(ctx context.Context) error
}

func New(repo inbox.Repository, norm *events.Normalizer, app *Applier, log *slog.Logger, opts Options) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.StaleInterval <= 0 {
		opts.StaleInterval = 5 * time.Minute
	}
	return &Worker{
		inbox:         repo,
		norm:          norm,
		app:           app,
		log:           log,
		batchSize:     opts.BatchSize,
		pollInterval:  opts.PollInterval,
		staleInterval: opts.StaleInterval,
		staleCheck:    opts.StaleCheck,
	}
}

// Run drives the loop until ctx is canceled. Shutdown is cooperative:
// the in-flight batch finishes, then Run returns ctx.Err().
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("inbox worker started",
		"batch_size", w.batchSize, "poll_interval", w.pollInterval)

	lastStale := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			w.log.Info("inbox worker stopped")
			return err
		}

		n, err := w.RunOnce(ctx)
		if err != nil {
			w.log.Error("claim batch failed", "err", err)
		}

		if w.staleCheck != nil && time.Since(lastStale) >= w.staleInterval {
			lastStale = time.Now()
			if err := w.staleCheck(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.log.Error("stale check failed", "err", err)
			}
		}

		// Drain-then-wait: re-poll immediately while the inbox has work.
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			w.log.Info("inbox worker stopped")
			return ctx.Err()
		case <-time.After(w.pollInterval):
		}
	}
}

// RunOnce claims and processes a single batch. Returns the number of
// events claimed. Exposed for tests and one-shot maintenance runs.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	batch, err := w.inbox.ClaimBatch(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}

	for _, e := range batch {
		// Per-event isolation: one bad event never aborts the batch.
		if err := w.processOne(ctx, e); err != nil {
			w.log.Error("inbox event failed",
				"event_id", e.ID, "source", e.Source, "attempts", e.Attempts, "err", err)
			if markErr := w.inbox.MarkFailed(ctx, e.ID, err.Error()); markErr != nil {
				w.log.Error("mark failed errored", "event_id", e.ID, "err", markErr)
			}
			continue
		}
		if err := w.inbox.MarkProcessed(ctx, e.ID); err != nil {
			w.log.Error("mark processed errored", "event_id", e.ID, "err", err)
		}
	}
	return len(batch), nil
}

func (w *Worker) processOne(ctx context.Context, e inbox.InboxEvent) error {
	switch e.Source {
	case events.SourceVoice:
		ev, err := w.norm.Voice([]byte(e.Payload))
		if err != nil {
			return err
		}
		_, err = w.app.ApplyVoice(ctx, ev, false)
		return err
	case events.SourceRecording:
		ev, err := w.norm.Recording([]byte(e.Payload))
		if err != nil {
			return err
		}
		_, err = w.app.ApplyRecording(ctx, ev)
		return err
	case events.SourceTranscription:
		ev, err := w.norm.Transcription([]byte(e.Payload))
		if err != nil {
			return err
		}
		return w.app.ApplyTranscription(ctx, ev)
	default:
		return fmt.Errorf("worker: unknown event source %q", e.Source)
	}
}
