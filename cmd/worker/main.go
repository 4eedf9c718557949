package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"callsync/internal/config"
	"callsync/internal/events"
	"callsync/internal/inbox"
	"callsync/internal/legs"
	"callsync/internal/notify"
	"callsync/internal/provider"
	"callsync/internal/recon"
	"callsync/internal/snapshot"
	"callsync/internal/worker"
	"callsync/pkg/logger"
	"callsync/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	// Cold backfill is one-shot by design: run with -backfill-start/-end,
	// the process exits when the range is drained.
	backfillStart := flag.String("backfill-start", "", "run a one-shot backfill from this date (YYYY-MM-DD) and exit")
	backfillEnd := flag.String("backfill-end", "", "backfill end date (YYYY-MM-DD), inclusive")
	flag.Parse()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	twilio, err := provider.NewTwilioClient(provider.TwilioOptions{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		BaseURL:    cfg.Twilio.BaseURL,
	})
	if err != nil {
		log.Error("twilio client init failed", "err", err)
		os.Exit(1)
	}

	// Explicit dependency graph, leaves first: store and publisher, then
	// the reconciler and applier, then the loops that drive them.
	store := snapshot.NewPGStore(db)
	inboxRepo := inbox.NewPGRepository(db)
	pub := notify.NewRedisPublisher(rdb, cfg.Redis.Channel)
	norm := events.NewNormalizer(cfg.App.InternalNumbers)
	reconciler := legs.NewReconciler(store, pub, log)
	applier := worker.NewApplier(store, reconciler, pub, log)

	poller := recon.NewPoller(store, twilio, norm, applier, recon.NewRedisLocker(rdb), log, recon.Options{
		HotInterval:     cfg.Recon.HotInterval,
		WarmInterval:    cfg.Recon.WarmInterval,
		HotWindow:       cfg.Recon.HotWindow,
		WarmWindow:      cfg.Recon.WarmWindow,
		StaleThreshold:  cfg.Recon.StaleThreshold,
		FreezeCooldown:  cfg.Recon.FreezeCooldown,
		RateDelay:       cfg.Recon.RateDelay,
		BatchLimit:      cfg.Recon.BatchLimit,
		ColdPageCeiling: cfg.Recon.ColdPageCeiling,
	})

	if *backfillStart != "" {
		runBackfill(rootCtx, log, poller, *backfillStart, *backfillEnd)
		return
	}

	w := worker.New(inboxRepo, norm, applier, log, worker.Options{
		BatchSize:     cfg.Worker.BatchSize,
		PollInterval:  cfg.Worker.PollInterval,
		StaleInterval: cfg.Worker.StaleInterval,
		StaleCheck:    poller.StaleCheck,
	})

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(rootCtx); err != nil && err != context.Canceled {
				log.Error("loop exited", "loop", name, "err", err)
				stop()
			}
		}()
	}

	run("inbox-worker", w.Run)
	run("recon-hot", poller.RunHot)
	run("recon-warm", poller.RunWarm)

	<-rootCtx.Done()
	log.Info("shutdown initiated")
	wg.Wait()
	log.Info("shutdown complete")
}

func runBackfill(ctx context.Context, log *slog.Logger, poller *recon.Poller, startRaw, endRaw string) {
	start, err := time.Parse("2006-01-02", startRaw)
	if err != nil {
		log.Error("invalid -backfill-start", "value", startRaw, "err", err)
		os.Exit(2)
	}
	end := time.Now().UTC()
	if endRaw != "" {
		end, err = time.Parse("2006-01-02", endRaw)
		if err != nil {
			log.Error("invalid -backfill-end", "value", endRaw, "err", err)
			os.Exit(2)
		}
		// Inclusive end date.
		end = end.Add(24 * time.Hour)
	}

	applied, err := poller.Backfill(ctx, start, end)
	if err != nil {
		log.Error("backfill failed", "applied", applied, "err", err)
		os.Exit(1)
	}
	log.Info("backfill complete", "applied", applied)
}
