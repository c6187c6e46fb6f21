package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"content-autopilot/internal/config"
	"content-autopilot/internal/events"
	"content-autopilot/internal/generate"
	"content-autopilot/internal/ledger"
	"content-autopilot/internal/pipeline"
	"content-autopilot/internal/publish"
	"content-autopilot/internal/reaper"
	"content-autopilot/internal/review"
	"content-autopilot/internal/store"
	"content-autopilot/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	bus, err := events.Connect(cfg.NATSURL, cfg.EventSubject, logger)
	if err != nil {
		logger.Error("connect nats", "err", err)
		os.Exit(1)
	}
	defer bus.Close()

	targets, err := buildTargets(ctx, cfg)
	if err != nil {
		logger.Error("init publish targets", "err", err)
		os.Exit(1)
	}

	lg := ledger.New(st, logger)
	runner := pipeline.NewRunner(pipeline.Options{
		Store:           st,
		Biller:          lg,
		Generator:       generate.NewClient(cfg),
		Reviewer:        review.NewAnalyzer(cfg.MinWordCount),
		Targets:         targets,
		Costs:           pipeline.Costs{Generate: cfg.GenerateCost, Review: cfg.ReviewCost, Publish: cfg.PublishCost},
		ReviewEnabled:   cfg.ReviewEnabled,
		DefaultChannels: cfg.DefaultChannels,
		TrialCredits:    cfg.TrialCredits,
		BatchSize:       cfg.SweepBatchSize,
		Notifier:        bus,
		Log:             logger,
	})

	rp := reaper.New(st, cfg.StaleAfter, cfg.ReaperInterval, bus, logger)
	go func() {
		if err := rp.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("reaper stopped", "err", err)
		}
	}()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()

	logger.Info("worker started",
		"sweep_interval", cfg.SweepInterval,
		"stale_after", cfg.StaleAfter,
		"store", cfg.StoreDriver,
	)
	sweepLoop(ctx, cfg, runner, logger)
}

func sweepLoop(ctx context.Context, cfg config.Config, runner *pipeline.Runner, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sum, err := runner.Sweep(ctx, "")
			if err != nil {
				logger.Error("sweep failed", "err", err)
				continue
			}
			if sum.Processed > 0 {
				logger.Info("sweep finished",
					"processed", sum.Processed,
					"completed", sum.Completed,
					"failed", sum.Failed,
					"skipped", sum.Skipped,
				)
			}
		}
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.StoreDriver == "memory" {
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := pg.RunMigrations(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

func buildTargets(ctx context.Context, cfg config.Config) (*publish.Registry, error) {
	assets, err := publish.NewAssets(ctx, cfg)
	if err != nil {
		return nil, err
	}
	targets := []publish.Target{assets}
	if cfg.WordPressURL != "" {
		targets = append(targets, publish.NewWordPress(cfg.WordPressURL, cfg.WordPressToken))
	}
	if cfg.WebhookURL != "" {
		targets = append(targets, publish.NewWebhook(cfg.WebhookURL, cfg.WebhookToken))
	}
	return publish.NewRegistry(targets...), nil
}
