package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"content-autopilot/internal/api"
	"content-autopilot/internal/config"
	"content-autopilot/internal/events"
	"content-autopilot/internal/generate"
	"content-autopilot/internal/ledger"
	"content-autopilot/internal/pipeline"
	"content-autopilot/internal/publish"
	"content-autopilot/internal/ratelimit"
	"content-autopilot/internal/reaper"
	"content-autopilot/internal/review"
	"content-autopilot/internal/store"
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
		signal.Notify(ch, os.Interrupt)
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

	var limiter api.Limiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.New(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	server := api.New(cfg, st, lg, runner, rp, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "store", cfg.StoreDriver)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
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
