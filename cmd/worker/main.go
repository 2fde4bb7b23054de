package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"marketjobs/internal/config"
	"marketjobs/internal/ingest"
	"marketjobs/internal/models"
	"marketjobs/internal/orchestrator"
	"marketjobs/internal/queue"
	"marketjobs/internal/store"
	"marketjobs/internal/telemetry"
	"marketjobs/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	logger = logger.With("component", "worker", "worker_id", workerID)
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("run migrations", "error", err)
		os.Exit(1)
	}

	q := queue.NewRedis(cfg)
	defer q.Close()

	uploader, err := ingest.NewUploader(ctx, cfg.Ingest)
	if err != nil {
		logger.Error("init artifact store", "error", err)
		os.Exit(1)
	}

	// Alpaca serves when credentials are present; Yahoo needs none and
	// backstops it.
	var fetchers []ingest.Fetcher
	if alpaca := ingest.NewAlpaca(cfg.Ingest); alpaca.Configured() {
		fetchers = append(fetchers, alpaca)
	}
	fetchers = append(fetchers, ingest.NewYahoo(cfg.Ingest))
	handlers := ingest.New(cfg.Ingest, ingest.NewChain(logger, fetchers...), st, uploader, logger)

	orch := orchestrator.New(cfg, st, q, logger)
	orch.Register(models.TypePricesDaily, handlers.PricesDaily)
	orch.Register(models.TypePricesBackfill, handlers.PricesBackfill)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	proc := worker.New(cfg, q, orch, logger)
	logger.Info("worker started",
		"concurrency", cfg.Worker.Concurrency,
		"visibility", cfg.Queue.VisibilityTimeout.String(),
		"max_attempts", cfg.Jobs.MaxAttempts)
	if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
