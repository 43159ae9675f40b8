package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/granary-farm/granary/internal/app"
	"github.com/granary-farm/granary/internal/audit"
	"github.com/granary-farm/granary/internal/authz"
	jobmetrics "github.com/granary-farm/granary/internal/jobs"
	"github.com/granary-farm/granary/internal/platform/cache"
	"github.com/granary-farm/granary/internal/platform/db"
	"github.com/granary-farm/granary/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := jobmetrics.NewMetrics(registry)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics listener", slog.Any("error", err))
		}
	}()

	repo := authz.NewRepository(pool)
	decisions := authz.NewDecisionCache(redisClient, cfg.DecisionCacheTTL)
	trail := audit.NewService(audit.NewRepository(pool))
	discovery := authz.NewDiscovery(repo, decisions, trail, logger)
	manager := authz.NewManager(repo, decisions, trail, logger)

	reconcileTask, err := jobs.NewReconcileTask("cron")
	if err != nil {
		logger.Error("build reconcile task", slog.Any("error", err))
		os.Exit(1)
	}
	sweepTask, err := jobs.NewExpireSweepTask(25 * time.Hour)
	if err != nil {
		logger.Error("build expire sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAuthzReconcile, Handler: jobs.NewReconcileJob(discovery, metrics, logger).Handle},
			{Type: jobs.TaskAuthzExpireSweep, Handler: jobs.NewExpireSweepJob(manager, metrics, logger).Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReconcileCron, Task: reconcileTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 * * * *", Task: sweepTask},
		},
	})
	if err != nil {
		logger.Error("build worker", slog.Any("error", err))
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		worker.Shutdown()
	}()

	logger.Info("worker starting", slog.String("reconcile_cron", cfg.ReconcileCron))
	if err := worker.Run(); err != nil {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
