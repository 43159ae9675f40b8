package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/granary-farm/granary/cmd/granary/cli"
	"github.com/granary-farm/granary/internal/app"
	"github.com/granary-farm/granary/internal/platform/cache"
	"github.com/granary-farm/granary/internal/platform/db"
)

const usage = `usage: granary <command>

commands:
  reconcile            reconcile the permission catalog in-process
  audit-stats [-days]  print audit trail statistics
  jobs trigger <type>  enqueue a background job
  jobs stats           show queue counters
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping cli startup")
		return
	}
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	switch os.Args[1] {
	case "reconcile":
		pool, redisClient, cleanup, err := connect(ctx, cfg, logger)
		if err != nil {
			os.Exit(1)
		}
		defer cleanup()
		if err := cli.RunReconcile(ctx, pool, redisClient, logger); err != nil {
			logger.Error("reconcile", slog.Any("error", err))
			os.Exit(1)
		}
	case "audit-stats":
		fs := flag.NewFlagSet("audit-stats", flag.ExitOnError)
		days := fs.Int("days", 30, "window in days")
		_ = fs.Parse(os.Args[2:])
		pool, _, cleanup, err := connect(ctx, cfg, logger)
		if err != nil {
			os.Exit(1)
		}
		defer cleanup()
		if err := cli.PrintAuditStats(ctx, pool, *days); err != nil {
			logger.Error("audit stats", slog.Any("error", err))
			os.Exit(1)
		}
	case "jobs":
		if len(os.Args) < 3 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
		if err != nil {
			logger.Error("jobs cli", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = jobsCLI.Close() }()
		switch os.Args[2] {
		case "trigger":
			if len(os.Args) < 4 {
				fmt.Fprint(os.Stderr, usage)
				os.Exit(2)
			}
			info, err := jobsCLI.Trigger(ctx, os.Args[3])
			if err != nil {
				logger.Error("trigger job", slog.Any("error", err))
				os.Exit(1)
			}
			fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		case "stats":
			stats, err := jobsCLI.Stats()
			if err != nil {
				logger.Error("queue stats", slog.Any("error", err))
				os.Exit(1)
			}
			fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
				stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		default:
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func connect(ctx context.Context, cfg *app.Config, logger *slog.Logger) (*pgxpool.Pool, *redis.Client, func(), error) {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return nil, nil, nil, err
	}
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		pool.Close()
		return nil, nil, nil, err
	}
	cleanup := func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
		pool.Close()
	}
	return pool, redisClient, cleanup, nil
}
