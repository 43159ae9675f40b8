package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/granary-farm/granary/internal/audit"
	"github.com/granary-farm/granary/internal/authz"
	"github.com/granary-farm/granary/jobs"
)

// RunReconcile reconciles the catalog in-process, bypassing the queue.
// Useful on deploy before the worker is up.
func RunReconcile(ctx context.Context, pool *pgxpool.Pool, redisClient *redis.Client, logger *slog.Logger) error {
	repo := authz.NewRepository(pool)
	decisions := authz.NewDecisionCache(redisClient, 0)
	trail := audit.NewService(audit.NewRepository(pool))
	discovery := authz.NewDiscovery(repo, decisions, trail, logger)

	observed, err := jobs.ManifestOperations()
	if err != nil {
		return err
	}
	result, err := discovery.Reconcile(ctx, observed)
	if err != nil {
		return err
	}
	fmt.Printf("reconcile %s: created=%d reactivated=%d archived=%d\n",
		result.RunID, result.Created, result.Reactivated, result.Archived)
	return nil
}
