package cli

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/granary-farm/granary/internal/audit"
)

// PrintAuditStats summarises audit trail activity over the window.
func PrintAuditStats(ctx context.Context, pool *pgxpool.Pool, windowDays int) error {
	trail := audit.NewService(audit.NewRepository(pool))
	stats, err := trail.Statistics(ctx, windowDays)
	if err != nil {
		return err
	}
	fmt.Printf("audit: %d changes over %d days\n", stats.TotalChanges, stats.WindowDays)
	for changeType, count := range stats.ByType {
		fmt.Printf("  %-10s %d\n", changeType, count)
	}
	if len(stats.TopActors) > 0 {
		fmt.Println("top actors:")
		for _, actor := range stats.TopActors {
			fmt.Printf("  actor %d: %d\n", actor.ActorID, actor.Count)
		}
	}
	for _, day := range stats.DailyTrend {
		fmt.Printf("  %s %d\n", day.Day.Format("2006-01-02"), day.Count)
	}
	return nil
}
