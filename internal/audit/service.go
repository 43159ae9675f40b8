package audit

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// RepositoryPort defines data access needed by the service.
type RepositoryPort interface {
	Insert(ctx context.Context, change Change) error
	List(ctx context.Context, filters Filters, limit int) ([]Record, error)
	Window(ctx context.Context, from time.Time) ([]Record, error)
}

// Service coordinates the audit trail.
type Service struct {
	repo RepositoryPort
	now  func() time.Time
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo, now: time.Now}
}

// RecordChange appends one immutable record.
func (s *Service) RecordChange(ctx context.Context, change Change) error {
	if s == nil || s.repo == nil {
		return fmt.Errorf("audit: repository not configured")
	}
	if change.Type == "" {
		return fmt.Errorf("audit: change type required")
	}
	return s.repo.Insert(ctx, change)
}

// Query returns matching records newest-first.
func (s *Service) Query(ctx context.Context, filters Filters, limit int) ([]Record, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return s.repo.List(ctx, filters, limit)
}

// Statistics scans the window and groups in memory. Audit volume is small
// next to decision volume, so no materialized rollup is kept.
func (s *Service) Statistics(ctx context.Context, windowDays int) (Stats, error) {
	if s == nil || s.repo == nil {
		return Stats{}, fmt.Errorf("audit: repository not configured")
	}
	if windowDays <= 0 {
		windowDays = 30
	}
	from := s.now().AddDate(0, 0, -windowDays)
	records, err := s.repo.Window(ctx, from)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		WindowDays: windowDays,
		ByType:     make(map[ChangeType]int),
	}
	actorCounts := make(map[int64]int)
	dayCounts := make(map[time.Time]int)
	for _, rec := range records {
		stats.TotalChanges++
		stats.ByType[rec.Type]++
		if rec.ActorID != nil {
			actorCounts[*rec.ActorID]++
		}
		day := rec.CreatedAt.UTC().Truncate(24 * time.Hour)
		dayCounts[day]++
	}

	for actorID, count := range actorCounts {
		stats.TopActors = append(stats.TopActors, ActorCount{ActorID: actorID, Count: count})
	}
	sort.Slice(stats.TopActors, func(i, j int) bool {
		if stats.TopActors[i].Count != stats.TopActors[j].Count {
			return stats.TopActors[i].Count > stats.TopActors[j].Count
		}
		return stats.TopActors[i].ActorID < stats.TopActors[j].ActorID
	})
	if len(stats.TopActors) > 10 {
		stats.TopActors = stats.TopActors[:10]
	}

	for day, count := range dayCounts {
		stats.DailyTrend = append(stats.DailyTrend, DayCount{Day: day, Count: count})
	}
	sort.Slice(stats.DailyTrend, func(i, j int) bool {
		return stats.DailyTrend[i].Day.Before(stats.DailyTrend[j].Day)
	})

	return stats, nil
}
