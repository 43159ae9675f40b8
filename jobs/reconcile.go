package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/granary-farm/granary/internal/authz"
	jobmetrics "github.com/granary-farm/granary/internal/jobs"
	"github.com/granary-farm/granary/internal/shared"
)

// ReconcileJob runs catalog reconciliation from the manifest.
type ReconcileJob struct {
	discovery *authz.Discovery
	metrics   *jobmetrics.Metrics
	logger    *slog.Logger
}

// NewReconcileJob constructs the job.
func NewReconcileJob(discovery *authz.Discovery, metrics *jobmetrics.Metrics, logger *slog.Logger) *ReconcileJob {
	return &ReconcileJob{discovery: discovery, metrics: metrics, logger: logger}
}

// Handle processes TaskAuthzReconcile tasks.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := j.metrics.Track(TaskAuthzReconcile)
	var payload ReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return tracker.End(asynq.SkipRetry)
	}
	observed, err := ManifestOperations()
	if err != nil {
		// A broken manifest will not fix itself on retry.
		if j.logger != nil {
			j.logger.Error("authz reconcile manifest", slog.Any("error", err))
		}
		return tracker.End(asynq.SkipRetry)
	}
	result, err := j.discovery.Reconcile(ctx, observed)
	if err != nil {
		return tracker.End(err)
	}
	j.metrics.AddTransitions("created", result.Created)
	j.metrics.AddTransitions("reactivated", result.Reactivated)
	j.metrics.AddTransitions("archived", result.Archived)
	if j.logger != nil {
		j.logger.Info("authz reconcile done",
			slog.String("requested_by", payload.RequestedBy),
			slog.String("run", result.RunID),
			slog.Int("created", result.Created),
			slog.Int("reactivated", result.Reactivated),
			slog.Int("archived", result.Archived))
	}
	return tracker.End(nil)
}

// ExpireSweepJob archives newly expired grant and assignment edges.
type ExpireSweepJob struct {
	manager *authz.Manager
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewExpireSweepJob constructs the job.
func NewExpireSweepJob(manager *authz.Manager, metrics *jobmetrics.Metrics, logger *slog.Logger) *ExpireSweepJob {
	return &ExpireSweepJob{manager: manager, metrics: metrics, logger: logger}
}

// Handle processes TaskAuthzExpireSweep tasks.
func (j *ExpireSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := j.metrics.Track(TaskAuthzExpireSweep)
	payload := ExpireSweepPayload{Lookback: 25 * time.Hour}
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return tracker.End(asynq.SkipRetry)
		}
	}
	since := time.Now().Add(-payload.Lookback)
	expired, err := j.manager.ExpireDue(ctx, since)
	if err != nil {
		return tracker.End(err)
	}
	j.metrics.AddTransitions("expired", expired)
	if j.logger != nil && expired > 0 {
		j.logger.Info("authz expire sweep", slog.Int("archived", expired))
	}
	return tracker.End(nil)
}

// ManifestOperations parses the shared operation manifest into triples.
func ManifestOperations() ([]authz.Operation, error) {
	keys := shared.ObservedOperations()
	ops := make([]authz.Operation, 0, len(keys))
	for _, key := range keys {
		op, err := authz.ParseOperation(key)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}
