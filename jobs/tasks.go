package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuthzReconcile reconciles the permission catalog against the
	// operation manifest.
	TaskAuthzReconcile = "authz:reconcile"
	// TaskAuthzExpireSweep archives grant and assignment edges whose
	// expiry passed.
	TaskAuthzExpireSweep = "authz:expire_sweep"
)

// ReconcilePayload records who asked for the run.
type ReconcilePayload struct {
	RequestedBy string `json:"requested_by"`
}

// NewReconcileTask constructs an Asynq task for catalog reconciliation.
func NewReconcileTask(requestedBy string) (*asynq.Task, error) {
	data, err := json.Marshal(ReconcilePayload{RequestedBy: requestedBy})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuthzReconcile, data), nil
}

// ExpireSweepPayload bounds how far back the sweep looks for newly expired
// edges. Overlapping windows are harmless; the sweep is idempotent per edge
// only in effect, and duplicate archived markers are tolerated.
type ExpireSweepPayload struct {
	Lookback time.Duration `json:"lookback"`
}

// NewExpireSweepTask constructs an Asynq task for the expiry sweep.
func NewExpireSweepTask(lookback time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(ExpireSweepPayload{Lookback: lookback})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuthzExpireSweep, data), nil
}
