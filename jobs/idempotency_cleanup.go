package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/makerchecker/internal/jobs"
)

// KeyPurger is implemented by *shared.IdempotencyStore.
type KeyPurger interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// IdempotencyCleanupJob drops Idempotency-Key entries past retention.
type IdempotencyCleanupJob struct {
	Store   KeyPurger
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewIdempotencyCleanupJob wires dependencies for the cleanup handler.
func NewIdempotencyCleanupJob(store KeyPurger, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanupJob {
	return &IdempotencyCleanupJob{Store: store, Logger: logger, Metrics: metrics}
}

// Handle processes TaskIdempotencyCleanup tasks.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("idempotency cleanup: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	retention, err := time.ParseDuration(payload.Retention)
	if err != nil || retention <= 0 {
		return fmt.Errorf("idempotency cleanup: invalid retention %q: %w", payload.Retention, asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskIdempotencyCleanup)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	if err := j.Store.Cleanup(ctx, retention); err != nil {
		return fmt.Errorf("idempotency cleanup: %w", err)
	}
	if j.Logger != nil {
		j.Logger.Info("idempotency keys purged", slog.Duration("retention", retention))
	}
	return nil
}
