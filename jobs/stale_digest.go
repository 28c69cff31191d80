package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/makerchecker/internal/changes"
	jobmetrics "github.com/odyssey-erp/makerchecker/internal/jobs"
)

const defaultDigestLimit = 500

// StaleLister is implemented by *changes.Ledger.
type StaleLister interface {
	StalePending(ctx context.Context, olderThan time.Duration, limit int) ([]changes.ChangeRecord, error)
}

// StaleDigestJob reports change records waiting for a checker past a threshold.
type StaleDigestJob struct {
	Ledger  StaleLister
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewStaleDigestJob wires dependencies for the digest handler.
func NewStaleDigestJob(ledger StaleLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *StaleDigestJob {
	return &StaleDigestJob{
		Ledger:  ledger,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes TaskStaleDigest tasks.
func (j *StaleDigestJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Ledger == nil {
		return errors.New("stale digest: handler not configured")
	}
	var payload StaleDigestPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("stale digest: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	olderThan, err := time.ParseDuration(payload.OlderThan)
	if err != nil || olderThan <= 0 {
		return fmt.Errorf("stale digest: invalid threshold %q: %w", payload.OlderThan, asynq.SkipRetry)
	}
	limit := payload.Limit
	if limit <= 0 {
		limit = defaultDigestLimit
	}

	tracker := j.Metrics.Track(TaskStaleDigest)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	records, err := j.Ledger.StalePending(ctx, olderThan, limit)
	if err != nil {
		return fmt.Errorf("stale digest: %w", err)
	}
	counts := make(map[string]int)
	for _, rec := range records {
		counts[rec.Table]++
	}
	j.Metrics.SetStalePending(counts)

	logger := j.logger().With(slog.Duration("older_than", olderThan))
	if len(records) == 0 {
		logger.Info("no stale change records")
		return nil
	}
	now := j.clock()
	oldest := records[0]
	logger.Warn("stale change records awaiting a checker",
		slog.Int("count", len(records)),
		slog.Bool("truncated", len(records) == limit),
		slog.String("oldest_id", oldest.ID),
		slog.String("oldest_table", oldest.Table),
		slog.Duration("oldest_age", now.Sub(oldest.MakerAt)))
	for table, n := range counts {
		logger.Info("stale change records by table", slog.String("table", table), slog.Int("count", n))
	}
	return nil
}

func (j *StaleDigestJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
