package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	jobmetrics "github.com/odyssey-erp/makerchecker/internal/jobs"
)

// DefaultEventsChannel prefixes the per-tenant Redis channel of change events.
const DefaultEventsChannel = "changes.events"

// Publisher is satisfied by *redis.Client.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// ChangeResolvedJob fans resolved change records out to subscribers of the
// tenant's events channel.
type ChangeResolvedJob struct {
	Publisher Publisher
	Channel   string
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewChangeResolvedJob wires dependencies for the notification handler.
func NewChangeResolvedJob(publisher Publisher, logger *slog.Logger, metrics *jobmetrics.Metrics) *ChangeResolvedJob {
	return &ChangeResolvedJob{Publisher: publisher, Channel: DefaultEventsChannel, Logger: logger, Metrics: metrics}
}

// ChannelFor returns the events channel of tenantID.
func (j *ChangeResolvedJob) ChannelFor(tenantID int64) string {
	prefix := j.Channel
	if prefix == "" {
		prefix = DefaultEventsChannel
	}
	return fmt.Sprintf("%s.%d", prefix, tenantID)
}

// Handle processes TaskChangeResolved tasks.
func (j *ChangeResolvedJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Publisher == nil {
		return errors.New("change resolved: handler not configured")
	}
	var payload ChangeResolvedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("change resolved: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.RecordID == "" || payload.TenantID <= 0 {
		return fmt.Errorf("change resolved: incomplete payload: %w", asynq.SkipRetry)
	}

	tracker := j.Metrics.Track(TaskChangeResolved)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	receivers, err := j.Publisher.Publish(ctx, j.ChannelFor(payload.TenantID), data).Result()
	if err != nil {
		return fmt.Errorf("change resolved: publish %s: %w", payload.RecordID, err)
	}
	j.Metrics.Notified(payload.Status)
	j.logger().Info("change resolution published",
		slog.String("record_id", payload.RecordID),
		slog.String("table", payload.Table),
		slog.String("status", payload.Status),
		slog.Int64("maker_id", payload.MakerID),
		slog.Int64("receivers", receivers))
	return nil
}

func (j *ChangeResolvedJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
