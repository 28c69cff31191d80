package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/makerchecker/internal/changes"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskChangeResolved announces an approved or declined change record.
	TaskChangeResolved = "changes:resolved"
	// TaskStaleDigest reports change records left pending for too long.
	TaskStaleDigest = "changes:stale-digest"
	// TaskIdempotencyCleanup purges expired Idempotency-Key entries.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// ChangeResolvedPayload describes a resolved change record.
type ChangeResolvedPayload struct {
	EventID    string    `json:"event_id"`
	RecordID   string    `json:"record_id"`
	TenantID   int64     `json:"tenant_id"`
	Table      string    `json:"table"`
	Action     string    `json:"action"`
	TargetKey  string    `json:"target_key,omitempty"`
	Status     string    `json:"status"`
	MakerID    int64     `json:"maker_id"`
	CheckerID  int64     `json:"checker_id"`
	Comment    string    `json:"comment,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// NewChangeResolvedPayload builds the payload of a resolved record.
func NewChangeResolvedPayload(rec changes.ChangeRecord) (ChangeResolvedPayload, error) {
	if !rec.Status.Terminal() || rec.CheckerID == nil || rec.CheckerAt == nil {
		return ChangeResolvedPayload{}, fmt.Errorf("jobs: change record %s is not resolved", rec.ID)
	}
	return ChangeResolvedPayload{
		EventID:    uuid.NewString(),
		RecordID:   rec.ID,
		TenantID:   rec.TenantID,
		Table:      rec.Table,
		Action:     string(rec.Action),
		TargetKey:  rec.TargetKey,
		Status:     string(rec.Status),
		MakerID:    rec.MakerID,
		CheckerID:  *rec.CheckerID,
		Comment:    rec.Comment,
		ResolvedAt: rec.CheckerAt.UTC(),
	}, nil
}

// NewChangeResolvedTask constructs an Asynq task. The task id is the record id
// so duplicate enqueues of one resolution collapse.
func NewChangeResolvedTask(payload ChangeResolvedPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskChangeResolved, data, asynq.TaskID("resolved:"+payload.RecordID), asynq.MaxRetry(5)), nil
}

// StaleDigestPayload configures one digest run.
type StaleDigestPayload struct {
	OlderThan string `json:"older_than"`
	Limit     int    `json:"limit"`
}

// NewStaleDigestTask constructs an Asynq task.
func NewStaleDigestTask(olderThan time.Duration, limit int) (*asynq.Task, error) {
	if olderThan <= 0 {
		return nil, fmt.Errorf("jobs: stale digest threshold must be positive")
	}
	data, err := json.Marshal(StaleDigestPayload{OlderThan: olderThan.String(), Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStaleDigest, data), nil
}

// IdempotencyCleanupPayload configures one cleanup run.
type IdempotencyCleanupPayload struct {
	Retention string `json:"retention"`
}

// NewIdempotencyCleanupTask constructs an Asynq task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("jobs: idempotency retention must be positive")
	}
	data, err := json.Marshal(IdempotencyCleanupPayload{Retention: retention.String()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
