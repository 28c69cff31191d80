package changes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/makerchecker/internal/ids"
	"github.com/odyssey-erp/makerchecker/internal/shared"
)

// autoApproveComment marks records applied on submit because their action is
// not under dual control.
const autoApproveComment = "applied without dual control"

// Auditor writes audit entries inside the ledger transaction.
type Auditor interface {
	Record(ctx context.Context, tx Tx, entry shared.AuditLog) error
}

// TxAuditor records into audit_logs through the transaction itself.
type TxAuditor struct{}

// Record implements Auditor.
func (TxAuditor) Record(ctx context.Context, tx Tx, entry shared.AuditLog) error {
	return shared.NewAuditLogger(tx).Record(ctx, entry)
}

// Notifier is told about resolved records after commit.
type Notifier interface {
	ChangeResolved(ctx context.Context, rec ChangeRecord) error
}

// LedgerConfig configures a Ledger. Zero values select defaults.
type LedgerConfig struct {
	Policy     *Policy
	Auditor    Auditor
	Notifier   Notifier
	IDs        *ids.Generator
	Now        func() time.Time
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	// ForbidSelfApproval rejects a checker equal to the maker.
	ForbidSelfApproval bool
}

// Ledger stores change records and resolves them.
type Ledger struct {
	repo               Repository
	registry           *Registry
	policy             *Policy
	audit              Auditor
	notifier           Notifier
	ids                *ids.Generator
	now                func() time.Time
	logger             *slog.Logger
	metrics            *ledgerMetrics
	forbidSelfApproval bool
}

// NewLedger constructs a Ledger.
func NewLedger(repo Repository, registry *Registry, cfg LedgerConfig) *Ledger {
	if cfg.Policy == nil {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IDs == nil {
		cfg.IDs = ids.NewGenerator(cfg.Now)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ledger{
		repo:               repo,
		registry:           registry,
		policy:             cfg.Policy,
		audit:              cfg.Auditor,
		notifier:           cfg.Notifier,
		ids:                cfg.IDs,
		now:                cfg.Now,
		logger:             cfg.Logger,
		metrics:            newLedgerMetrics(cfg.Registerer),
		forbidSelfApproval: cfg.ForbidSelfApproval,
	}
}

// Policy returns the dual-control policy in effect.
func (l *Ledger) Policy() *Policy {
	return l.policy
}

// Submit persists cand as a Pending record. A target that already has a
// Pending record is rejected with shared.ErrPendingExists. Actions outside
// dual control are applied immediately and returned Approved.
func (l *Ledger) Submit(ctx context.Context, cand Candidate) (ChangeRecord, error) {
	if cand.TenantID <= 0 || cand.MakerID <= 0 {
		return ChangeRecord{}, fmt.Errorf("%w: maker identity required", shared.ErrValidation)
	}
	if _, err := l.registry.Lookup(cand.Table); err != nil {
		return ChangeRecord{}, err
	}
	if cand.TargetKey != "" {
		_, found, err := l.repo.FindPending(ctx, cand.TenantID, cand.Table, cand.TargetKey)
		if err != nil {
			return ChangeRecord{}, err
		}
		if found {
			return ChangeRecord{}, fmt.Errorf("%s %s: %w", cand.Table, cand.TargetKey, shared.ErrPendingExists)
		}
	}

	now := l.now().UTC()
	rec := ChangeRecord{
		ID:        l.ids.New(),
		TenantID:  cand.TenantID,
		Table:     cand.Table,
		Action:    cand.Action,
		TargetKey: cand.TargetKey,
		MakerID:   cand.MakerID,
		MakerAt:   now,
		OldValue:  cand.OldValue.Clone(),
		NewValue:  cand.NewValue.Clone(),
		Status:    StatusPending,
		Version:   1,
	}
	auto := !l.policy.RequiresApproval(cand.Table, cand.Action)

	result := rec
	err := l.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := l.repo.PersistChangeRecord(ctx, tx, rec); err != nil {
			return err
		}
		if err := l.record(ctx, tx, shared.AuditSubmit, rec.MakerID, rec); err != nil {
			return err
		}
		if !auto {
			return nil
		}
		resolved, err := l.resolveInTx(ctx, tx, rec, OutcomeApprove, rec.MakerID, autoApproveComment, now)
		if err != nil {
			return err
		}
		result = resolved
		return nil
	})
	if err != nil {
		return ChangeRecord{}, err
	}

	l.metrics.submit(result)
	l.logger.Info("change record submitted",
		slog.String("id", result.ID),
		slog.String("table", result.Table),
		slog.String("action", string(result.Action)),
		slog.Int64("maker_id", result.MakerID),
		slog.Bool("auto_approved", auto))
	if auto {
		l.afterResolve(ctx, result)
	}
	return result, nil
}

// Get returns a single record.
func (l *Ledger) Get(ctx context.Context, tenantID int64, id string) (ChangeRecord, error) {
	return l.repo.GetChangeRecord(ctx, tenantID, id)
}

// ListPending returns one page of records, newest first. The status filter
// defaults to Pending.
func (l *Ledger) ListPending(ctx context.Context, filter Filter) (Page, error) {
	if filter.Status == "" {
		filter.Status = StatusPending
	}
	filter.Page = shared.NewPageRequest(filter.Page.Page, filter.Page.Size)
	records, total, err := l.repo.ListChangeRecords(ctx, filter)
	if err != nil {
		return Page{}, err
	}
	return Page{
		Records:    records,
		Pagination: shared.NewPagination(filter.Page.Page, filter.Page.Size, total),
	}, nil
}

// ComputeDiff returns the field-level differences of rec.
func (l *Ledger) ComputeDiff(rec ChangeRecord) []DiffEntry {
	return ComputeDiff(rec)
}

// Resolve approves or declines a Pending record. Approval applies the new
// snapshot through the entity store in the same transaction as the status
// change, so either both commit or the record stays Pending.
func (l *Ledger) Resolve(ctx context.Context, tenantID int64, id string, outcome Outcome, checkerID int64, comment string) (ChangeRecord, error) {
	if outcome != OutcomeApprove && outcome != OutcomeDecline {
		return ChangeRecord{}, fmt.Errorf("%w: unknown outcome %q", shared.ErrValidation, outcome)
	}
	current, err := l.repo.GetChangeRecord(ctx, tenantID, id)
	if err != nil {
		return ChangeRecord{}, err
	}
	if current.Status.Terminal() {
		l.metrics.conflict(current.Table)
		return ChangeRecord{}, fmt.Errorf("%w: change record %s is already %s", shared.ErrConflict, id, current.Status)
	}
	if l.forbidSelfApproval && checkerID == current.MakerID {
		return ChangeRecord{}, fmt.Errorf("%w: maker cannot resolve their own change", shared.ErrAuthorization)
	}

	var resolved ChangeRecord
	err = l.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		locked, err := l.repo.LockChangeRecord(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		resolved, err = l.resolveInTx(ctx, tx, locked, outcome, checkerID, comment, l.now())
		return err
	})
	if err != nil {
		if errors.Is(err, shared.ErrConflict) {
			l.metrics.conflict(current.Table)
		}
		return ChangeRecord{}, err
	}

	l.logger.Info("change record resolved",
		slog.String("id", resolved.ID),
		slog.String("table", resolved.Table),
		slog.String("status", string(resolved.Status)),
		slog.Int64("checker_id", checkerID))
	l.afterResolve(ctx, resolved)
	return resolved, nil
}

// StalePending lists Pending records submitted before cutoff.
func (l *Ledger) StalePending(ctx context.Context, olderThan time.Duration, limit int) ([]ChangeRecord, error) {
	if limit <= 0 {
		limit = shared.MaxPageSize
	}
	return l.repo.ListStalePending(ctx, l.now().UTC().Add(-olderThan), limit)
}

func (l *Ledger) resolveInTx(ctx context.Context, tx Tx, rec ChangeRecord, outcome Outcome, checkerID int64, comment string, at time.Time) (ChangeRecord, error) {
	next, err := Transition(rec, outcome, checkerID, comment, at)
	if err != nil {
		return ChangeRecord{}, err
	}
	action := shared.AuditDecline
	if next.Status == StatusApproved {
		action = shared.AuditApprove
		key, err := l.apply(ctx, tx, next)
		if err != nil {
			return ChangeRecord{}, err
		}
		if next.TargetKey == "" {
			next.TargetKey = key
		}
	}
	if err := l.repo.UpdateChangeRecord(ctx, tx, next, rec.Version); err != nil {
		return ChangeRecord{}, err
	}
	if err := l.record(ctx, tx, action, checkerID, next); err != nil {
		return ChangeRecord{}, err
	}
	return next, nil
}

func (l *Ledger) apply(ctx context.Context, tx Tx, rec ChangeRecord) (string, error) {
	store, err := l.registry.Lookup(rec.Table)
	if err != nil {
		return "", err
	}
	var key string
	switch rec.Action {
	case ActionCreate, ActionUpdate:
		key, err = store.WriteEntityState(ctx, tx, rec.TenantID, rec.TargetKey, rec.NewValue)
	case ActionDelete:
		key, err = rec.TargetKey, store.DeleteEntityState(ctx, tx, rec.TenantID, rec.TargetKey)
	default:
		return "", fmt.Errorf("%w: unsupported action %q", shared.ErrValidation, rec.Action)
	}
	if err != nil {
		return "", wrapStoreError(fmt.Sprintf("apply %s %s", rec.Table, rec.Action), err)
	}
	return key, nil
}

func (l *Ledger) record(ctx context.Context, tx Tx, action string, actorID int64, rec ChangeRecord) error {
	if l.audit == nil {
		return nil
	}
	meta := map[string]any{
		"table":  rec.Table,
		"action": string(rec.Action),
		"status": string(rec.Status),
	}
	if rec.TargetKey != "" {
		meta["target_key"] = rec.TargetKey
	}
	if rec.Comment != "" {
		meta["comment"] = rec.Comment
	}
	err := l.audit.Record(ctx, tx, shared.AuditLog{
		TenantID: rec.TenantID,
		ActorID:  actorID,
		Action:   action,
		Entity:   "change_record",
		EntityID: rec.ID,
		Meta:     meta,
		At:       l.now().UTC(),
	})
	if err != nil {
		return wrapStoreError("audit "+action, err)
	}
	return nil
}

func (l *Ledger) afterResolve(ctx context.Context, rec ChangeRecord) {
	l.metrics.resolve(rec)
	if l.notifier == nil {
		return
	}
	if err := l.notifier.ChangeResolved(context.WithoutCancel(ctx), rec); err != nil {
		l.logger.Warn("change resolved notification failed", slog.String("id", rec.ID), slog.Any("error", err))
	}
}
