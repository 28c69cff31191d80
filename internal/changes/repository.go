package changes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/makerchecker/internal/document"
	"github.com/odyssey-erp/makerchecker/internal/platform/db"
	"github.com/odyssey-erp/makerchecker/internal/shared"
)

const recordColumns = `id, tenant_id, table_name, action, target_key, maker_id, maker_at,
old_value, new_value, status, checker_id, checker_at, comment, version`

// Pool is satisfied by *pgxpool.Pool.
type Pool interface {
	db.Beginner
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository persists change records in PostgreSQL.
type PGRepository struct {
	pool Pool
}

// NewRepository constructs a PGRepository.
func NewRepository(pool Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

type pgTx struct {
	pgx.Tx
	hooks []func(context.Context)
}

func (t *pgTx) OnCommit(fn func(context.Context)) {
	t.hooks = append(t.hooks, fn)
}

// WithTx runs fn in a RepeatableRead transaction. Serialization failures
// surface as shared.ErrConflict; commit hooks run after a successful commit.
func (r *PGRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var hooks []func(context.Context)
	err := db.WithTx(ctx, r.pool, func(ptx pgx.Tx) error {
		tx := &pgTx{Tx: ptx}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		hooks = tx.hooks
		return nil
	})
	if err != nil {
		if db.IsSerializationFailure(err) && !errors.Is(err, shared.ErrConflict) {
			return fmt.Errorf("%w: %w", shared.ErrConflict, err)
		}
		return wrapStoreError("transaction", err)
	}
	for _, hook := range hooks {
		hook(ctx)
	}
	return nil
}

// PersistChangeRecord implements Repository.
func (r *PGRepository) PersistChangeRecord(ctx context.Context, tx Tx, rec ChangeRecord) error {
	oldValue, newValue, err := encodeSnapshots(rec)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO change_records (`+recordColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.ID, rec.TenantID, rec.Table, string(rec.Action), rec.TargetKey, rec.MakerID, rec.MakerAt,
		oldValue, newValue, string(rec.Status), rec.CheckerID, rec.CheckerAt, rec.Comment, rec.Version)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return fmt.Errorf("%s %s: %w", rec.Table, rec.TargetKey, shared.ErrPendingExists)
		}
		return wrapStoreError("insert change record", err)
	}
	return nil
}

// UpdateChangeRecord implements Repository.
func (r *PGRepository) UpdateChangeRecord(ctx context.Context, tx Tx, rec ChangeRecord, expectedVersion int64) error {
	tag, err := tx.Exec(ctx, `UPDATE change_records
SET status = $1, checker_id = $2, checker_at = $3, comment = $4, version = $5, target_key = $6
WHERE tenant_id = $7 AND id = $8 AND status = 'Pending' AND version = $9`,
		string(rec.Status), rec.CheckerID, rec.CheckerAt, rec.Comment, rec.Version, rec.TargetKey,
		rec.TenantID, rec.ID, expectedVersion)
	if err != nil {
		return wrapStoreError("update change record", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: change record %s was resolved concurrently", shared.ErrConflict, rec.ID)
	}
	return nil
}

// GetChangeRecord implements Repository.
func (r *PGRepository) GetChangeRecord(ctx context.Context, tenantID int64, id string) (ChangeRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM change_records WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return scanOne(row, id)
}

// LockChangeRecord implements Repository.
func (r *PGRepository) LockChangeRecord(ctx context.Context, tx Tx, tenantID int64, id string) (ChangeRecord, error) {
	row := tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM change_records WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id)
	return scanOne(row, id)
}

// FindPending implements Repository.
func (r *PGRepository) FindPending(ctx context.Context, tenantID int64, table, key string) (ChangeRecord, bool, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM change_records
WHERE tenant_id = $1 AND table_name = $2 AND target_key = $3 AND status = 'Pending'
LIMIT 1`, tenantID, table, key)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ChangeRecord{}, false, nil
		}
		return ChangeRecord{}, false, wrapStoreError("find pending", err)
	}
	return rec, true, nil
}

// ListChangeRecords implements Repository.
func (r *PGRepository) ListChangeRecords(ctx context.Context, filter Filter) ([]ChangeRecord, int, error) {
	conds := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Table != "" {
		args = append(args, filter.Table)
		conds = append(conds, fmt.Sprintf("table_name = $%d", len(args)))
	}
	if filter.MakerID > 0 {
		args = append(args, filter.MakerID)
		conds = append(conds, fmt.Sprintf("maker_id = $%d", len(args)))
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM change_records WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, wrapStoreError("count change records", err)
	}

	page := shared.NewPageRequest(filter.Page.Page, filter.Page.Size)
	args = append(args, page.Size, page.Offset())
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM change_records WHERE %s
ORDER BY maker_at DESC, id DESC LIMIT $%d OFFSET $%d`, recordColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, wrapStoreError("list change records", err)
	}
	records, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// ListStalePending implements Repository.
func (r *PGRepository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]ChangeRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+recordColumns+` FROM change_records
WHERE status = 'Pending' AND maker_at < $1
ORDER BY maker_at ASC LIMIT $2`, before, limit)
	if err != nil {
		return nil, wrapStoreError("list stale pending", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]ChangeRecord, error) {
	defer rows.Close()
	var records []ChangeRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, wrapStoreError("scan change record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError("iterate change records", err)
	}
	return records, nil
}

func scanOne(row pgx.Row, id string) (ChangeRecord, error) {
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ChangeRecord{}, fmt.Errorf("change record %s: %w", id, shared.ErrNotFound)
		}
		return ChangeRecord{}, wrapStoreError("get change record", err)
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (ChangeRecord, error) {
	var (
		rec            ChangeRecord
		action, status string
		oldRaw, newRaw []byte
	)
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.Table, &action, &rec.TargetKey, &rec.MakerID, &rec.MakerAt,
		&oldRaw, &newRaw, &status, &rec.CheckerID, &rec.CheckerAt, &rec.Comment, &rec.Version)
	if err != nil {
		return ChangeRecord{}, err
	}
	rec.Action = Action(action)
	rec.Status = Status(status)
	if rec.OldValue, err = document.Parse(oldRaw); err != nil {
		return ChangeRecord{}, fmt.Errorf("decode old_value: %w", err)
	}
	if rec.NewValue, err = document.Parse(newRaw); err != nil {
		return ChangeRecord{}, fmt.Errorf("decode new_value: %w", err)
	}
	return rec, nil
}

func encodeSnapshots(rec ChangeRecord) (oldValue, newValue []byte, err error) {
	if rec.OldValue != nil {
		if oldValue, err = rec.OldValue.MarshalJSON(); err != nil {
			return nil, nil, fmt.Errorf("%w: encode old_value: %v", shared.ErrValidation, err)
		}
	}
	if rec.NewValue != nil {
		if newValue, err = rec.NewValue.MarshalJSON(); err != nil {
			return nil, nil, fmt.Errorf("%w: encode new_value: %v", shared.ErrValidation, err)
		}
	}
	return oldValue, newValue, nil
}

// wrapStoreError tags persistence failures as dependency errors, leaving
// taxonomy errors and cancellation untouched. Serialization failures become
// conflicts. The cause stays in the chain.
func wrapStoreError(op string, err error) error {
	for _, kind := range []error{shared.ErrValidation, shared.ErrNotFound, shared.ErrConflict, shared.ErrAuthorization, shared.ErrDependency, context.Canceled, context.DeadlineExceeded} {
		if errors.Is(err, kind) {
			return err
		}
	}
	if db.IsSerializationFailure(err) {
		return fmt.Errorf("%w: %s: %w", shared.ErrConflict, op, err)
	}
	return fmt.Errorf("%w: %s: %w", shared.ErrDependency, op, err)
}

var _ Repository = (*PGRepository)(nil)
