package changes

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/makerchecker/internal/shared"
)

var errNoSQL = errors.New("changes: memory transaction does not execute SQL")

// MemoryRepository is an in-process Repository. Transactions are serialized
// and staged writes become visible only on commit.
type MemoryRepository struct {
	txMu    sync.Mutex
	mu      sync.RWMutex
	records map[string]ChangeRecord
}

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]ChangeRecord)}
}

type memoryTx struct {
	staged map[string]ChangeRecord
	hooks  []func(context.Context)
}

func (t *memoryTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errNoSQL
}

func (t *memoryTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errNoSQL
}

func (t *memoryTx) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{}
}

func (t *memoryTx) OnCommit(fn func(context.Context)) {
	t.hooks = append(t.hooks, fn)
}

type errRow struct{}

func (errRow) Scan(...any) error { return errNoSQL }

// WithTx implements Repository.
func (r *MemoryRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	r.txMu.Lock()
	tx := &memoryTx{staged: make(map[string]ChangeRecord)}
	if err := fn(ctx, tx); err != nil {
		r.txMu.Unlock()
		return err
	}
	r.mu.Lock()
	for id, rec := range tx.staged {
		r.records[id] = rec
	}
	r.mu.Unlock()
	r.txMu.Unlock()

	for _, hook := range tx.hooks {
		hook(ctx)
	}
	return nil
}

func asMemoryTx(tx Tx) (*memoryTx, error) {
	mt, ok := tx.(*memoryTx)
	if !ok {
		return nil, fmt.Errorf("changes: memory repository needs its own transaction, got %T", tx)
	}
	return mt, nil
}

// PersistChangeRecord implements Repository.
func (r *MemoryRepository) PersistChangeRecord(ctx context.Context, tx Tx, rec ChangeRecord) error {
	mt, err := asMemoryTx(tx)
	if err != nil {
		return err
	}
	if _, ok := r.view(mt, rec.ID); ok {
		return fmt.Errorf("%w: change record %s already exists", shared.ErrConflict, rec.ID)
	}
	if rec.Status == StatusPending && rec.TargetKey != "" {
		for _, other := range r.snapshot(mt) {
			if other.Status == StatusPending && other.TenantID == rec.TenantID && other.Table == rec.Table && other.TargetKey == rec.TargetKey {
				return fmt.Errorf("%s %s: %w", rec.Table, rec.TargetKey, shared.ErrPendingExists)
			}
		}
	}
	mt.staged[rec.ID] = cloneRecord(rec)
	return nil
}

// UpdateChangeRecord implements Repository.
func (r *MemoryRepository) UpdateChangeRecord(ctx context.Context, tx Tx, rec ChangeRecord, expectedVersion int64) error {
	mt, err := asMemoryTx(tx)
	if err != nil {
		return err
	}
	current, ok := r.view(mt, rec.ID)
	if !ok || current.TenantID != rec.TenantID {
		return fmt.Errorf("change record %s: %w", rec.ID, shared.ErrNotFound)
	}
	if current.Version != expectedVersion || current.Status != StatusPending {
		return fmt.Errorf("%w: change record %s was resolved concurrently", shared.ErrConflict, rec.ID)
	}
	mt.staged[rec.ID] = cloneRecord(rec)
	return nil
}

// GetChangeRecord implements Repository.
func (r *MemoryRepository) GetChangeRecord(ctx context.Context, tenantID int64, id string) (ChangeRecord, error) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if !ok || rec.TenantID != tenantID {
		return ChangeRecord{}, fmt.Errorf("change record %s: %w", id, shared.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// LockChangeRecord implements Repository.
func (r *MemoryRepository) LockChangeRecord(ctx context.Context, tx Tx, tenantID int64, id string) (ChangeRecord, error) {
	mt, err := asMemoryTx(tx)
	if err != nil {
		return ChangeRecord{}, err
	}
	rec, ok := r.view(mt, id)
	if !ok || rec.TenantID != tenantID {
		return ChangeRecord{}, fmt.Errorf("change record %s: %w", id, shared.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// FindPending implements Repository.
func (r *MemoryRepository) FindPending(ctx context.Context, tenantID int64, table, key string) (ChangeRecord, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if rec.Status == StatusPending && rec.TenantID == tenantID && rec.Table == table && rec.TargetKey == key {
			return cloneRecord(rec), true, nil
		}
	}
	return ChangeRecord{}, false, nil
}

// ListChangeRecords implements Repository.
func (r *MemoryRepository) ListChangeRecords(ctx context.Context, filter Filter) ([]ChangeRecord, int, error) {
	r.mu.RLock()
	matched := make([]ChangeRecord, 0)
	for _, rec := range r.records {
		if rec.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.Table != "" && rec.Table != filter.Table {
			continue
		}
		if filter.MakerID > 0 && rec.MakerID != filter.MakerID {
			continue
		}
		matched = append(matched, rec)
	}
	r.mu.RUnlock()

	slices.SortFunc(matched, func(a, b ChangeRecord) int {
		if c := b.MakerAt.Compare(a.MakerAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	total := len(matched)
	page := shared.NewPageRequest(filter.Page.Page, filter.Page.Size)
	start := min(page.Offset(), total)
	end := min(start+page.Size, total)
	out := make([]ChangeRecord, 0, end-start)
	for _, rec := range matched[start:end] {
		out = append(out, cloneRecord(rec))
	}
	return out, total, nil
}

// ListStalePending implements Repository.
func (r *MemoryRepository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]ChangeRecord, error) {
	r.mu.RLock()
	var stale []ChangeRecord
	for _, rec := range r.records {
		if rec.Status == StatusPending && rec.MakerAt.Before(before) {
			stale = append(stale, cloneRecord(rec))
		}
	}
	r.mu.RUnlock()
	slices.SortFunc(stale, func(a, b ChangeRecord) int { return a.MakerAt.Compare(b.MakerAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (r *MemoryRepository) view(tx *memoryTx, id string) (ChangeRecord, bool) {
	if rec, ok := tx.staged[id]; ok {
		return rec, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

func (r *MemoryRepository) snapshot(tx *memoryTx) []ChangeRecord {
	r.mu.RLock()
	out := make([]ChangeRecord, 0, len(r.records)+len(tx.staged))
	for id, rec := range r.records {
		if _, staged := tx.staged[id]; !staged {
			out = append(out, rec)
		}
	}
	r.mu.RUnlock()
	for _, rec := range tx.staged {
		out = append(out, rec)
	}
	return out
}

func cloneRecord(rec ChangeRecord) ChangeRecord {
	rec.OldValue = rec.OldValue.Clone()
	rec.NewValue = rec.NewValue.Clone()
	if rec.CheckerID != nil {
		id := *rec.CheckerID
		rec.CheckerID = &id
	}
	if rec.CheckerAt != nil {
		at := *rec.CheckerAt
		rec.CheckerAt = &at
	}
	return rec
}

var _ Repository = (*MemoryRepository)(nil)
