// Package changes implements maker-checker change control: proposals are
// captured as ChangeRecords holding before/after snapshots and only reach the
// target entity once a second principal approves them.
package changes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/makerchecker/internal/document"
	"github.com/odyssey-erp/makerchecker/internal/shared"
)

// Status of a change record.
type Status string

const (
	StatusPending  Status = "Pending"
	StatusApproved Status = "Approved"
	StatusDeclined Status = "Declined"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDeclined
}

// ParseStatus accepts any casing of a known status.
func ParseStatus(raw string) (Status, error) {
	for _, s := range []Status{StatusPending, StatusApproved, StatusDeclined} {
		if strings.EqualFold(strings.TrimSpace(raw), string(s)) {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: unknown status %q", shared.ErrValidation, raw)
}

// Action is the mutation a change record proposes.
type Action string

const (
	ActionCreate Action = "Create"
	ActionUpdate Action = "Update"
	ActionDelete Action = "Delete"
)

// ParseAction accepts any casing of a known action.
func ParseAction(raw string) (Action, error) {
	for _, a := range []Action{ActionCreate, ActionUpdate, ActionDelete} {
		if strings.EqualFold(strings.TrimSpace(raw), string(a)) {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: unknown action %q", shared.ErrValidation, raw)
}

// Outcome is the checker's verdict.
type Outcome string

const (
	OutcomeApprove Outcome = "Approve"
	OutcomeDecline Outcome = "Decline"
)

// ChangeRecord is one proposed mutation and its resolution.
type ChangeRecord struct {
	ID        string
	TenantID  int64
	Table     string
	Action    Action
	TargetKey string
	MakerID   int64
	MakerAt   time.Time
	OldValue  document.Document
	NewValue  document.Document
	Status    Status
	CheckerID *int64
	CheckerAt *time.Time
	Comment   string
	Version   int64
}

// Candidate is a proposal produced by the Builder, ready to be submitted.
type Candidate struct {
	TenantID  int64
	Table     string
	Action    Action
	TargetKey string
	MakerID   int64
	OldValue  document.Document
	NewValue  document.Document
}

// DiffEntry is one changed field between the snapshots.
type DiffEntry struct {
	Field    string         `json:"field"`
	OldValue document.Value `json:"old_value"`
	NewValue document.Value `json:"new_value"`
}

// Filter narrows change record listings.
type Filter struct {
	TenantID int64
	Status   Status
	Table    string
	MakerID  int64
	Page     shared.PageRequest
}

// Page is one page of change records.
type Page struct {
	Records    []ChangeRecord
	Pagination shared.Pagination
}

// Tx is the unit of work shared by the ledger and entity stores during a
// transition. pgx-backed implementations forward SQL; hooks registered with
// OnCommit run only after a successful commit.
type Tx interface {
	shared.Execer
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	OnCommit(fn func(context.Context))
}

// Repository persists change records.
type Repository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	PersistChangeRecord(ctx context.Context, tx Tx, rec ChangeRecord) error
	// UpdateChangeRecord stores rec when the stored version still equals
	// expectedVersion, and fails with ErrConflict otherwise.
	UpdateChangeRecord(ctx context.Context, tx Tx, rec ChangeRecord, expectedVersion int64) error
	GetChangeRecord(ctx context.Context, tenantID int64, id string) (ChangeRecord, error)
	LockChangeRecord(ctx context.Context, tx Tx, tenantID int64, id string) (ChangeRecord, error)
	FindPending(ctx context.Context, tenantID int64, table, key string) (ChangeRecord, bool, error)
	ListChangeRecords(ctx context.Context, filter Filter) ([]ChangeRecord, int, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]ChangeRecord, error)
}
