package changes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/makerchecker/internal/document"
	"github.com/odyssey-erp/makerchecker/internal/shared"
)

func TestRoleCreateIsAppliedOnlyAfterApproval(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rec := f.submit(t, maker, ActionCreate, "", doc(map[string]any{"name": "Auditor"}))
	require.Equal(t, StatusPending, rec.Status)
	require.Equal(t, int64(1), rec.Version)
	require.Nil(t, rec.OldValue)
	require.Equal(t, f.now, rec.MakerAt)
	require.Zero(t, f.roles.writes.Load())

	f.now = f.now.Add(time.Hour)
	resolved, err := f.ledger.Resolve(ctx, 1, rec.ID, OutcomeApprove, checker.UserID, "")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, resolved.Status)
	require.Equal(t, checker.UserID, *resolved.CheckerID)
	require.Equal(t, f.now, *resolved.CheckerAt)
	require.NotEmpty(t, resolved.TargetKey)

	stored, ok := f.roles.get(resolved.TargetKey)
	require.True(t, ok)
	require.Equal(t, document.String("Auditor"), stored["name"])

	got, err := f.ledger.Get(ctx, 1, rec.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, got.Status)
	require.Equal(t, []string{shared.AuditSubmit, shared.AuditApprove}, f.audit.actions())
	require.Equal(t, 1, f.notify.count())
}

func TestSubmitRejectsSecondPendingForSameTarget(t *testing.T) {
	f := newFixture(t, nil)
	f.roles.seed("5", doc(map[string]any{"name": "Clerk"}))

	f.submit(t, maker, ActionUpdate, "5", doc(map[string]any{"name": "Senior Clerk"}))

	cand, err := f.builder.Build(context.Background(), maker, TableRole, ActionDelete, "5", nil)
	require.NoError(t, err)
	_, err = f.ledger.Submit(context.Background(), cand)
	require.ErrorIs(t, err, shared.ErrPendingExists)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestSubmitAllowsNewProposalAfterResolution(t *testing.T) {
	f := newFixture(t, nil)
	f.roles.seed("5", doc(map[string]any{"name": "Clerk"}))

	first := f.submit(t, maker, ActionUpdate, "5", doc(map[string]any{"name": "Senior Clerk"}))
	_, err := f.ledger.Resolve(context.Background(), 1, first.ID, OutcomeDecline, checker.UserID, "wrong title")
	require.NoError(t, err)

	second := f.submit(t, maker, ActionUpdate, "5", doc(map[string]any{"name": "Lead Clerk"}))
	require.Equal(t, StatusPending, second.Status)
	require.Equal(t, doc(map[string]any{"name": "Clerk"}), second.OldValue)
}

func TestDeclineRequiresCommentAndLeavesEntityUntouched(t *testing.T) {
	f := newFixture(t, nil)
	f.roles.seed("5", doc(map[string]any{"name": "Clerk"}))
	rec := f.submit(t, maker, ActionDelete, "5", nil)

	_, err := f.ledger.Resolve(context.Background(), 1, rec.ID, OutcomeDecline, checker.UserID, "  ")
	require.ErrorIs(t, err, shared.ErrValidation)

	declined, err := f.ledger.Resolve(context.Background(), 1, rec.ID, OutcomeDecline, checker.UserID, "still in use")
	require.NoError(t, err)
	require.Equal(t, StatusDeclined, declined.Status)
	require.Equal(t, "still in use", declined.Comment)

	_, ok := f.roles.get("5")
	require.True(t, ok)
	require.Zero(t, f.roles.writes.Load())
}

func TestResolveTerminalRecordConflicts(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.submit(t, maker, ActionCreate, "", doc(map[string]any{"name": "Auditor"}))
	_, err := f.ledger.Resolve(context.Background(), 1, rec.ID, OutcomeApprove, checker.UserID, "")
	require.NoError(t, err)

	_, err = f.ledger.Resolve(context.Background(), 1, rec.ID, OutcomeDecline, checker.UserID, "late")
	require.ErrorIs(t, err, shared.ErrConflict)
	_, err = f.ledger.Resolve(context.Background(), 1, rec.ID, OutcomeApprove, checker.UserID, "")
	require.ErrorIs(t, err, shared.ErrConflict)
	require.EqualValues(t, 1, f.roles.writes.Load())
}

func TestResolveUnknownRecord(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.ledger.Resolve(context.Background(), 1, "01HZZZZZZZZZZZZZZZZZZZZZZZ", OutcomeApprove, checker.UserID, "")
	require.ErrorIs(t, err, shared.ErrNotFound)

	rec := f.submit(t, maker, ActionCreate, "", doc(map[string]any{"name": "Auditor"}))
	_, err = f.ledger.Resolve(context.Background(), 2, rec.ID, OutcomeApprove, checker.UserID, "")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestConcurrentResolveHasSingleWinner(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.submit(t, maker, ActionCreate, "", doc(map[string]any{"name": "Auditor"}))

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			outcome, comment := OutcomeApprove, ""
			if i%2 == 1 {
				outcome, comment = OutcomeDecline, "no"
			}
			_, err := f.ledger.Resolve(context.Background(), 1, rec.ID, outcome, checker.UserID, comment)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, shared.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.Equal(t, 1, wins)
	require.Equal(t, workers-1, conflicts)
	got, err := f.ledger.Get(context.Background(), 1, rec.ID)
	require.NoError(t, err)
	require.True(t, got.Status.Terminal())
	require.Equal(t, int64(2), got.Version)
	require.LessOrEqual(t, f.roles.writes.Load(), int32(1))
}

func TestApproveWriteFailureKeepsRecordPending(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.submit(t, maker, ActionCreate, "", doc(map[string]any{"name": "Auditor"}))

	f.roles.writeErr = errors.New("connection reset")
	_, err := f.ledger.Resolve(context.Background(), 1, rec.ID, OutcomeApprove, checker.UserID, "")
	require.ErrorIs(t, err, shared.ErrDependency)

	got, err := f.ledger.Get(context.Background(), 1, rec.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Nil(t, got.CheckerID)
	require.Equal(t, []string{shared.AuditSubmit}, f.audit.actions())
	require.Zero(t, f.notify.count())

	f.roles.writeErr = nil
	_, err = f.ledger.Resolve(context.Background(), 1, rec.ID, OutcomeApprove, checker.UserID, "")
	require.NoError(t, err)
}

func TestAuditFailureAbortsSubmit(t *testing.T) {
	f := newFixture(t, nil)
	f.audit.err = errors.New("audit table locked")

	cand, err := f.builder.Build(context.Background(), maker, TableRole, ActionCreate, "", doc(map[string]any{"name": "Auditor"}))
	require.NoError(t, err)
	_, err = f.ledger.Submit(context.Background(), cand)
	require.ErrorIs(t, err, shared.ErrDependency)

	page, err := f.ledger.ListPending(context.Background(), Filter{TenantID: 1})
	require.NoError(t, err)
	require.Empty(t, page.Records)
}

func TestSelfApprovalCanBeForbidden(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.submit(t, maker, ActionCreate, "", doc(map[string]any{"name": "Auditor"}))
	_, err := f.ledger.Resolve(context.Background(), 1, rec.ID, OutcomeApprove, maker.UserID, "")
	require.NoError(t, err)

	strict := newFixture(t, func(cfg *LedgerConfig) { cfg.ForbidSelfApproval = true })
	rec = strict.submit(t, maker, ActionCreate, "", doc(map[string]any{"name": "Auditor"}))
	_, err = strict.ledger.Resolve(context.Background(), 1, rec.ID, OutcomeApprove, maker.UserID, "")
	require.ErrorIs(t, err, shared.ErrAuthorization)
	_, err = strict.ledger.Resolve(context.Background(), 1, rec.ID, OutcomeApprove, checker.UserID, "")
	require.NoError(t, err)
}

func TestActionOutsideDualControlIsAppliedOnSubmit(t *testing.T) {
	policy := DefaultPolicy()
	policy.Entities[TableRole] = EntityPolicy{DualControl: []Action{ActionDelete}}
	f := newFixture(t, func(cfg *LedgerConfig) { cfg.Policy = policy })

	rec := f.submit(t, maker, ActionCreate, "", doc(map[string]any{"name": "Auditor"}))
	require.Equal(t, StatusApproved, rec.Status)
	require.Equal(t, maker.UserID, *rec.CheckerID)
	require.Equal(t, int64(2), rec.Version)
	_, ok := f.roles.get(rec.TargetKey)
	require.True(t, ok)
	require.Equal(t, []string{shared.AuditSubmit, shared.AuditApprove}, f.audit.actions())
	require.Equal(t, 1, f.notify.count())

	pending := f.submit(t, maker, ActionDelete, rec.TargetKey, nil)
	require.Equal(t, StatusPending, pending.Status)
}

func TestListPendingFiltersAndPaginates(t *testing.T) {
	f := newFixture(t, nil)
	var ids []string
	for i := 0; i < 5; i++ {
		f.now = f.now.Add(time.Minute)
		ids = append(ids, f.submit(t, maker, ActionCreate, "", doc(map[string]any{"name": "Role", "rank": i})).ID)
	}
	_, err := f.ledger.Resolve(context.Background(), 1, ids[0], OutcomeApprove, checker.UserID, "")
	require.NoError(t, err)

	page, err := f.ledger.ListPending(context.Background(), Filter{TenantID: 1, Page: shared.PageRequest{Page: 1, Size: 3}})
	require.NoError(t, err)
	require.Len(t, page.Records, 3)
	require.Equal(t, ids[4], page.Records[0].ID)
	require.Equal(t, 4, page.Pagination.Total)

	approved, err := f.ledger.ListPending(context.Background(), Filter{TenantID: 1, Status: StatusApproved})
	require.NoError(t, err)
	require.Len(t, approved.Records, 1)

	other, err := f.ledger.ListPending(context.Background(), Filter{TenantID: 2})
	require.NoError(t, err)
	require.Empty(t, other.Records)
}

func TestStalePendingReturnsOldestFirst(t *testing.T) {
	f := newFixture(t, nil)
	first := f.submit(t, maker, ActionCreate, "", doc(map[string]any{"name": "A"}))
	f.now = f.now.Add(2 * time.Hour)
	f.submit(t, maker, ActionCreate, "", doc(map[string]any{"name": "B"}))
	f.now = f.now.Add(23 * time.Hour)

	stale, err := f.ledger.StalePending(context.Background(), 24*time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, first.ID, stale[0].ID)
}
