package changes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/makerchecker/internal/shared"
)

func pendingRecord() ChangeRecord {
	return ChangeRecord{ID: "r1", TenantID: 1, Table: TableRole, Action: ActionCreate, MakerID: 7, Status: StatusPending, Version: 1}
}

func TestTransitionApproveWithoutComment(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.FixedZone("WIB", 7*3600))
	next, err := Transition(pendingRecord(), OutcomeApprove, 9, "  ", at)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, next.Status)
	require.Equal(t, int64(9), *next.CheckerID)
	require.Equal(t, at.UTC(), *next.CheckerAt)
	require.Empty(t, next.Comment)
	require.Equal(t, int64(2), next.Version)
}

func TestTransitionDeclineRequiresComment(t *testing.T) {
	_, err := Transition(pendingRecord(), OutcomeDecline, 9, "", time.Now())
	require.ErrorIs(t, err, shared.ErrValidation)

	next, err := Transition(pendingRecord(), OutcomeDecline, 9, "not needed", time.Now())
	require.NoError(t, err)
	require.Equal(t, StatusDeclined, next.Status)
	require.Equal(t, "not needed", next.Comment)
}

func TestTransitionFromTerminalConflicts(t *testing.T) {
	for _, status := range []Status{StatusApproved, StatusDeclined} {
		rec := pendingRecord()
		rec.Status = status
		_, err := Transition(rec, OutcomeApprove, 9, "ok", time.Now())
		require.ErrorIs(t, err, shared.ErrConflict, status)
		_, err = Transition(rec, OutcomeDecline, 9, "no", time.Now())
		require.ErrorIs(t, err, shared.ErrConflict, status)
	}
}

func TestTransitionRejectsUnknownOutcomeAndChecker(t *testing.T) {
	_, err := Transition(pendingRecord(), Outcome("Escalate"), 9, "", time.Now())
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = Transition(pendingRecord(), OutcomeApprove, 0, "", time.Now())
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestTransitionDoesNotMutateInput(t *testing.T) {
	rec := pendingRecord()
	_, err := Transition(rec, OutcomeApprove, 9, "ok", time.Now())
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)
	require.Nil(t, rec.CheckerID)
}
