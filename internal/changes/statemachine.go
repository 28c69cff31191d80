package changes

import (
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/makerchecker/internal/shared"
)

// Transition applies outcome to a Pending record and returns the resolved copy.
// It has no side effects; applying the new state to the target entity is the
// ledger's job.
func Transition(rec ChangeRecord, outcome Outcome, checkerID int64, comment string, at time.Time) (ChangeRecord, error) {
	if rec.Status.Terminal() {
		return ChangeRecord{}, fmt.Errorf("%w: change record %s is already %s", shared.ErrConflict, rec.ID, rec.Status)
	}
	if rec.Status != StatusPending {
		return ChangeRecord{}, fmt.Errorf("%w: change record %s has unknown status %q", shared.ErrConflict, rec.ID, rec.Status)
	}
	if checkerID <= 0 {
		return ChangeRecord{}, fmt.Errorf("%w: checker identity required", shared.ErrValidation)
	}
	comment = strings.TrimSpace(comment)

	next := rec
	switch outcome {
	case OutcomeApprove:
		next.Status = StatusApproved
	case OutcomeDecline:
		if comment == "" {
			return ChangeRecord{}, fmt.Errorf("%w: a comment is required to decline", shared.ErrValidation)
		}
		next.Status = StatusDeclined
	default:
		return ChangeRecord{}, fmt.Errorf("%w: unknown outcome %q", shared.ErrValidation, outcome)
	}
	at = at.UTC()
	next.CheckerID = &checkerID
	next.CheckerAt = &at
	next.Comment = comment
	next.Version = rec.Version + 1
	return next, nil
}
