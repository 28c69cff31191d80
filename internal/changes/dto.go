package changes

import (
	"time"

	"github.com/odyssey-erp/makerchecker/internal/document"
	"github.com/odyssey-erp/makerchecker/internal/shared"
)

type submitRequest struct {
	Table    string            `json:"table" validate:"required,max=64"`
	Action   string            `json:"action" validate:"required,max=16"`
	Key      string            `json:"key" validate:"max=128"`
	Proposed document.Document `json:"proposed"`
}

type resolveRequest struct {
	Comment string `json:"comment" validate:"max=2000"`
}

type recordResponse struct {
	ID        string            `json:"id"`
	Table     string            `json:"table"`
	Action    Action            `json:"action"`
	TargetKey string            `json:"key,omitempty"`
	MakerID   int64             `json:"maker_id"`
	MakerAt   time.Time         `json:"maker_at"`
	OldValue  document.Document `json:"old_value"`
	NewValue  document.Document `json:"new_value"`
	Status    Status            `json:"status"`
	CheckerID *int64            `json:"checker_id,omitempty"`
	CheckerAt *time.Time        `json:"checker_at,omitempty"`
	Comment   string            `json:"comment,omitempty"`
	Version   int64             `json:"version"`
	Diff      []DiffEntry       `json:"diff,omitempty"`
}

type listResponse struct {
	Records    []recordResponse  `json:"records"`
	Pagination shared.Pagination `json:"pagination"`
}

func toResponse(rec ChangeRecord) recordResponse {
	return recordResponse{
		ID:        rec.ID,
		Table:     rec.Table,
		Action:    rec.Action,
		TargetKey: rec.TargetKey,
		MakerID:   rec.MakerID,
		MakerAt:   rec.MakerAt,
		OldValue:  rec.OldValue,
		NewValue:  rec.NewValue,
		Status:    rec.Status,
		CheckerID: rec.CheckerID,
		CheckerAt: rec.CheckerAt,
		Comment:   rec.Comment,
		Version:   rec.Version,
	}
}
