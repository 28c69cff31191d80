package roles

import (
	"time"

	"github.com/odyssey-erp/makerchecker/internal/document"
)

// Role is a named bundle of permission keys within a tenant.
type Role struct {
	ID          int64     `json:"id"`
	TenantID    int64     `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// state is the snapshot form of a Role held in change records. A nil
// Permissions means the field was absent.
type state struct {
	Name        string   `json:"name" validate:"required,max=100"`
	Description string   `json:"description" validate:"max=500"`
	Permissions []string `json:"permissions" validate:"dive,required,max=100"`
}

// Snapshot converts r into its change-record document.
func (r Role) Snapshot() document.Document {
	perms := make(document.Array, 0, len(r.Permissions))
	for _, p := range r.Permissions {
		perms = append(perms, document.NewString(p))
	}
	return document.Document{
		"name":        document.NewString(r.Name),
		"description": document.NewString(r.Description),
		"permissions": perms,
	}
}
