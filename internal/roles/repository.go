package roles

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/makerchecker/internal/shared"
)

const roleSelect = `SELECT r.id, r.tenant_id, r.name, r.description,
       COALESCE(array_agg(p.name ORDER BY p.name) FILTER (WHERE p.name IS NOT NULL), '{}'),
       r.created_at, r.updated_at
FROM roles r
LEFT JOIN role_permissions rp ON rp.role_id = r.id
LEFT JOIN permissions p ON p.id = rp.permission_id`

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository provides PostgreSQL backed reads.
type Repository struct {
	db Querier
}

// NewRepository constructs a repository.
func NewRepository(db Querier) *Repository {
	return &Repository{db: db}
}

// ListRoles returns the tenant's roles ordered by name.
func (r *Repository) ListRoles(ctx context.Context, tenantID int64) ([]Role, error) {
	rows, err := r.db.Query(ctx, roleSelect+`
WHERE r.tenant_id = $1
GROUP BY r.id
ORDER BY r.name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("roles: list: %w", err)
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("roles: scan: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roles: list: %w", err)
	}
	return roles, nil
}

// GetRole returns one role or shared.ErrNotFound.
func (r *Repository) GetRole(ctx context.Context, tenantID, id int64) (Role, error) {
	row := r.db.QueryRow(ctx, roleSelect+`
WHERE r.tenant_id = $1 AND r.id = $2
GROUP BY r.id`, tenantID, id)
	role, err := scanRole(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, fmt.Errorf("role %d: %w", id, shared.ErrNotFound)
		}
		return Role{}, fmt.Errorf("roles: get %d: %w", id, err)
	}
	return role, nil
}

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.TenantID, &role.Name, &role.Description, &role.Permissions, &role.CreatedAt, &role.UpdatedAt)
	return role, err
}
