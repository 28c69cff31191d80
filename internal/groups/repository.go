package groups

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

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

// ListGroups returns the tenant's groups with member and role counts.
func (r *Repository) ListGroups(ctx context.Context, tenantID int64) ([]Group, error) {
	rows, err := r.db.Query(ctx, `SELECT g.id, g.tenant_id, g.name, g.description,
       (SELECT COUNT(*) FROM user_groups ug WHERE ug.group_id = g.id),
       (SELECT COUNT(*) FROM group_roles gr WHERE gr.group_id = g.id)
FROM groups g
WHERE g.tenant_id = $1
ORDER BY g.name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("groups: list: %w", err)
	}
	defer rows.Close()
	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.TenantID, &g.Name, &g.Description, &g.Members, &g.Roles); err != nil {
			return nil, fmt.Errorf("groups: scan: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("groups: list: %w", err)
	}
	return groups, nil
}

// ListMembers returns the users of a group.
func (r *Repository) ListMembers(ctx context.Context, tenantID, groupID int64) ([]Member, error) {
	rows, err := r.db.Query(ctx, `SELECT u.id, u.email, u.is_active
FROM user_groups ug
JOIN users u ON u.id = ug.user_id
WHERE ug.tenant_id = $1 AND ug.group_id = $2
ORDER BY u.email`, tenantID, groupID)
	if err != nil {
		return nil, fmt.Errorf("groups: members: %w", err)
	}
	members, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Member, error) {
		var m Member
		err := row.Scan(&m.UserID, &m.Email, &m.IsActive)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("groups: scan members: %w", err)
	}
	return members, nil
}

// LinkExists reports whether the (group, member) row is present in the link table.
func (r *Repository) LinkExists(ctx context.Context, l Link, tenantID, groupID, memberID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE tenant_id = $1 AND group_id = $2 AND %s = $3)`,
		l.table, l.column), tenantID, groupID, memberID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("groups: %s lookup: %w", l.table, err)
	}
	return exists, nil
}
