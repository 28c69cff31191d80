package rbac

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Source loads role assignments from the persistence layer.
type Source interface {
	LoadUserGroupIDs(ctx context.Context, tenantID, userID int64) ([]int64, error)
	LoadGroupRoleActions(ctx context.Context, tenantID, groupID int64) ([]string, error)
}

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGSource reads group membership and role actions from PostgreSQL.
type PGSource struct {
	db Querier
}

// NewPGSource constructs a PGSource.
func NewPGSource(db Querier) *PGSource {
	return &PGSource{db: db}
}

// LoadUserGroupIDs returns the groups the user belongs to.
func (s *PGSource) LoadUserGroupIDs(ctx context.Context, tenantID, userID int64) ([]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT group_id FROM user_groups WHERE tenant_id=$1 AND user_id=$2 ORDER BY group_id`, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("rbac: load user groups: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("rbac: scan user groups: %w", err)
	}
	return ids, nil
}

// LoadGroupRoleActions returns the role-action strings granted to a group.
func (s *PGSource) LoadGroupRoleActions(ctx context.Context, tenantID, groupID int64) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT p.name
FROM group_roles gr
JOIN role_permissions rp ON rp.role_id = gr.role_id
JOIN permissions p ON p.id = rp.permission_id
WHERE gr.tenant_id=$1 AND gr.group_id=$2
ORDER BY p.name`, tenantID, groupID)
	if err != nil {
		return nil, fmt.Errorf("rbac: load group actions: %w", err)
	}
	actions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("rbac: scan group actions: %w", err)
	}
	return actions, nil
}

// ListPermissions returns every permission key known to the system.
func (s *PGSource) ListPermissions(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT name FROM permissions ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("rbac: list permissions: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// EnsurePermission upserts a permission key.
func (s *PGSource) EnsurePermission(ctx context.Context, name, description string) error {
	_, err := s.db.Exec(ctx, `INSERT INTO permissions (name, description) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description`, normalizePermission(name), description)
	if err != nil {
		return fmt.Errorf("rbac: ensure permission %s: %w", name, err)
	}
	return nil
}
