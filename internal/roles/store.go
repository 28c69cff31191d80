package roles

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/makerchecker/internal/changes"
	"github.com/odyssey-erp/makerchecker/internal/document"
	"github.com/odyssey-erp/makerchecker/internal/rbac"
	"github.com/odyssey-erp/makerchecker/internal/shared"
)

// Invalidator drops cached permissions of a group. *rbac.Cache implements it.
type Invalidator interface {
	InvalidateGroup(ctx context.Context, tenantID, groupID int64) error
}

// Store places roles under change control as the Role table.
type Store struct {
	repo      RepositoryPort
	cache     Invalidator
	logger    *slog.Logger
	validator *validator.Validate
}

// NewStore constructs a Store. cache may be nil.
func NewStore(repo RepositoryPort, cache Invalidator, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{repo: repo, cache: cache, logger: logger, validator: validator.New()}
}

// LoadEntityState implements changes.EntityStore.
func (s *Store) LoadEntityState(ctx context.Context, tenantID int64, key string) (document.Document, error) {
	id, err := parseKey(key)
	if err != nil {
		return nil, err
	}
	role, err := s.repo.GetRole(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return role.Snapshot(), nil
}

// ValidateEntityState implements changes.StateValidator.
func (s *Store) ValidateEntityState(_ changes.Action, doc document.Document) error {
	_, err := s.decode(doc)
	return err
}

// WriteEntityState implements changes.EntityStore. A missing permissions field
// leaves the role's grants untouched.
func (s *Store) WriteEntityState(ctx context.Context, tx changes.Tx, tenantID int64, key string, doc document.Document) (string, error) {
	st, err := s.decode(doc)
	if err != nil {
		return "", err
	}

	var id int64
	if key == "" {
		err = tx.QueryRow(ctx, `INSERT INTO roles (tenant_id, name, description) VALUES ($1, $2, $3) RETURNING id`,
			tenantID, st.Name, st.Description).Scan(&id)
		if err != nil {
			return "", nameError(st.Name, "insert", err)
		}
	} else {
		if id, err = parseKey(key); err != nil {
			return "", err
		}
		tag, err := tx.Exec(ctx, `UPDATE roles SET name = $1, description = $2, updated_at = NOW() WHERE tenant_id = $3 AND id = $4`,
			st.Name, st.Description, tenantID, id)
		if err != nil {
			return "", nameError(st.Name, "update", err)
		}
		if tag.RowsAffected() == 0 {
			return "", fmt.Errorf("role %d: %w", id, shared.ErrNotFound)
		}
	}

	if st.Permissions != nil {
		if err := replacePermissions(ctx, tx, id, st.Permissions); err != nil {
			return "", err
		}
		if key != "" {
			if err := s.invalidateHolders(ctx, tx, tenantID, id); err != nil {
				return "", err
			}
		}
	}
	return strconv.FormatInt(id, 10), nil
}

// DeleteEntityState implements changes.EntityStore.
func (s *Store) DeleteEntityState(ctx context.Context, tx changes.Tx, tenantID int64, key string) error {
	id, err := parseKey(key)
	if err != nil {
		return err
	}
	if err := s.invalidateHolders(ctx, tx, tenantID, id); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM roles WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("roles: delete %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("role %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

func (s *Store) decode(doc document.Document) (state, error) {
	var st state
	if err := doc.Decode(&st); err != nil {
		return state{}, fmt.Errorf("%w: role state: %v", shared.ErrValidation, err)
	}
	st.Name = strings.TrimSpace(st.Name)
	st.Description = strings.TrimSpace(st.Description)
	if err := s.validator.Struct(st); err != nil {
		return state{}, fmt.Errorf("%w: role state: %v", shared.ErrValidation, err)
	}
	if st.Permissions != nil {
		st.Permissions = rbac.NewPermissionSet(st.Permissions...).Keys()
	}
	return st, nil
}

func replacePermissions(ctx context.Context, tx changes.Tx, roleID int64, perms []string) error {
	if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
		return fmt.Errorf("roles: clear permissions: %w", err)
	}
	if len(perms) == 0 {
		return nil
	}
	tag, err := tx.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id)
SELECT $1, id FROM permissions WHERE name = ANY($2)`, roleID, perms)
	if err != nil {
		return fmt.Errorf("roles: grant permissions: %w", err)
	}
	if tag.RowsAffected() != int64(len(perms)) {
		return fmt.Errorf("%w: role references unknown permissions", shared.ErrValidation)
	}
	return nil
}

// invalidateHolders schedules cache invalidation for every group holding the role.
func (s *Store) invalidateHolders(ctx context.Context, tx changes.Tx, tenantID, roleID int64) error {
	if s.cache == nil {
		return nil
	}
	var groups []int64
	err := tx.QueryRow(ctx, `SELECT COALESCE(array_agg(group_id ORDER BY group_id), '{}')
FROM group_roles WHERE tenant_id = $1 AND role_id = $2`, tenantID, roleID).Scan(&groups)
	if err != nil {
		return fmt.Errorf("roles: holders of %d: %w", roleID, err)
	}
	if len(groups) == 0 {
		return nil
	}
	tx.OnCommit(func(ctx context.Context) {
		for _, g := range groups {
			if err := s.cache.InvalidateGroup(ctx, tenantID, g); err != nil {
				s.logger.Warn("role change invalidation", slog.Int64("group_id", g), slog.Any("error", err))
			}
		}
	})
	return nil
}

func nameError(name, op string, err error) error {
	if shared.IsUniqueViolation(err) {
		return fmt.Errorf("%w: role %q already exists", shared.ErrValidation, name)
	}
	return fmt.Errorf("roles: %s %q: %w", op, name, err)
}

func parseKey(key string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: role key %q", shared.ErrValidation, key)
	}
	return id, nil
}

var (
	_ changes.EntityStore    = (*Store)(nil)
	_ changes.StateValidator = (*Store)(nil)
)
