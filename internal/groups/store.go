package groups

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/makerchecker/internal/changes"
	"github.com/odyssey-erp/makerchecker/internal/document"
	"github.com/odyssey-erp/makerchecker/internal/shared"
)

const pgForeignKeyViolation = "23503"

// Invalidator drops cached permission sets. *rbac.Cache implements it.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID, userID int64) error
	InvalidateGroup(ctx context.Context, tenantID, groupID int64) error
}

// Link describes a group link table placed under change control.
type Link struct {
	entity string
	table  string
	column string
	source string
	field  string
}

var (
	// MembershipLink assigns users to groups.
	MembershipLink = Link{entity: changes.TableGroupMembership, table: "user_groups", column: "user_id", source: "users", field: "user_id"}
	// RoleLink grants roles to groups.
	RoleLink = Link{entity: changes.TableGroupRole, table: "group_roles", column: "role_id", source: "roles", field: "role_id"}
)

// Entity is the change-record table name of the link.
func (l Link) Entity() string { return l.entity }

type linkState struct {
	GroupID int64 `json:"group_id"`
	UserID  int64 `json:"user_id"`
	RoleID  int64 `json:"role_id"`
}

// Store is the entity store of one link table. Links are created or deleted,
// never updated.
type Store struct {
	link   Link
	repo   RepositoryPort
	cache  Invalidator
	logger *slog.Logger
}

// NewMembershipStore constructs the GroupMembership store.
func NewMembershipStore(repo RepositoryPort, cache Invalidator, logger *slog.Logger) *Store {
	return newStore(MembershipLink, repo, cache, logger)
}

// NewRoleAssignmentStore constructs the GroupRole store.
func NewRoleAssignmentStore(repo RepositoryPort, cache Invalidator, logger *slog.Logger) *Store {
	return newStore(RoleLink, repo, cache, logger)
}

func newStore(link Link, repo RepositoryPort, cache Invalidator, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{link: link, repo: repo, cache: cache, logger: logger}
}

// Link returns the link table served by the store.
func (s *Store) Link() Link { return s.link }

// DeriveEntityKey implements changes.KeyDeriver.
func (s *Store) DeriveEntityKey(doc document.Document) (string, error) {
	groupID, memberID, err := s.decode(doc)
	if err != nil {
		return "", err
	}
	return linkKey(groupID, memberID), nil
}

// ValidateEntityState implements changes.StateValidator.
func (s *Store) ValidateEntityState(action changes.Action, doc document.Document) error {
	if action == changes.ActionUpdate {
		return fmt.Errorf("%w: %s links are created or deleted, not updated", shared.ErrValidation, s.link.entity)
	}
	_, _, err := s.decode(doc)
	return err
}

// LoadEntityState implements changes.EntityStore.
func (s *Store) LoadEntityState(ctx context.Context, tenantID int64, key string) (document.Document, error) {
	groupID, memberID, err := parseLinkKey(key)
	if err != nil {
		return nil, err
	}
	exists, err := s.repo.LinkExists(ctx, s.link, tenantID, groupID, memberID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%s %s: %w", s.link.entity, key, shared.ErrNotFound)
	}
	return s.snapshot(groupID, memberID), nil
}

// WriteEntityState implements changes.EntityStore.
func (s *Store) WriteEntityState(ctx context.Context, tx changes.Tx, tenantID int64, key string, doc document.Document) (string, error) {
	groupID, memberID, err := s.decode(doc)
	if err != nil {
		return "", err
	}
	derived := linkKey(groupID, memberID)
	if key != "" && key != derived {
		return "", fmt.Errorf("%w: key %q does not match state %q", shared.ErrValidation, key, derived)
	}
	tag, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %[1]s (tenant_id, group_id, %[2]s)
SELECT g.tenant_id, g.id, m.id
FROM groups g
JOIN %[3]s m ON m.tenant_id = g.tenant_id AND m.id = $3
WHERE g.tenant_id = $1 AND g.id = $2`, s.link.table, s.link.column, s.link.source), tenantID, groupID, memberID)
	if err != nil {
		var pgErr *pgconn.PgError
		switch {
		case shared.IsUniqueViolation(err):
			return "", fmt.Errorf("%w: %s %s already exists", shared.ErrConflict, s.link.entity, derived)
		case errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation:
			return "", fmt.Errorf("%s %s: %w", s.link.entity, derived, shared.ErrNotFound)
		}
		return "", fmt.Errorf("groups: insert %s: %w", s.link.table, err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("group %d or %s %d: %w", groupID, s.link.field, memberID, shared.ErrNotFound)
	}
	s.invalidateOnCommit(tx, tenantID, groupID, memberID)
	return derived, nil
}

// DeleteEntityState implements changes.EntityStore.
func (s *Store) DeleteEntityState(ctx context.Context, tx changes.Tx, tenantID int64, key string) error {
	groupID, memberID, err := parseLinkKey(key)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = $1 AND group_id = $2 AND %s = $3`,
		s.link.table, s.link.column), tenantID, groupID, memberID)
	if err != nil {
		return fmt.Errorf("groups: delete %s: %w", s.link.table, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", s.link.entity, key, shared.ErrNotFound)
	}
	s.invalidateOnCommit(tx, tenantID, groupID, memberID)
	return nil
}

func (s *Store) invalidateOnCommit(tx changes.Tx, tenantID, groupID, memberID int64) {
	if s.cache == nil {
		return
	}
	tx.OnCommit(func(ctx context.Context) {
		var err error
		if s.link.column == MembershipLink.column {
			err = s.cache.Invalidate(ctx, tenantID, memberID)
		} else {
			err = s.cache.InvalidateGroup(ctx, tenantID, groupID)
		}
		if err != nil {
			s.logger.Warn("group change invalidation",
				slog.String("entity", s.link.entity),
				slog.Int64("group_id", groupID),
				slog.Any("error", err))
		}
	})
}

func (s *Store) decode(doc document.Document) (groupID, memberID int64, err error) {
	var st linkState
	if err := doc.Decode(&st); err != nil {
		return 0, 0, fmt.Errorf("%w: %s state: %v", shared.ErrValidation, s.link.entity, err)
	}
	memberID = st.UserID
	if s.link.field == RoleLink.field {
		memberID = st.RoleID
	}
	if st.GroupID <= 0 || memberID <= 0 {
		return 0, 0, fmt.Errorf("%w: %s requires group_id and %s", shared.ErrValidation, s.link.entity, s.link.field)
	}
	return st.GroupID, memberID, nil
}

func (s *Store) snapshot(groupID, memberID int64) document.Document {
	return document.Document{
		"group_id":   document.Number(groupID),
		s.link.field: document.Number(memberID),
	}
}

var (
	_ changes.EntityStore    = (*Store)(nil)
	_ changes.StateValidator = (*Store)(nil)
	_ changes.KeyDeriver     = (*Store)(nil)
)
