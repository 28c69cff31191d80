package roles

import (
	"context"
)

// RepositoryPort defines data access methods for roles.
type RepositoryPort interface {
	ListRoles(ctx context.Context, tenantID int64) ([]Role, error)
	GetRole(ctx context.Context, tenantID, id int64) (Role, error)
}

// Service handles role reads. Writes go through change records.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ListRoles returns all roles of the tenant.
func (s *Service) ListRoles(ctx context.Context, tenantID int64) ([]Role, error) {
	roles, err := s.repo.ListRoles(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if roles == nil {
		roles = []Role{}
	}
	return roles, nil
}

// GetRole returns a single role.
func (s *Service) GetRole(ctx context.Context, tenantID, id int64) (Role, error) {
	return s.repo.GetRole(ctx, tenantID, id)
}
