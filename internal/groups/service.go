package groups

import (
	"context"
)

// RepositoryPort defines data access methods for groups.
type RepositoryPort interface {
	ListGroups(ctx context.Context, tenantID int64) ([]Group, error)
	ListMembers(ctx context.Context, tenantID, groupID int64) ([]Member, error)
	LinkExists(ctx context.Context, l Link, tenantID, groupID, memberID int64) (bool, error)
}

// Service handles group reads. Assignments change through change records.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// ListGroups returns all groups of the tenant.
func (s *Service) ListGroups(ctx context.Context, tenantID int64) ([]Group, error) {
	groups, err := s.repo.ListGroups(ctx, tenantID)
	if groups == nil && err == nil {
		groups = []Group{}
	}
	return groups, err
}

// ListMembers returns the members of a group.
func (s *Service) ListMembers(ctx context.Context, tenantID, groupID int64) ([]Member, error) {
	members, err := s.repo.ListMembers(ctx, tenantID, groupID)
	if members == nil && err == nil {
		members = []Member{}
	}
	return members, err
}
