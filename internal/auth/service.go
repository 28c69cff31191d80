package auth

import (
	"context"

	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/makerchecker/internal/rbac"
	"github.com/odyssey-erp/makerchecker/internal/shared"
)

// GroupLoader resolves a user's role groups at login.
type GroupLoader interface {
	LoadUserGroupIDs(ctx context.Context, tenantID, userID int64) ([]int64, error)
}

// Service wraps authentication business rules.
type Service struct {
	repo   Repository
	groups GroupLoader
	tokens *TokenIssuer
}

// NewService constructs a new Service.
func NewService(repo Repository, groups GroupLoader, tokens *TokenIssuer) *Service {
	return &Service{repo: repo, groups: groups, tokens: tokens}
}

// Authenticate validates email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// Login authenticates the credentials and issues an access token.
func (s *Service) Login(ctx context.Context, email, password string) (Token, error) {
	user, err := s.Authenticate(ctx, email, password)
	if err != nil {
		return Token{}, err
	}
	var groups []int64
	if s.groups != nil {
		if groups, err = s.groups.LoadUserGroupIDs(ctx, user.TenantID, user.ID); err != nil {
			return Token{}, err
		}
	}
	return s.tokens.Issue(rbac.Principal{UserID: user.ID, TenantID: user.TenantID, GroupIDs: groups})
}
