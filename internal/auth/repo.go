package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/odyssey-erp/makerchecker/internal/shared"
)

// Repository defines persistence operations for auth module.
type Repository interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
}

// RowQuerier is satisfied by *pgxpool.Pool and pgx.Tx.
type RowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db RowQuerier
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(db RowQuerier) *PGRepository {
	return &PGRepository{db: db}
}

// FindByEmail fetches a user by email.
func (r *PGRepository) FindByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	var created, updated pgtype.Timestamptz
	err := r.db.QueryRow(ctx, `SELECT id, tenant_id, email, password_hash, is_active, created_at, updated_at
FROM users WHERE lower(email) = $1`, strings.ToLower(strings.TrimSpace(email))).
		Scan(&user.ID, &user.TenantID, &user.Email, &user.PasswordHash, &user.IsActive, &created, &updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	user.CreatedAt = created.Time
	user.UpdatedAt = updated.Time
	return &user, nil
}

var _ Repository = (*PGRepository)(nil)
