package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Serialization failure raised by PostgreSQL under RepeatableRead.
const pgSerializationFailure = "40001"

// ErrSerialization reports that a concurrent transaction won a write race.
var ErrSerialization = errors.New("platform/db: serialization failure")

// Beginner is satisfied by *pgxpool.Pool.
type Beginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// WithTx executes a function within a transaction using the RepeatableRead isolation level.
func WithTx(ctx context.Context, pool Beginner, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", classify(err))
	}

	return nil
}

// IsSerializationFailure reports whether err carries SQLSTATE 40001 or has
// already been classified as ErrSerialization.
func IsSerializationFailure(err error) bool {
	if errors.Is(err, ErrSerialization) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgSerializationFailure
}

func classify(err error) error {
	if errors.Is(err, ErrSerialization) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgSerializationFailure {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return err
}
