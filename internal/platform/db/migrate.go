package db

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const migrationsTable = "schema_migrations"

// Migration is one numbered schema step.
type Migration struct {
	Name string
	SQL  string
}

// LoadMigrations returns the *.up.sql files of fsys sorted by name.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("platform/db: read migrations: %w", err)
	}
	var out []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		data, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("platform/db: read %s: %w", entry.Name(), err)
		}
		out = append(out, Migration{Name: entry.Name(), SQL: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Pending filters out migrations already recorded as applied.
func Pending(all []Migration, applied map[string]bool) []Migration {
	var out []Migration
	for _, m := range all {
		if !applied[m.Name] {
			out = append(out, m)
		}
	}
	return out
}

// MigrationConn is satisfied by *pgxpool.Pool.
type MigrationConn interface {
	Beginner
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate applies every pending migration of fsys, each in its own
// transaction, and returns the names it applied.
func Migrate(ctx context.Context, conn MigrationConn, fsys fs.FS) ([]string, error) {
	if _, err := conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return nil, fmt.Errorf("platform/db: ensure %s: %w", migrationsTable, err)
	}
	rows, err := conn.Query(ctx, `SELECT name FROM `+migrationsTable)
	if err != nil {
		return nil, fmt.Errorf("platform/db: list applied: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("platform/db: scan applied: %w", err)
	}
	applied := make(map[string]bool, len(names))
	for _, name := range names {
		applied[name] = true
	}

	all, err := LoadMigrations(fsys)
	if err != nil {
		return nil, err
	}
	var done []string
	for _, m := range Pending(all, applied) {
		err := WithTx(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO `+migrationsTable+` (name) VALUES ($1)`, m.Name)
			return err
		})
		if err != nil {
			return done, fmt.Errorf("platform/db: apply %s: %w", m.Name, err)
		}
		done = append(done, m.Name)
	}
	return done, nil
}
