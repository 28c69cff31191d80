// Package changestest provides a scripted changes.Tx for entity store tests.
package changestest

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotScripted is returned when a test did not script enough responses.
var ErrNotScripted = errors.New("changestest: statement not scripted")

// Statement is one recorded SQL call.
type Statement struct {
	SQL  string
	Args []any
}

// Row answers a QueryRow call.
type Row struct {
	Values []any
	Err    error
}

// Scan copies Values into dest by assignment.
func (r Row) Scan(dest ...any) error {
	if r.Err != nil {
		return r.Err
	}
	if len(dest) != len(r.Values) {
		return fmt.Errorf("changestest: scan %d values into %d targets", len(r.Values), len(dest))
	}
	for i, v := range r.Values {
		target := reflect.ValueOf(dest[i])
		if target.Kind() != reflect.Pointer || target.IsNil() {
			return fmt.Errorf("changestest: target %d is not a pointer", i)
		}
		if v == nil {
			target.Elem().SetZero()
			continue
		}
		val := reflect.ValueOf(v)
		if !val.Type().AssignableTo(target.Elem().Type()) {
			return fmt.Errorf("changestest: cannot assign %T to %s", v, target.Elem().Type())
		}
		target.Elem().Set(val)
	}
	return nil
}

// Tx records statements and replays scripted results in order. Exec calls
// without a scripted tag report one affected row.
type Tx struct {
	Statements []Statement
	Rows       []Row
	Tags       []string
	ExecErr    error

	hooks []func(context.Context)
}

// Exec implements changes.Tx.
func (t *Tx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.Statements = append(t.Statements, Statement{SQL: sql, Args: args})
	if t.ExecErr != nil {
		return pgconn.CommandTag{}, t.ExecErr
	}
	tag := "UPDATE 1"
	if len(t.Tags) > 0 {
		tag, t.Tags = t.Tags[0], t.Tags[1:]
	}
	return pgconn.NewCommandTag(tag), nil
}

// Query implements changes.Tx. Stores under test read through QueryRow.
func (t *Tx) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	t.Statements = append(t.Statements, Statement{SQL: sql, Args: args})
	return nil, ErrNotScripted
}

// QueryRow implements changes.Tx.
func (t *Tx) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	t.Statements = append(t.Statements, Statement{SQL: sql, Args: args})
	if len(t.Rows) == 0 {
		return Row{Err: ErrNotScripted}
	}
	row := t.Rows[0]
	t.Rows = t.Rows[1:]
	return row
}

// OnCommit implements changes.Tx.
func (t *Tx) OnCommit(fn func(context.Context)) {
	t.hooks = append(t.hooks, fn)
}

// Commit runs the registered commit hooks.
func (t *Tx) Commit(ctx context.Context) {
	for _, hook := range t.hooks {
		hook(ctx)
	}
	t.hooks = nil
}

// Hooks reports how many commit hooks are pending.
func (t *Tx) Hooks() int {
	return len(t.hooks)
}
