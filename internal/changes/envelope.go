package changes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/odyssey-erp/makerchecker/internal/document"
	"github.com/odyssey-erp/makerchecker/internal/rbac"
	"github.com/odyssey-erp/makerchecker/internal/shared"
)

// Builder captures current and proposed entity state as a Candidate.
type Builder struct {
	registry *Registry
}

// NewBuilder constructs a Builder over the registered entity stores.
func NewBuilder(registry *Registry) *Builder {
	return &Builder{registry: registry}
}

// Build snapshots the target. Create has an empty old snapshot, Delete an
// empty new snapshot, Update carries both.
func (b *Builder) Build(ctx context.Context, maker rbac.Principal, table string, action Action, key string, proposed document.Document) (Candidate, error) {
	if !maker.Authenticated() {
		return Candidate{}, fmt.Errorf("%w: maker identity required", shared.ErrValidation)
	}
	store, err := b.registry.Lookup(table)
	if err != nil {
		return Candidate{}, err
	}
	key = strings.TrimSpace(key)
	cand := Candidate{
		TenantID:  maker.TenantID,
		Table:     table,
		Action:    action,
		TargetKey: key,
		MakerID:   maker.UserID,
	}

	switch action {
	case ActionCreate:
		if proposed.IsEmpty() {
			return Candidate{}, fmt.Errorf("%w: create requires a proposed state", shared.ErrValidation)
		}
		cand.NewValue = proposed.Clone()
		if cand.TargetKey, err = createKey(store, key, proposed); err != nil {
			return Candidate{}, err
		}
	case ActionUpdate:
		if key == "" {
			return Candidate{}, fmt.Errorf("%w: update requires a target key", shared.ErrValidation)
		}
		if proposed.IsEmpty() {
			return Candidate{}, fmt.Errorf("%w: update requires a proposed state", shared.ErrValidation)
		}
		current, err := b.load(ctx, store, table, maker.TenantID, key)
		if err != nil {
			return Candidate{}, err
		}
		cand.OldValue = current
		cand.NewValue = proposed.Clone()
	case ActionDelete:
		if key == "" {
			return Candidate{}, fmt.Errorf("%w: delete requires a target key", shared.ErrValidation)
		}
		current, err := b.load(ctx, store, table, maker.TenantID, key)
		if err != nil {
			return Candidate{}, err
		}
		cand.OldValue = current
	default:
		return Candidate{}, fmt.Errorf("%w: unsupported action %q", shared.ErrValidation, action)
	}

	if v, ok := store.(StateValidator); ok && action != ActionDelete {
		if err := v.ValidateEntityState(action, cand.NewValue); err != nil {
			return Candidate{}, err
		}
	}
	return cand, nil
}

func createKey(store EntityStore, key string, proposed document.Document) (string, error) {
	deriver, ok := store.(KeyDeriver)
	if !ok {
		if key != "" {
			return "", fmt.Errorf("%w: create takes no target key", shared.ErrValidation)
		}
		return "", nil
	}
	derived, err := deriver.DeriveEntityKey(proposed)
	if err != nil {
		return "", err
	}
	if key != "" && key != derived {
		return "", fmt.Errorf("%w: target key %q does not match proposed state", shared.ErrValidation, key)
	}
	return derived, nil
}

func (b *Builder) load(ctx context.Context, store EntityStore, table string, tenantID int64, key string) (document.Document, error) {
	state, err := store.LoadEntityState(ctx, tenantID, key)
	switch {
	case err == nil:
		return state.Clone(), nil
	case errors.Is(err, shared.ErrNotFound):
		return nil, fmt.Errorf("%s %s: %w", table, key, shared.ErrNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: load %s %s: %w", shared.ErrDependency, table, key, err)
	}
}
