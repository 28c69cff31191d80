package changes

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/odyssey-erp/makerchecker/internal/document"
	"github.com/odyssey-erp/makerchecker/internal/shared"
)

// EntityStore is the write path of an entity placed under change control.
// LoadEntityState returns shared.ErrNotFound when the key is unknown.
type EntityStore interface {
	LoadEntityState(ctx context.Context, tenantID int64, key string) (document.Document, error)
	// WriteEntityState creates (empty key) or replaces the entity and returns its key.
	WriteEntityState(ctx context.Context, tx Tx, tenantID int64, key string, state document.Document) (string, error)
	DeleteEntityState(ctx context.Context, tx Tx, tenantID int64, key string) error
}

// StateValidator is implemented by stores that check proposed states before submission.
type StateValidator interface {
	ValidateEntityState(action Action, state document.Document) error
}

// KeyDeriver is implemented by stores whose key follows from the state itself,
// such as link tables. Creates on other stores take no key.
type KeyDeriver interface {
	DeriveEntityKey(state document.Document) (string, error)
}

// Registry maps table names to their entity stores.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]EntityStore
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]EntityStore)}
}

// Register binds table to store, replacing any previous binding.
func (r *Registry) Register(table string, store EntityStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[table] = store
}

// Lookup returns the store for table or a validation error.
func (r *Registry) Lookup(table string) (EntityStore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	store, ok := r.stores[table]
	if !ok {
		return nil, fmt.Errorf("%w: table %q is not under change control", shared.ErrValidation, table)
	}
	return store, nil
}

// Tables lists registered table names in sorted order.
func (r *Registry) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tables := make([]string, 0, len(r.stores))
	for t := range r.stores {
		tables = append(tables, t)
	}
	slices.Sort(tables)
	return tables
}
