package changes

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/makerchecker/internal/document"
	"github.com/odyssey-erp/makerchecker/internal/rbac"
	"github.com/odyssey-erp/makerchecker/internal/shared"
)

var (
	maker   = rbac.Principal{UserID: 7, TenantID: 1}
	checker = rbac.Principal{UserID: 9, TenantID: 1}
)

// roleStore keeps roles in memory and stages writes until the transaction commits.
type roleStore struct {
	mu       sync.Mutex
	rows     map[string]document.Document
	seq      int
	writeErr error
	writes   atomic.Int32
}

func newRoleStore() *roleStore {
	return &roleStore{rows: make(map[string]document.Document)}
}

func (s *roleStore) seed(key string, state document.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[key] = state
}

func (s *roleStore) get(key string) (document.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.rows[key]
	return doc, ok
}

func (s *roleStore) LoadEntityState(_ context.Context, _ int64, key string) (document.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.rows[key]
	if !ok {
		return nil, fmt.Errorf("role %s: %w", key, shared.ErrNotFound)
	}
	return doc.Clone(), nil
}

func (s *roleStore) WriteEntityState(_ context.Context, tx Tx, _ int64, key string, state document.Document) (string, error) {
	s.writes.Add(1)
	if s.writeErr != nil {
		return "", s.writeErr
	}
	s.mu.Lock()
	if key == "" {
		s.seq++
		key = strconv.Itoa(100 + s.seq)
	}
	s.mu.Unlock()
	state = state.Clone()
	tx.OnCommit(func(context.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.rows[key] = state
	})
	return key, nil
}

func (s *roleStore) DeleteEntityState(_ context.Context, tx Tx, _ int64, key string) error {
	if _, ok := s.get(key); !ok {
		return fmt.Errorf("role %s: %w", key, shared.ErrNotFound)
	}
	tx.OnCommit(func(context.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.rows, key)
	})
	return nil
}

func (s *roleStore) ValidateEntityState(_ Action, state document.Document) error {
	name, ok := state.Get("name")
	if !ok || strings.TrimSpace(string(asString(name))) == "" {
		return fmt.Errorf("%w: role name is required", shared.ErrValidation)
	}
	return nil
}

func asString(v document.Value) document.String {
	s, _ := v.(document.String)
	return s
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []shared.AuditLog
	err     error
}

func (a *recordingAuditor) Record(_ context.Context, _ Tx, entry shared.AuditLog) error {
	if a.err != nil {
		return a.err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *recordingAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

type recordingNotifier struct {
	mu       sync.Mutex
	resolved []ChangeRecord
}

func (n *recordingNotifier) ChangeResolved(_ context.Context, rec ChangeRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved = append(n.resolved, rec)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.resolved)
}

type fixture struct {
	repo     *MemoryRepository
	roles    *roleStore
	audit    *recordingAuditor
	notify   *recordingNotifier
	registry *Registry
	ledger   *Ledger
	builder  *Builder
	now      time.Time
}

func newFixture(t *testing.T, mutate func(*LedgerConfig)) *fixture {
	t.Helper()
	f := &fixture{
		repo:     NewMemoryRepository(),
		roles:    newRoleStore(),
		audit:    &recordingAuditor{},
		notify:   &recordingNotifier{},
		registry: NewRegistry(),
		now:      time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
	}
	f.registry.Register(TableRole, f.roles)
	cfg := LedgerConfig{
		Auditor:  f.audit,
		Notifier: f.notify,
		Now:      func() time.Time { return f.now },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.ledger = NewLedger(f.repo, f.registry, cfg)
	f.builder = NewBuilder(f.registry)
	return f
}

func (f *fixture) submit(t *testing.T, p rbac.Principal, action Action, key string, proposed document.Document) ChangeRecord {
	t.Helper()
	cand, err := f.builder.Build(context.Background(), p, TableRole, action, key, proposed)
	require.NoError(t, err)
	rec, err := f.ledger.Submit(context.Background(), cand)
	require.NoError(t, err)
	return rec
}

func doc(fields map[string]any) document.Document {
	d, err := document.FromMap(fields)
	if err != nil {
		panic(err)
	}
	return d
}
