package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type stubCatalog struct {
	keys []string
	err  error
}

func (s stubCatalog) ListPermissions(context.Context) ([]string, error) {
	return s.keys, s.err
}

func permissionsRouter(t *testing.T, src *fakeSource, catalog Catalog) http.Handler {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := newTestCache(src, clock)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewPermissionsHandler(logger, cache, catalog, Middleware{Authorizer: NewAuthorizer(cache), Logger: logger})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), maker)))
		})
	})
	r.Route("/permissions", h.MountRoutes)
	return r
}

func serve(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestPermissionsMeReportsCacheHit(t *testing.T) {
	router := permissionsRouter(t, newFakeSource(), nil)

	var first, second permissionsResponse
	rec := serve(router, "/permissions/me")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.Equal(t, []string{"changes.submit", "changes.view"}, first.Permissions)
	require.False(t, first.CacheHit)

	rec = serve(router, "/permissions/me")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	require.True(t, second.CacheHit)
}

func TestPermissionsCatalogRequiresPermission(t *testing.T) {
	router := permissionsRouter(t, newFakeSource(), stubCatalog{keys: []string{"changes.view"}})
	require.Equal(t, http.StatusForbidden, serve(router, "/permissions/").Code)
}

func TestPermissionsCatalogListsKeys(t *testing.T) {
	src := newFakeSource()
	src.setActions(2, "permissions.view")
	router := permissionsRouter(t, src, stubCatalog{keys: []string{"changes.view", "roles.edit"}})

	rec := serve(router, "/permissions/")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, []string{"changes.view", "roles.edit"}, body["permissions"])
}

func TestPermissionsCatalogFailure(t *testing.T) {
	src := newFakeSource()
	src.setActions(2, "permissions.view")
	router := permissionsRouter(t, src, stubCatalog{err: errors.New("db down")})
	require.Equal(t, http.StatusInternalServerError, serve(router, "/permissions/").Code)
}

func TestPermissionsGroupRejectsBadID(t *testing.T) {
	src := newFakeSource()
	src.setActions(2, "permissions.view")
	router := permissionsRouter(t, src, nil)
	require.Equal(t, http.StatusBadRequest, serve(router, "/permissions/groups/abc").Code)

	rec := serve(router, "/permissions/groups/1")
	require.Equal(t, http.StatusOK, rec.Code)
}
