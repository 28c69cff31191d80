package roles

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/makerchecker/internal/rbac"
	"github.com/odyssey-erp/makerchecker/internal/shared"
)

type staticPerms rbac.PermissionSet

func (s staticPerms) Permissions(context.Context, int64, int64) (rbac.PermissionSet, bool, error) {
	return rbac.PermissionSet(s), true, nil
}

func newRoleRouter(perms ...string) http.Handler {
	repo := &memoryRepo{roles: map[int64]Role{
		3: {ID: 3, TenantID: 1, Name: "Clerk", Permissions: []string{"roles.view"}},
		5: {ID: 5, TenantID: 2, Name: "Other tenant"},
	}}
	authz := rbac.NewAuthorizer(staticPerms(rbac.NewPermissionSet(perms...)))
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), NewService(repo), rbac.Middleware{Authorizer: authz})
	r := chi.NewRouter()
	r.Route("/roles", h.MountRoutes)
	return r
}

func get(router http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req = req.WithContext(rbac.ContextWithPrincipal(req.Context(), rbac.Principal{UserID: 7, TenantID: 1}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHandlerListsTenantRoles(t *testing.T) {
	rr := get(newRoleRouter(shared.PermRolesView), "/roles")
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Roles []Role `json:"roles"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Roles, 1)
	require.Equal(t, "Clerk", body.Roles[0].Name)
}

func TestHandlerGetRole(t *testing.T) {
	router := newRoleRouter(shared.PermRolesEdit)
	require.Equal(t, http.StatusOK, get(router, "/roles/3").Code)
	require.Equal(t, http.StatusNotFound, get(router, "/roles/5").Code)
	require.Equal(t, http.StatusBadRequest, get(router, "/roles/x").Code)
}

func TestHandlerRequiresRolePermission(t *testing.T) {
	rr := get(newRoleRouter(shared.PermChangesView), "/roles")
	require.Equal(t, http.StatusForbidden, rr.Code)
}
