package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	set   PermissionSet
	hit   bool
	err   error
	calls int
}

func (s *stubProvider) Permissions(ctx context.Context, tenantID, userID int64) (PermissionSet, bool, error) {
	s.calls++
	if s.err != nil {
		return PermissionSet{}, false, s.err
	}
	return s.set, s.hit, nil
}

var maker = Principal{UserID: 7, TenantID: 1}

func TestAuthorizeUnauthenticatedSkipsFetch(t *testing.T) {
	provider := &stubProvider{set: NewPermissionSet("changes.view")}
	authz := NewAuthorizer(provider)

	decision := authz.Authorize(context.Background(), Principal{}, "changes.view")
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonUnauthenticated, decision.Reason)
	require.Zero(t, provider.calls)
}

func TestAuthorizeDecisions(t *testing.T) {
	cases := []struct {
		name     string
		provider *stubProvider
		perm     string
		allowed  bool
		reason   Reason
	}{
		{"granted", &stubProvider{set: NewPermissionSet("changes.view"), hit: true}, "Changes.View", true, ReasonAllowed},
		{"missing", &stubProvider{set: NewPermissionSet("changes.view")}, "changes.approve", false, ReasonPermissionMissing},
		{"blank permission", &stubProvider{set: NewPermissionSet("changes.view")}, "  ", false, ReasonPermissionRequired},
		{"load failure", &stubProvider{err: errors.New("boom")}, "changes.view", false, ReasonUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision := NewAuthorizer(tc.provider).Authorize(context.Background(), maker, tc.perm)
			require.Equal(t, tc.allowed, decision.Allowed)
			require.Equal(t, tc.reason, decision.Reason)
		})
	}
}

func TestAuthorizeAnyAndAll(t *testing.T) {
	authz := NewAuthorizer(&stubProvider{set: NewPermissionSet("changes.view", "changes.submit")})
	ctx := context.Background()

	anyOf := authz.AuthorizeAny(ctx, maker, "changes.approve", "changes.submit")
	require.True(t, anyOf.Allowed)
	require.Equal(t, "changes.submit", anyOf.Permission)

	all := authz.AuthorizeAll(ctx, maker, "changes.view", "changes.approve")
	require.False(t, all.Allowed)
	require.Equal(t, "changes.approve", all.Permission)
	require.Equal(t, ReasonPermissionMissing, all.Reason)

	require.True(t, authz.AuthorizeAll(ctx, maker, "changes.view", "changes.submit").Allowed)
}

func TestMiddlewareRequire(t *testing.T) {
	mw := Middleware{Authorizer: NewAuthorizer(&stubProvider{set: NewPermissionSet("changes.view")})}
	handler := mw.Require("changes.approve")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/change-records/1/approve", nil)
	req = req.WithContext(ContextWithPrincipal(req.Context(), maker))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, string(ReasonPermissionMissing), body["reason"])

	allowed := mw.Require("changes.view")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec = httptest.NewRecorder()
	allowed.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMiddlewareRejectsMissingPrincipal(t *testing.T) {
	provider := &stubProvider{set: NewPermissionSet("changes.view")}
	mw := Middleware{Authorizer: NewAuthorizer(provider)}
	handler := mw.RequireAny("changes.view")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/change-records", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Contains(t, rec.Body.String(), string(ReasonUnauthenticated))
	require.Zero(t, provider.calls)
}
