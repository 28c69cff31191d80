package rbac

import (
	"log/slog"
	"net/http"

	"github.com/odyssey-erp/makerchecker/internal/platform/httpx"
)

// Middleware wires the Authorizer into chi route groups.
type Middleware struct {
	Authorizer *Authorizer
	Logger     *slog.Logger
}

// Require ensures the current principal holds perm.
func (m Middleware) Require(perm string) func(http.Handler) http.Handler {
	return m.guard(func(r *http.Request, p Principal) Decision {
		return m.Authorizer.Authorize(r.Context(), p, perm)
	})
}

// RequireAny ensures the current principal has at least one of the permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.guard(func(r *http.Request, p Principal) Decision {
		return m.Authorizer.AuthorizeAny(r.Context(), p, perms...)
	})
}

// RequireAll ensures the current principal has every permission.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.guard(func(r *http.Request, p Principal) Decision {
		return m.Authorizer.AuthorizeAll(r.Context(), p, perms...)
	})
}

func (m Middleware) guard(decide func(*http.Request, Principal) Decision) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := PrincipalFromContext(r.Context())
			decision := decide(r, principal)
			if decision.Allowed {
				next.ServeHTTP(w, r)
				return
			}
			if m.Logger != nil {
				m.Logger.Info("rbac denied",
					slog.Int64("user_id", principal.UserID),
					slog.Int64("tenant_id", principal.TenantID),
					slog.String("permission", decision.Permission),
					slog.String("reason", string(decision.Reason)),
					slog.String("path", r.URL.Path))
			}
			httpx.Forbidden(w, string(decision.Reason), denialDetail(decision))
		})
	}
}

func denialDetail(d Decision) string {
	switch d.Reason {
	case ReasonUnauthenticated:
		return "authentication required"
	case ReasonPermissionRequired:
		return "no permission configured for this action"
	case ReasonUnavailable:
		return "permissions could not be loaded"
	default:
		return "missing permission " + d.Permission
	}
}
