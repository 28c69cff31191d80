package auth

import (
	"net/http"
	"strings"

	"github.com/odyssey-erp/makerchecker/internal/platform/httpx"
	"github.com/odyssey-erp/makerchecker/internal/rbac"
)

// Authenticate attaches the bearer token's principal to the request context.
// Requests without a token continue unauthenticated; malformed or expired
// tokens are rejected with 401.
func Authenticate(tokens *TokenIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			scheme, raw, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "bearer token required")
				return
			}
			principal, err := tokens.Parse(raw)
			if err != nil {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(rbac.ContextWithPrincipal(r.Context(), principal)))
		})
	}
}
