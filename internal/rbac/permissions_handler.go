package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/makerchecker/internal/platform/httpx"
	"github.com/odyssey-erp/makerchecker/internal/shared"
)

// Catalog lists every known permission key.
type Catalog interface {
	ListPermissions(ctx context.Context) ([]string, error)
}

// PermissionsHandler exposes the caller's effective permissions.
type PermissionsHandler struct {
	logger  *slog.Logger
	cache   *Cache
	catalog Catalog
	rbac    Middleware
}

// NewPermissionsHandler builds PermissionsHandler instance.
func NewPermissionsHandler(logger *slog.Logger, cache *Cache, catalog Catalog, rbac Middleware) *PermissionsHandler {
	return &PermissionsHandler{logger: logger, cache: cache, catalog: catalog, rbac: rbac}
}

// MountRoutes registers permission routes.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.Get("/me", h.me)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Require(shared.PermPermissionsView))
		r.Get("/", h.list)
		r.Get("/groups/{groupID}", h.group)
	})
}

type permissionsResponse struct {
	UserID      int64    `json:"user_id,omitempty"`
	GroupID     int64    `json:"group_id,omitempty"`
	TenantID    int64    `json:"tenant_id"`
	Permissions []string `json:"permissions"`
	CacheHit    bool     `json:"cache_hit"`
}

func (h *PermissionsHandler) me(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	if !p.Authenticated() {
		httpx.Forbidden(w, string(ReasonUnauthenticated), "authentication required")
		return
	}
	set, hit, err := h.cache.Permissions(r.Context(), p.TenantID, p.UserID)
	if err != nil {
		h.logger.Warn("permissions me", slog.Any("error", err))
	}
	httpx.JSON(w, http.StatusOK, permissionsResponse{
		UserID:      p.UserID,
		TenantID:    p.TenantID,
		Permissions: set.Keys(),
		CacheHit:    hit,
	})
}

func (h *PermissionsHandler) group(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	groupID, err := strconv.ParseInt(chi.URLParam(r, "groupID"), 10, 64)
	if err != nil || groupID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid group id")
		return
	}
	set, err := h.cache.GetGroupPermissions(r.Context(), p.TenantID, groupID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, permissionsResponse{
		GroupID:     groupID,
		TenantID:    p.TenantID,
		Permissions: set.Keys(),
	})
}

func (h *PermissionsHandler) list(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		httpx.JSON(w, http.StatusOK, map[string][]string{"permissions": {}})
		return
	}
	keys, err := h.catalog.ListPermissions(r.Context())
	if err != nil {
		h.logger.Error("list permissions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	httpx.JSON(w, http.StatusOK, map[string][]string{"permissions": keys})
}
