package groups

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/makerchecker/internal/platform/httpx"
	"github.com/odyssey-erp/makerchecker/internal/rbac"
	"github.com/odyssey-erp/makerchecker/internal/shared"
)

// Handler serves read-only group endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers group routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermGroupsView, shared.PermGroupsEdit))
		r.Get("/", h.listGroups)
		r.Get("/{id}/members", h.listMembers)
	})
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	principal := rbac.PrincipalFromContext(r.Context())
	groups, err := h.service.ListGroups(r.Context(), principal.TenantID)
	if err != nil {
		h.logger.Error("list groups failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (h *Handler) listMembers(w http.ResponseWriter, r *http.Request) {
	groupID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || groupID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "group id must be a positive integer")
		return
	}
	principal := rbac.PrincipalFromContext(r.Context())
	members, err := h.service.ListMembers(r.Context(), principal.TenantID, groupID)
	if err != nil {
		h.logger.Error("list members failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"group_id": groupID, "members": members})
}
