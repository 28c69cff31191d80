package changes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/makerchecker/internal/platform/httpx"
	"github.com/odyssey-erp/makerchecker/internal/rbac"
	"github.com/odyssey-erp/makerchecker/internal/shared"
)

const idempotencyModule = "changes.submit"

// IdempotencyGuard deduplicates submissions carrying an Idempotency-Key.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// HandlerConfig groups Handler dependencies.
type HandlerConfig struct {
	Logger      *slog.Logger
	Ledger      *Ledger
	Builder     *Builder
	Authorizer  *rbac.Authorizer
	RBAC        rbac.Middleware
	Idempotency IdempotencyGuard
	// ResolvePerMinute caps approve/decline calls per principal; zero disables it.
	ResolvePerMinute int
}

// Handler serves the change-record API.
type Handler struct {
	logger       *slog.Logger
	ledger       *Ledger
	builder      *Builder
	authz        *rbac.Authorizer
	rbac         rbac.Middleware
	idem         IdempotencyGuard
	validator    *validator.Validate
	resolveLimit func(http.Handler) http.Handler
}

// NewHandler constructs a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limit := func(next http.Handler) http.Handler { return next }
	if cfg.ResolvePerMinute > 0 {
		limit = httprate.Limit(cfg.ResolvePerMinute, time.Minute,
			httprate.WithKeyFuncs(principalKey),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "resolve rate limit exceeded")
			}),
		)
	}
	return &Handler{
		logger:       cfg.Logger,
		ledger:       cfg.Ledger,
		builder:      cfg.Builder,
		authz:        cfg.Authorizer,
		rbac:         cfg.RBAC,
		idem:         cfg.Idempotency,
		validator:    validator.New(),
		resolveLimit: limit,
	}
}

// MountRoutes registers change-record routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.Require(shared.PermChangesView)).Get("/", h.list)
	r.With(h.rbac.Require(shared.PermChangesView)).Get("/{id}", h.get)
	r.With(h.rbac.Require(shared.PermChangesSubmit)).Post("/", h.submit)
	r.Group(func(r chi.Router) {
		r.Use(h.resolveLimit)
		r.With(h.rbac.Require(shared.PermChangesApprove)).Post("/{id}/approve", h.resolve(OutcomeApprove))
		r.With(h.rbac.Require(shared.PermChangesDecline)).Post("/{id}/decline", h.resolve(OutcomeDecline))
	})
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	principal := rbac.PrincipalFromContext(r.Context())
	var req submitRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	action, err := ParseAction(req.Action)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if !h.allowed(w, r, principal, h.ledger.Policy().SubmitPermission(req.Table)) {
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idemKey != "" && h.idem != nil {
		idemKey = fmt.Sprintf("%d:%d:%s", principal.TenantID, principal.UserID, idemKey)
		if err := h.idem.CheckAndInsert(r.Context(), idemKey, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.Problem(w, http.StatusConflict, "Duplicate Request", "a request with this Idempotency-Key was already processed")
				return
			}
			h.logger.Error("idempotency check", slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
	}

	rec, err := h.propose(r.Context(), principal, req, action)
	if err != nil {
		if idemKey != "" && h.idem != nil {
			if delErr := h.idem.Delete(context.WithoutCancel(r.Context()), idemKey); delErr != nil {
				h.logger.Warn("idempotency rollback", slog.Any("error", delErr))
			}
		}
		h.respondError(w, "submit change", err)
		return
	}
	resp := toResponse(rec)
	resp.Diff = ComputeDiff(rec)
	httpx.JSON(w, http.StatusCreated, resp)
}

func (h *Handler) propose(ctx context.Context, principal rbac.Principal, req submitRequest, action Action) (ChangeRecord, error) {
	cand, err := h.builder.Build(ctx, principal, req.Table, action, req.Key, req.Proposed)
	if err != nil {
		return ChangeRecord{}, err
	}
	return h.ledger.Submit(ctx, cand)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	principal := rbac.PrincipalFromContext(r.Context())
	q := r.URL.Query()
	filter := Filter{TenantID: principal.TenantID, Table: strings.TrimSpace(q.Get("table"))}
	if raw := q.Get("status"); raw != "" {
		status, err := ParseStatus(raw)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		filter.Status = status
	}
	var err error
	if filter.MakerID, err = queryInt(q.Get("maker")); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "maker must be a positive integer")
		return
	}
	page, err := queryInt(q.Get("page"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "page must be a positive integer")
		return
	}
	size, err := queryInt(q.Get("size"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "size must be a positive integer")
		return
	}
	filter.Page = shared.PageRequest{Page: int(page), Size: int(size)}

	result, err := h.ledger.ListPending(r.Context(), filter)
	if err != nil {
		h.respondError(w, "list changes", err)
		return
	}
	resp := listResponse{Records: make([]recordResponse, 0, len(result.Records)), Pagination: result.Pagination}
	for _, rec := range result.Records {
		resp.Records = append(resp.Records, toResponse(rec))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	principal := rbac.PrincipalFromContext(r.Context())
	rec, err := h.ledger.Get(r.Context(), principal.TenantID, chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, "get change", err)
		return
	}
	resp := toResponse(rec)
	resp.Diff = ComputeDiff(rec)
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) resolve(outcome Outcome) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := rbac.PrincipalFromContext(r.Context())
		var req resolveRequest
		if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "malformed JSON body")
			return
		}
		if err := h.validator.Struct(req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}

		id := chi.URLParam(r, "id")
		rec, err := h.ledger.Get(r.Context(), principal.TenantID, id)
		if err != nil {
			h.respondError(w, "resolve change", err)
			return
		}
		perm := h.ledger.Policy().ApprovePermission(rec.Table)
		if outcome == OutcomeDecline {
			perm = h.ledger.Policy().DeclinePermission(rec.Table)
		}
		if !h.allowed(w, r, principal, perm) {
			return
		}

		resolved, err := h.ledger.Resolve(r.Context(), principal.TenantID, id, outcome, principal.UserID, req.Comment)
		if err != nil {
			h.respondError(w, "resolve change", err)
			return
		}
		resp := toResponse(resolved)
		resp.Diff = ComputeDiff(resolved)
		httpx.JSON(w, http.StatusOK, resp)
	}
}

func (h *Handler) allowed(w http.ResponseWriter, r *http.Request, p rbac.Principal, perm string) bool {
	if h.authz == nil {
		return true
	}
	decision := h.authz.Authorize(r.Context(), p, perm)
	if decision.Allowed {
		return true
	}
	httpx.Forbidden(w, string(decision.Reason), "missing permission "+decision.Permission)
	return false
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	if httpx.StatusFor(err) >= http.StatusInternalServerError {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func queryInt(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return v, nil
}

func principalKey(r *http.Request) (string, error) {
	if p := rbac.PrincipalFromContext(r.Context()); p.Authenticated() {
		return fmt.Sprintf("user:%d:%d", p.TenantID, p.UserID), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
