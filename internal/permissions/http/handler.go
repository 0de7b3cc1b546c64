// Package permissionshttp exposes the permission engine over HTTP for the
// upstream gateway. Authentication happens upstream; this layer only maps the
// forwarded actor identity onto engine operations.
package permissionshttp

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gatekeep-io/gatekeep/internal/authz"
	"github.com/gatekeep-io/gatekeep/internal/permissions"
	"github.com/gatekeep-io/gatekeep/internal/platform/httpx"
	"github.com/gatekeep-io/gatekeep/internal/rolecatalog"
	"github.com/gatekeep-io/gatekeep/internal/shared"
)

// Handler wires HTTP endpoints for permission governance.
type Handler struct {
	logger    *slog.Logger
	engine    *permissions.Engine
	gate      *authz.Gate
	authz     authz.Middleware
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, engine *permissions.Engine, gate *authz.Gate, mw authz.Middleware) *Handler {
	return &Handler{
		logger:    logger,
		engine:    engine,
		gate:      gate,
		authz:     mw,
		validator: validator.New(),
	}
}

// MountRoutes registers permission routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny(shared.PermUsersView, shared.PermPermissionsView))
		r.Get("/users/{userID}/permissions", h.effectivePermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny(shared.PermHistoryView, shared.PermPermissionsView))
		r.Get("/users/{userID}/permissions/history", h.permissionHistory)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny(shared.PermUsersEdit, shared.PermPermissionsManage))
		r.Post("/users/{userID}/permissions/grant", h.grantPermission)
		r.Post("/users/{userID}/permissions/revoke", h.revokePermission)
		r.Post("/users/{userID}/permissions/temporary", h.grantTemporary)
		r.Post("/users/{userID}/role", h.changeRole)
		r.Post("/permissions/bulk", h.bulkUpdate)
		r.Post("/permissions/validate", h.validateSecurity)
	})
	// The gate façade for the upstream router. It carries no permission
	// requirement of its own: the router asks on behalf of arbitrary users.
	r.Post("/access/check", h.checkAccess)
}

// effectivePermissions serves the authoritative effective set. UI guard
// components query this instead of re-deriving trust client side.
func (h *Handler) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	user, err := h.engine.GetUser(r.Context(), userID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	now := time.Now().UTC()
	httpx.JSON(w, http.StatusOK, effectiveResponse{
		UserID:      userID,
		Permissions: h.engine.EffectivePermissions(user, now),
		CheckedAt:   now,
	})
}

func (h *Handler) permissionHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Limit", "limit must be an integer")
			return
		}
		limit = parsed
	}
	records, err := h.engine.PermissionHistory(r.Context(), userID, limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"records": toHistoryResponse(records)})
}

func (h *Handler) grantPermission(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	actor, ok := h.decodeMutation(w, r, &req)
	if !ok {
		return
	}
	user, err := h.engine.GrantPermission(r.Context(), chi.URLParam(r, "userID"), req.Permission, actor, req.Reason, time.Now().UTC())
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toUserResponse(user))
}

func (h *Handler) revokePermission(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	actor, ok := h.decodeMutation(w, r, &req)
	if !ok {
		return
	}
	user, err := h.engine.RevokePermission(r.Context(), chi.URLParam(r, "userID"), req.Permission, actor, req.Reason, time.Now().UTC())
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toUserResponse(user))
}

func (h *Handler) grantTemporary(w http.ResponseWriter, r *http.Request) {
	var req tempGrantRequest
	actor, ok := h.decodeMutation(w, r, &req)
	if !ok {
		return
	}
	user, err := h.engine.GrantTemporaryPermission(r.Context(), chi.URLParam(r, "userID"), req.Permission, req.ExpiresAt, actor, req.Reason, time.Now().UTC())
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toUserResponse(user))
}

func (h *Handler) changeRole(w http.ResponseWriter, r *http.Request) {
	var req roleChangeRequest
	actor, ok := h.decodeMutation(w, r, &req)
	if !ok {
		return
	}
	user, err := h.engine.ChangeRole(r.Context(), chi.URLParam(r, "userID"), rolecatalog.Role(req.Role), actor, req.Reason, time.Now().UTC())
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toUserResponse(user))
}

func (h *Handler) bulkUpdate(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	actor, ok := h.decodeMutation(w, r, &req)
	if !ok {
		return
	}
	updates := make([]permissions.BulkUpdate, 0, len(req.Updates))
	for _, item := range req.Updates {
		update := permissions.BulkUpdate{
			UserID:            item.UserID,
			Permissions:       item.Permissions,
			CustomPermissions: item.CustomPermissions,
			IsActive:          item.IsActive,
		}
		if item.Role != nil {
			role := rolecatalog.Role(*item.Role)
			if !rolecatalog.Exists(role) {
				httpx.Problem(w, http.StatusBadRequest, "Unknown Role", "unknown role: "+*item.Role)
				return
			}
			update.Role = &role
		}
		updates = append(updates, update)
	}
	outcomes, err := h.engine.BulkUpdatePermissions(r.Context(), updates, actor, req.Reason, time.Now().UTC())
	if err != nil {
		h.respondEngineError(w, err)
		return
	}
	results := make([]bulkOutcomeResponse, 0, len(outcomes))
	for _, outcome := range outcomes {
		result := bulkOutcomeResponse{UserID: outcome.UserID, Updated: outcome.Updated, Error: outcome.Error}
		if outcome.User != nil {
			view := toUserResponse(*outcome.User)
			result.User = &view
		}
		results = append(results, result)
	}
	httpx.JSON(w, http.StatusOK, bulkResponse{Results: results})
}

func (h *Handler) validateSecurity(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	actor, ok := h.decodeMutation(w, r, &req)
	if !ok {
		return
	}
	check, err := h.engine.ValidatePermissionSecurity(r.Context(), actor, req.TargetUserID, req.Permissions, time.Now().UTC())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, securityResponse{
		Allowed:               check.Allowed,
		Reason:                check.Reason,
		RestrictedPermissions: check.RestrictedPermissions,
	})
}

func (h *Handler) checkAccess(w http.ResponseWriter, r *http.Request) {
	var req checkAccessRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	allowed, err := h.gate.CheckAccess(r.Context(), req.UserID, authz.Requirement{
		Permission: req.Permission,
		AnyOf:      req.AnyOf,
		AllOf:      req.AllOf,
	})
	if err != nil {
		h.logger.Error("access check", slog.String("user_id", req.UserID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, accessResponse{Allowed: allowed})
}

// decodeMutation decodes and validates the body and resolves the acting
// principal; mutations without an actor are rejected outright.
func (h *Handler) decodeMutation(w http.ResponseWriter, r *http.Request, target any) (string, bool) {
	if !h.decodeBody(w, r, target) {
		return "", false
	}
	actor := shared.ActorFromContext(r.Context())
	if actor == "" {
		httpx.RespondError(w, shared.ErrActorMissing)
		return "", false
	}
	return actor, true
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "malformed JSON body")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

// respondEngineError maps engine errors; an escalation denial is a structured
// 403 carrying the restricted permission list, not a bare error.
func (h *Handler) respondEngineError(w http.ResponseWriter, err error) {
	var secErr *permissions.SecurityError
	if errors.As(err, &secErr) {
		httpx.JSON(w, http.StatusForbidden, securityResponse{
			Allowed:               false,
			Reason:                secErr.Check.Reason,
			RestrictedPermissions: secErr.Check.RestrictedPermissions,
		})
		return
	}
	httpx.RespondError(w, err)
}
