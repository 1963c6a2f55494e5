package rbac

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/authz"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// AdminHandler exposes RBAC administration as JSON endpoints.
type AdminHandler struct {
	logger    *slog.Logger
	service   *Service
	rbac      Middleware
	validator *validator.Validate
}

// NewAdminHandler builds AdminHandler instance.
func NewAdminHandler(logger *slog.Logger, service *Service, rbac Middleware) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{logger: logger, service: service, rbac: rbac, validator: validator.New()}
}

// MountRoutes registers administration routes.
func (h *AdminHandler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAccess(authz.CheckManageRoles.Feature, authz.CheckManageRoles.Action))
		r.Get("/roles", h.listRoles)
		r.Get("/permissions", h.listPermissions)
		r.Get("/users/{userID}/roles", h.listAssignments)
		r.Post("/users/{userID}/roles", h.assignRole)
		r.Delete("/users/{userID}/roles/{role}", h.removeRole)
		r.Post("/roles/{role}/permissions", h.grantPermission)
		r.Delete("/roles/{role}/permissions/{resource}/{action}", h.revokePermission)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAccess(authz.CheckManageSettings.Feature, authz.CheckManageSettings.Action))
		r.Put("/companies/{companyID}/modules", h.setModules)
	})
}

type assignRoleRequest struct {
	Role      string `json:"role" validate:"required"`
	CompanyID string `json:"company_id" validate:"omitempty,uuid"`
}

type grantRequest struct {
	Resource    string `json:"resource" validate:"required,max=64"`
	Action      string `json:"action" validate:"required,max=64"`
	Description string `json:"description" validate:"max=255"`
}

type modulesRequest struct {
	Modules []string `json:"modules" validate:"dive,required,max=64"`
}

func (h *AdminHandler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": nonNil(roles)})
}

func (h *AdminHandler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.fail(w, "list permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": nonNil(perms)})
}

func (h *AdminHandler) listAssignments(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUUID(w, r, "userID")
	if !ok {
		return
	}
	assignments, err := h.service.ListAssignments(r.Context(), userID)
	if err != nil {
		h.fail(w, "list assignments", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"assignments": nonNil(assignments)})
}

func (h *AdminHandler) assignRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUUID(w, r, "userID")
	if !ok {
		return
	}
	var req assignRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	created, err := h.service.AssignRole(r.Context(), actorOf(r), AssignRoleInput{
		UserID:    userID,
		Role:      req.Role,
		CompanyID: parseOptionalUUID(req.CompanyID),
	})
	if err != nil {
		h.fail(w, "assign role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *AdminHandler) removeRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathUUID(w, r, "userID")
	if !ok {
		return
	}
	company := strings.TrimSpace(r.URL.Query().Get("company_id"))
	if company != "" && h.validator.Var(company, "uuid") != nil {
		httpx.RespondError(w, fmt.Errorf("%w: company_id must be a uuid", httpx.ErrValidation))
		return
	}
	err := h.service.RemoveRole(r.Context(), actorOf(r), AssignRoleInput{
		UserID:    userID,
		Role:      chi.URLParam(r, "role"),
		CompanyID: parseOptionalUUID(company),
	})
	if err != nil {
		h.fail(w, "remove role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) grantPermission(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !h.decode(w, r, &req) {
		return
	}
	perm, err := h.service.GrantPermission(r.Context(), actorOf(r), GrantInput{
		Role:        chi.URLParam(r, "role"),
		Resource:    req.Resource,
		Action:      req.Action,
		Description: req.Description,
	})
	if err != nil {
		h.fail(w, "grant permission", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, RoleGrant{Role: chi.URLParam(r, "role"), Permission: perm})
}

func (h *AdminHandler) revokePermission(w http.ResponseWriter, r *http.Request) {
	err := h.service.RevokePermission(r.Context(), actorOf(r), chi.URLParam(r, "role"), chi.URLParam(r, "resource"), chi.URLParam(r, "action"))
	if err != nil {
		h.fail(w, "revoke permission", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) setModules(w http.ResponseWriter, r *http.Request) {
	companyID, ok := h.pathUUID(w, r, "companyID")
	if !ok {
		return
	}
	var req modulesRequest
	if !h.decode(w, r, &req) {
		return
	}
	modules, err := h.service.SetTenantModules(r.Context(), actorOf(r), companyID, req.Modules)
	if err != nil {
		h.fail(w, "set tenant modules", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"company_id": companyID, "modules": modules})
}

func (h *AdminHandler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed body", httpx.ErrValidation))
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			httpx.RespondError(w, fmt.Errorf("%w: %s failed %s", httpx.ErrValidation, strings.ToLower(fe.Field()), fe.Tag()))
			return false
		}
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return false
	}
	return true
}

func (h *AdminHandler) pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil || id == uuid.Nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s must be a uuid", httpx.ErrValidation, name))
		return uuid.Nil, false
	}
	return id, true
}

func (h *AdminHandler) fail(w http.ResponseWriter, op string, err error) {
	if !errors.Is(err, httpx.ErrValidation) && !errors.Is(err, httpx.ErrNotFound) && !errors.Is(err, httpx.ErrDuplicate) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func actorOf(r *http.Request) uuid.UUID {
	identity, _ := shared.IdentityFromContext(r.Context())
	return identity.ID
}

func parseOptionalUUID(raw string) uuid.UUID {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil
	}
	return id
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
