// Package authzhttp exposes the signed-in identity's authorization state over
// HTTP for single-page clients.
package authzhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-access/internal/authz"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const (
	modeSync  = "sync"
	modeAsync = "async"

	requestTimeout = 5 * time.Second
)

// Handler serves /authz endpoints.
type Handler struct {
	logger    *slog.Logger
	rbac      rbac.Middleware
	csrf      *shared.CSRFManager
	validator *validator.Validate
}

// NewHandler builds a Handler. csrf may be nil when the router runs without
// CSRF protection.
func NewHandler(logger *slog.Logger, rbac rbac.Middleware, csrf *shared.CSRFManager) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, rbac: rbac, csrf: csrf, validator: validator.New()}
}

type sessionResponse struct {
	Session   authz.Snapshot `json:"session"`
	CSRFToken string         `json:"csrf_token,omitempty"`
}

type checkQuery struct {
	Feature string `validate:"required,max=64,excludes=:"`
	Action  string `validate:"required,max=64,excludes=:"`
	Module  string `validate:"omitempty,max=64"`
	Mode    string `validate:"oneof=sync async"`
}

type checkResponse struct {
	Feature  string `json:"feature"`
	Action   string `json:"action"`
	Module   string `json:"module,omitempty"`
	Mode     string `json:"mode"`
	Allowed  bool   `json:"allowed"`
	Decision string `json:"decision"`
	// Pending is set when a sync check missed the cache and a background
	// resolution was scheduled.
	Pending bool `json:"pending,omitempty"`
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	engine := shared.EngineFromContext(r.Context())
	resp := sessionResponse{Session: engine.Snapshot()}
	if h.csrf != nil {
		token, err := h.csrf.EnsureToken(shared.SessionFromContext(r.Context()))
		if err != nil {
			h.logger.Warn("issue csrf token", slog.Any("error", err))
		}
		resp.CSRFToken = token
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	q := checkQuery{
		Feature: strings.TrimSpace(values.Get("feature")),
		Action:  strings.TrimSpace(values.Get("action")),
		Module:  strings.TrimSpace(values.Get("module")),
		Mode:    strings.ToLower(strings.TrimSpace(values.Get("mode"))),
	}
	if q.Mode == "" {
		q.Mode = modeSync
	}
	if err := h.validator.Struct(q); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			httpx.RespondError(w, fmt.Errorf("%w: %s failed %s", httpx.ErrValidation, strings.ToLower(fieldErrs[0].Field()), fieldErrs[0].Tag()))
			return
		}
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}

	engine := shared.EngineFromContext(r.Context())
	resp := checkResponse{Feature: q.Feature, Action: q.Action, Module: q.Module, Mode: q.Mode}
	if q.Module != "" && !engine.HasModuleAccess(q.Module) {
		resp.Decision = authz.DecisionDenied.String()
		httpx.JSON(w, http.StatusOK, resp)
		return
	}

	switch q.Mode {
	case modeAsync:
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		decision := engine.Check(ctx, q.Feature, q.Action)
		if decision == authz.DecisionUnknown {
			httpx.RespondError(w, fmt.Errorf("%w: permissions could not be resolved", httpx.ErrUnavailable))
			return
		}
		resp.Allowed = decision.Allowed()
		resp.Decision = decision.String()
	default:
		allowed, ok := engine.Peek(q.Feature, q.Action)
		if !ok {
			resp.Pending = engine.PermissionsLoaded() && engine.Warm(q.Feature, q.Action)
			allowed = false
		}
		resp.Allowed = allowed
		resp.Decision = authz.DecisionDenied.String()
		if allowed {
			resp.Decision = authz.DecisionAllowed.String()
		}
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	engine := shared.EngineFromContext(r.Context())
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := engine.Refresh(ctx); err != nil {
		h.logger.Error("refresh authz session", slog.Any("error", err))
		httpx.RespondError(w, fmt.Errorf("%w: permissions could not be reloaded", httpx.ErrUnavailable))
		return
	}
	httpx.JSON(w, http.StatusOK, sessionResponse{Session: engine.Snapshot()})
}
