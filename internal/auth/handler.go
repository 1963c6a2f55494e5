package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/authz"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Engines owns the authorization engine of each signed-in identity.
// *authz.Registry satisfies it.
type Engines interface {
	Engine(ctx context.Context, identity authz.Identity) (*authz.Engine, error)
	Logout(id uuid.UUID)
}

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	engines        Engines
	sessionManager *shared.SessionManager
	csrfManager    *shared.CSRFManager
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, engines Engines, sessions *shared.SessionManager, csrf *shared.CSRFManager) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:         logger,
		service:        service,
		engines:        engines,
		sessionManager: sessions,
		csrfManager:    csrf,
		validator:      validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/csrf", h.handleCSRF)
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
}

type loginForm struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type loginResponse struct {
	Session   authz.Snapshot `json:"session"`
	CSRFToken string         `json:"csrf_token"`
}

func (h *Handler) handleCSRF(w http.ResponseWriter, r *http.Request) {
	token, err := h.csrfManager.EnsureToken(shared.SessionFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrUnauthorized, err))
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"csrf_token": token})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.Error("session missing during login")
		httpx.RespondError(w, shared.ErrSessionMissing)
		return
	}

	var form loginForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed body", httpx.ErrValidation))
		return
	}
	form.Email = strings.TrimSpace(form.Email)
	if err := h.validator.Struct(form); err != nil {
		fields := make([]string, 0, 2)
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				fields = append(fields, strings.ToLower(fe.Field()))
			}
		}
		httpx.RespondError(w, fmt.Errorf("%w: invalid %s", httpx.ErrValidation, strings.Join(fields, ", ")))
		return
	}

	user, err := h.service.Authenticate(r.Context(), form.Email, form.Password)
	if err != nil {
		h.logger.Info("login rejected", slog.String("email", form.Email))
		httpx.RespondError(w, fmt.Errorf("%w: email or password is incorrect", httpx.ErrUnauthorized))
		return
	}

	// A different identity on the same browser session is signed out first.
	if previous, ok := shared.IdentityFromContext(r.Context()); ok && previous.ID != user.ID {
		h.engines.Logout(previous.ID)
	}

	h.sessionManager.Renew(sess)
	sess.SetUser(user.ID.String(), user.Email)
	expiresAt := time.Now().Add(h.sessionManager.TTL())
	if err := h.service.RegisterSession(r.Context(), sess.ID, user.ID, expiresAt, r.RemoteAddr, r.UserAgent()); err != nil {
		h.logger.Warn("register session", slog.Any("error", err))
	}

	identity := authz.Identity{ID: user.ID, Email: user.Email}
	engine, err := h.engines.Engine(r.Context(), identity)
	if err != nil {
		h.logger.Error("load authz engine", slog.String("identity_id", user.ID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	token, _ := h.csrfManager.EnsureToken(sess)
	h.logger.Info("login", slog.String("identity_id", user.ID.String()), slog.String("authz_state", engine.State().String()))
	httpx.JSON(w, http.StatusOK, loginResponse{Session: engine.Snapshot(), CSRFToken: token})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if identity, ok := shared.IdentityFromContext(r.Context()); ok {
		h.engines.Logout(identity.ID)
		h.logger.Info("logout", slog.String("identity_id", identity.ID.String()))
	}
	if sess != nil {
		if err := h.service.RemoveSession(r.Context(), sess.ID); err != nil {
			h.logger.Warn("remove session", slog.Any("error", err))
		}
		h.sessionManager.Destroy(sess)
	}
	w.WriteHeader(http.StatusNoContent)
}
