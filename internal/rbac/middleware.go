package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/odyssey-erp/odyssey-access/internal/authz"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// EngineSource resolves the authorization engine of an identity.
// *authz.Registry satisfies it.
type EngineSource interface {
	Engine(ctx context.Context, identity authz.Identity) (*authz.Engine, error)
}

// Middleware wires authorization helpers for HTTP handlers. Every guard fails
// closed: no identity yields 401, a denial 403 and an unreachable backend 503.
type Middleware struct {
	Engines EngineSource
	Logger  *slog.Logger
}

// Authenticate resolves the engine of the session identity and stores it in
// the request context.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, _, ok := m.resolve(w, r)
		if !ok {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAccess admits the request when the identity holds feature:action.
// A fresh cached decision is used when present; otherwise the backend is asked.
func (m Middleware) RequireAccess(feature, action string) func(http.Handler) http.Handler {
	return m.require(func(r *http.Request, engine *authz.Engine) authz.Decision {
		if allowed, ok := engine.Peek(feature, action); ok {
			return decisionOf(allowed)
		}
		return engine.Check(r.Context(), feature, action)
	})
}

// RequireModule admits the request when the identity's tenant enables module.
func (m Middleware) RequireModule(module string) func(http.Handler) http.Handler {
	return m.require(func(r *http.Request, engine *authz.Engine) authz.Decision {
		if !engine.PermissionsLoaded() {
			return authz.DecisionUnknown
		}
		return decisionOf(engine.HasModuleAccess(module))
	})
}

// RequireRole admits the request when the identity holds any of roles.
func (m Middleware) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return m.require(func(r *http.Request, engine *authz.Engine) authz.Decision {
		if !engine.PermissionsLoaded() {
			return authz.DecisionUnknown
		}
		return decisionOf(engine.HasAnyRole(roles...))
	})
}

// RequireGate admits the request when both the module and permission of g hold.
func (m Middleware) RequireGate(g authz.Gate) func(http.Handler) http.Handler {
	return m.require(func(r *http.Request, engine *authz.Engine) authz.Decision {
		if g.Module != "" {
			if !engine.PermissionsLoaded() {
				return authz.DecisionUnknown
			}
			if !engine.HasModuleAccess(g.Module) {
				return authz.DecisionDenied
			}
		}
		if allowed, ok := engine.Peek(g.Feature, g.Action); ok {
			return decisionOf(allowed)
		}
		return engine.Check(r.Context(), g.Feature, g.Action)
	})
}

func (m Middleware) require(decide func(*http.Request, *authz.Engine) authz.Decision) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r, engine, ok := m.resolve(w, r)
			if !ok {
				return
			}
			switch decide(r, engine) {
			case authz.DecisionAllowed:
				next.ServeHTTP(w, r)
			case authz.DecisionUnknown:
				httpx.RespondError(w, fmt.Errorf("%w: permissions could not be resolved", httpx.ErrUnavailable))
			default:
				httpx.RespondError(w, httpx.ErrForbidden)
			}
		})
	}
}

// resolve returns the engine already attached to the request or resolves it
// from the session. On failure the response has been written.
func (m Middleware) resolve(w http.ResponseWriter, r *http.Request) (*http.Request, *authz.Engine, bool) {
	if engine := shared.EngineFromContext(r.Context()); engine != nil {
		return r, engine, true
	}
	identity, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return r, nil, false
	}
	engine, err := m.Engines.Engine(r.Context(), identity)
	if err != nil {
		m.logger().Error("resolve authz engine", slog.String("identity_id", identity.ID.String()), slog.Any("error", err))
		if errors.Is(err, authz.ErrNoIdentity) {
			httpx.RespondError(w, httpx.ErrUnauthorized)
		} else {
			httpx.RespondError(w, err)
		}
		return r, nil, false
	}
	return r.WithContext(shared.ContextWithEngine(r.Context(), engine)), engine, true
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}

func decisionOf(allowed bool) authz.Decision {
	if allowed {
		return authz.DecisionAllowed
	}
	return authz.DecisionDenied
}
