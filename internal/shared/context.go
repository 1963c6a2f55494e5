package shared

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/authz"
)

type sessionContextKey struct{}

type engineContextKey struct{}

// ContextWithSession stores the session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

// ContextWithEngine stores the resolved authorization engine in context.
func ContextWithEngine(ctx context.Context, engine *authz.Engine) context.Context {
	return context.WithValue(ctx, engineContextKey{}, engine)
}

// EngineFromContext returns the engine attached by the access middleware.
func EngineFromContext(ctx context.Context) *authz.Engine {
	engine, _ := ctx.Value(engineContextKey{}).(*authz.Engine)
	return engine
}

// IdentityFromContext reads the identity attached to the request session.
func IdentityFromContext(ctx context.Context) (authz.Identity, bool) {
	sess := SessionFromContext(ctx)
	if sess == nil {
		return authz.Identity{}, false
	}
	raw := strings.TrimSpace(sess.User())
	if raw == "" {
		return authz.Identity{}, false
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return authz.Identity{}, false
	}
	return authz.Identity{ID: id, Email: sess.Email()}, true
}
