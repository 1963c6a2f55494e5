package users

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/authz"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// grantStores answers every lookup with the configured grants.
type grantStores struct {
	grants []authz.PermissionGrant
}

func (s grantStores) FetchRoles(ctx context.Context, id uuid.UUID) ([]authz.RoleAssignment, error) {
	return []authz.RoleAssignment{{IdentityID: id, Role: authz.RoleCompanyAdmin}}, nil
}

func (s grantStores) FetchPermissions(ctx context.Context, id uuid.UUID) ([]authz.PermissionGrant, error) {
	return s.grants, nil
}

func (s grantStores) FetchModules(ctx context.Context, id uuid.UUID) ([]string, error) {
	return []string{}, nil
}

func TestHandlerGuardsAndCreates(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stores := grantStores{grants: []authz.PermissionGrant{{Resource: "users", Action: "view"}}}
	registry, err := authz.NewRegistry(authz.RegistryConfig{
		Engine: authz.Config{Stores: authz.Stores{Roles: stores, Permissions: stores, Modules: stores}, Logger: logger},
	})
	require.NoError(t, err)
	t.Cleanup(registry.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sessions := shared.NewSessionManager(client, "s", "secret", time.Hour, false)

	svc, _, _, _ := newService()
	r := chi.NewRouter()
	NewHandler(logger, svc, rbac.Middleware{Engines: registry, Logger: logger}).MountRoutes(r)

	do := func(method, target string, body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, bytes.NewReader(body))
		sess, err := sessions.Load(req.Context(), req)
		require.NoError(t, err)
		sess.SetUser(uuid.NewString(), "admin@odyssey.local")
		req = req.WithContext(shared.ContextWithSession(req.Context(), sess))
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		return rr
	}

	rr := do(http.MethodGet, "/users", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"users":[]}`, rr.Body.String())

	rr = do(http.MethodPost, "/users", []byte(`{"email":"x@odyssey.local","password":"password123"}`))
	assert.Equal(t, http.StatusForbidden, rr.Code, "users:view does not imply users:manage")
}

func TestHandlerValidatesBody(t *testing.T) {
	h := NewHandler(nil, nil, rbac.Middleware{})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/users/x/active", bytes.NewReader([]byte(`{}`)))
	var target activeRequest
	ok := h.decode(rr, req, &target)
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
