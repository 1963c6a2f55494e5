package authzhttp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
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

type stubStores struct {
	mu      sync.Mutex
	roles   []authz.RoleAssignment
	grants  []authz.PermissionGrant
	modules []string
	err     error
}

func (s *stubStores) FetchRoles(ctx context.Context, id uuid.UUID) ([]authz.RoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roles, s.err
}

func (s *stubStores) FetchPermissions(ctx context.Context, id uuid.UUID) ([]authz.PermissionGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]authz.PermissionGrant(nil), s.grants...), s.err
}

func (s *stubStores) FetchModules(ctx context.Context, id uuid.UUID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modules, s.err
}

func (s *stubStores) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type fixture struct {
	router   http.Handler
	sessions *shared.SessionManager
	stores   *stubStores
	identity uuid.UUID
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	identity := uuid.New()
	tenant := uuid.New()
	stores := &stubStores{
		roles:   []authz.RoleAssignment{{IdentityID: identity, Role: authz.RoleCompanyAdmin, TenantID: tenant}},
		grants:  []authz.PermissionGrant{{Resource: "users", Action: "manage"}, {Resource: "reports", Action: "export"}},
		modules: []string{authz.ModuleHR},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry, err := authz.NewRegistry(authz.RegistryConfig{
		Engine:      authz.Config{Stores: authz.Stores{Roles: stores, Permissions: stores, Modules: stores}, Logger: logger},
		MaxSessions: 4,
		IdleTTL:     time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(registry.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	handler := NewHandler(logger, rbac.Middleware{Engines: registry, Logger: logger}, shared.NewCSRFManager("secret"))
	r := chi.NewRouter()
	r.Route("/authz", handler.MountRoutes)
	return fixture{
		router:   r,
		sessions: shared.NewSessionManager(client, "test_session", "secret", time.Hour, false),
		stores:   stores,
		identity: identity,
	}
}

func (fx fixture) do(t *testing.T, method, target string, signedIn bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	sess, err := fx.sessions.Load(req.Context(), req)
	require.NoError(t, err)
	if signedIn {
		sess.SetUser(fx.identity.String(), "admin@example.com")
	}
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	return rec
}

func TestSessionSnapshot(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodGet, "/authz/session", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var body sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, fx.identity.String(), body.Session.IdentityID)
	assert.Equal(t, "admin@example.com", body.Session.Email)
	assert.Equal(t, authz.RoleCompanyAdmin, body.Session.PrimaryRole)
	assert.True(t, body.Session.Loaded)
	assert.True(t, body.Session.Flags.CanManageUsers)
	assert.False(t, body.Session.Flags.CanManagePayroll)
	assert.Equal(t, []string{authz.ModuleHR}, body.Session.Modules)
	assert.NotEmpty(t, body.CSRFToken)

	rec = fx.do(t, http.MethodGet, "/authz/session", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCheckSyncHitsAndMisses(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodGet, "/authz/check?feature=users&action=manage", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var hit checkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hit))
	assert.True(t, hit.Allowed)
	assert.Equal(t, "sync", hit.Mode)
	assert.False(t, hit.Pending)

	rec = fx.do(t, http.MethodGet, "/authz/check?feature=timesheets&action=approve", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var miss checkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &miss))
	assert.False(t, miss.Allowed)
	assert.Equal(t, "denied", miss.Decision)
	assert.True(t, miss.Pending)
}

func TestCheckAsyncAsksBackend(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodGet, "/authz/check?feature=reports&action=export&mode=async", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var body checkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Allowed)
	assert.Equal(t, "allowed", body.Decision)

	fx.stores.fail(assert.AnError)
	rec = fx.do(t, http.MethodGet, "/authz/check?feature=reports&action=export&mode=async", true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCheckModuleGate(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodGet, "/authz/check?feature=users&action=manage&module=crm", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var body checkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Allowed)

	rec = fx.do(t, http.MethodGet, "/authz/check?feature=users&action=manage&module=hr", true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Allowed)
}

func TestCheckValidation(t *testing.T) {
	fx := newFixture(t)
	for _, target := range []string{
		"/authz/check?action=manage",
		"/authz/check?feature=users",
		"/authz/check?feature=users:x&action=manage",
		"/authz/check?feature=users&action=manage&mode=later",
	} {
		rec := fx.do(t, http.MethodGet, target, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestRefresh(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, http.MethodPost, "/authz/refresh", true)
	require.Equal(t, http.StatusOK, rec.Code)

	fx.stores.fail(assert.AnError)
	rec = fx.do(t, http.MethodPost, "/authz/refresh", true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
