package rbac

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/authz"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

type middlewareFixture struct {
	repo       *memoryRepo
	middleware Middleware
	admin      uuid.UUID
	employee   uuid.UUID
}

func newMiddlewareFixture(t *testing.T) middlewareFixture {
	t.Helper()
	repo := newMemoryRepo()
	company := uuid.New()
	admin := uuid.New()
	employee := uuid.New()
	ctx := context.Background()

	_, err := repo.AssignRole(ctx, Assignment{UserID: admin, Role: authz.RoleCompanyAdmin, CompanyID: company})
	require.NoError(t, err)
	_, err = repo.AssignRole(ctx, Assignment{UserID: employee, Role: authz.RoleEmployee, CompanyID: company})
	require.NoError(t, err)
	_, err = repo.GrantPermission(ctx, authz.RoleCompanyAdmin, Permission{Resource: "users", Action: "manage"})
	require.NoError(t, err)
	require.NoError(t, repo.SetTenantModules(ctx, company, []string{authz.ModuleHR}))

	return middlewareFixture{
		repo:       repo,
		middleware: Middleware{Engines: newTestRegistry(t, repo), Logger: discardLogger()},
		admin:      admin,
		employee:   employee,
	}
}

func serve(guard func(http.Handler) http.Handler, req *http.Request) (*httptest.ResponseRecorder, *authz.Engine) {
	var seen *authz.Engine
	handler := guard(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = shared.EngineFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, seen
}

func TestRequireAccess(t *testing.T) {
	fx := newMiddlewareFixture(t)
	guard := fx.middleware.RequireAccess("users", "manage")

	rec, engine := serve(guard, sessionRequest(t, http.MethodGet, "/", nil, fx.admin))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, engine)
	id, _ := engine.Identity()
	assert.Equal(t, fx.admin, id.ID)

	rec, _ = serve(guard, sessionRequest(t, http.MethodGet, "/", nil, fx.employee))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = serve(guard, sessionRequest(t, http.MethodGet, "/", nil, uuid.Nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestRequireAccessUncachedPairAsksBackend(t *testing.T) {
	fx := newMiddlewareFixture(t)
	_, err := fx.repo.GrantPermission(context.Background(), authz.RoleEmployee, Permission{Resource: "timesheets", Action: "submit"})
	require.NoError(t, err)

	rec, engine := serve(fx.middleware.RequireAccess("timesheets", "submit"), sessionRequest(t, http.MethodPost, "/", nil, fx.employee))
	assert.Equal(t, http.StatusOK, rec.Code)
	allowed, ok := engine.Peek("timesheets", "submit")
	assert.True(t, ok)
	assert.True(t, allowed)
}

func TestRequireAccessBackendFailureIsUnavailable(t *testing.T) {
	fx := newMiddlewareFixture(t)
	fx.repo.setFailure(errBackendDown)

	rec, _ := serve(fx.middleware.RequireAccess("users", "manage"), sessionRequest(t, http.MethodGet, "/", nil, fx.admin))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, _ = serve(fx.middleware.RequireModule(authz.ModuleHR), sessionRequest(t, http.MethodGet, "/", nil, fx.admin))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequireModule(t *testing.T) {
	fx := newMiddlewareFixture(t)

	rec, _ := serve(fx.middleware.RequireModule(authz.ModuleHR), sessionRequest(t, http.MethodGet, "/", nil, fx.employee))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = serve(fx.middleware.RequireModule(authz.ModuleCRM), sessionRequest(t, http.MethodGet, "/", nil, fx.admin))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireRole(t *testing.T) {
	fx := newMiddlewareFixture(t)
	guard := fx.middleware.RequireRole(authz.RoleSuperAdmin, authz.RoleCompanyAdmin)

	rec, _ := serve(guard, sessionRequest(t, http.MethodGet, "/", nil, fx.admin))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = serve(guard, sessionRequest(t, http.MethodGet, "/", nil, fx.employee))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireGateNeedsModuleAndPermission(t *testing.T) {
	fx := newMiddlewareFixture(t)

	hrUsers := authz.Gate{Module: authz.ModuleHR, Feature: "users", Action: "manage"}
	rec, _ := serve(fx.middleware.RequireGate(hrUsers), sessionRequest(t, http.MethodGet, "/", nil, fx.admin))
	assert.Equal(t, http.StatusOK, rec.Code)

	crmUsers := authz.Gate{Module: authz.ModuleCRM, Feature: "users", Action: "manage"}
	rec, _ = serve(fx.middleware.RequireGate(crmUsers), sessionRequest(t, http.MethodGet, "/", nil, fx.admin))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = serve(fx.middleware.RequireGate(hrUsers), sessionRequest(t, http.MethodGet, "/", nil, fx.employee))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthenticateAttachesEngine(t *testing.T) {
	fx := newMiddlewareFixture(t)

	rec, engine := serve(fx.middleware.Authenticate, sessionRequest(t, http.MethodGet, "/", nil, fx.employee))
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, engine)
	assert.True(t, engine.HasRole(authz.RoleEmployee))

	rec, engine = serve(fx.middleware.Authenticate, sessionRequest(t, http.MethodGet, "/", nil, uuid.Nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, engine)
}
