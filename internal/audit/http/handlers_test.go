package audithttp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/authz"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

type stubTimelineService struct {
	result      audit.Result
	exportRows  []audit.TimelineRow
	lastFilters audit.TimelineFilters
}

func (s *stubTimelineService) Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error) {
	s.lastFilters = filters
	return s.result, nil
}

func (s *stubTimelineService) Export(ctx context.Context, filters audit.TimelineFilters) ([]audit.TimelineRow, error) {
	s.lastFilters = filters
	return s.exportRows, nil
}

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

type fixture struct {
	router  http.Handler
	service *stubTimelineService
	session *shared.SessionManager
}

func newFixture(t *testing.T, grants ...authz.PermissionGrant) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stores := grantStores{grants: grants}
	registry, err := authz.NewRegistry(authz.RegistryConfig{
		Engine: authz.Config{Stores: authz.Stores{Roles: stores, Permissions: stores, Modules: stores}, Logger: logger},
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(registry.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	service := &stubTimelineService{}
	handler := NewHandler(logger, service, rbac.Middleware{Engines: registry, Logger: logger})
	handler.now = func() time.Time { return time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC) }
	r := chi.NewRouter()
	handler.MountRoutes(r)
	return &fixture{router: r, service: service, session: shared.NewSessionManager(client, "s", "secret", time.Hour, false)}
}

func (f *fixture) do(t *testing.T, target string, signedIn bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	sess, err := f.session.Load(req.Context(), req)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if signedIn {
		sess.SetUser(uuid.NewString(), "auditor@odyssey.local")
	}
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

var auditView = authz.PermissionGrant{Resource: "audit", Action: "view"}

func TestTimelineRequiresPermission(t *testing.T) {
	f := newFixture(t)
	if rr := f.do(t, "/audit", false); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity, got %d", rr.Code)
	}
	if rr := f.do(t, "/audit", true); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without audit:view, got %d", rr.Code)
	}
}

func TestTimelineDefaultsAndFilters(t *testing.T) {
	f := newFixture(t, auditView)
	f.service.result = audit.Result{Rows: []audit.TimelineRow{{ID: 1, Action: "role.assign"}}, Paging: audit.PagingInfo{Page: 1, PageSize: 20}}

	rr := f.do(t, "/audit", true)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body audit.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Rows) != 1 || body.Rows[0].Action != "role.assign" {
		t.Fatalf("unexpected rows %+v", body.Rows)
	}
	got := f.service.lastFilters
	if !got.From.Equal(time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)) || !got.To.Equal(time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected default window %s - %s", got.From, got.To)
	}

	actor := uuid.New()
	rr = f.do(t, "/audit?from=2024-03-01&to=2024-03-02&actor="+actor.String()+"&entity=role&page=2&page_size=500", true)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	got = f.service.lastFilters
	if got.Actor != actor || got.Entity != "role" || got.Page != 2 || got.PageSize != maxPageSize {
		t.Fatalf("unexpected filters %+v", got)
	}
}

func TestTimelineRejectsBadFilters(t *testing.T) {
	f := newFixture(t, auditView)
	for _, target := range []string{
		"/audit?from=2024-03-10&to=2024-03-01",
		"/audit?from=2023-01-01&to=2024-03-01",
		"/audit?page=0",
		"/audit?page=10001",
		"/audit?page=99999999999999",
		"/audit?actor=bob",
	} {
		if rr := f.do(t, target, true); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rr.Code)
		}
	}
}

func TestExportWritesCSV(t *testing.T) {
	f := newFixture(t, auditView)
	f.service.exportRows = []audit.TimelineRow{{ID: 9, Action: "permission.grant", Entity: "role", EntityID: "hr_manager"}}

	rr := f.do(t, "/audit/export.csv", true)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(rr.Body.String(), "permission.grant,role,hr_manager") {
		t.Fatalf("unexpected csv body %q", rr.Body.String())
	}
}
