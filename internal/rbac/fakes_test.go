package rbac

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-access/internal/authz"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memoryRepo is an in-memory RepositoryPort.
type memoryRepo struct {
	mu          sync.Mutex
	assignments []Assignment
	grants      map[string][]Permission
	modules     map[uuid.UUID][]string
	failWith    error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{grants: make(map[string][]Permission), modules: make(map[uuid.UUID][]string)}
}

func (m *memoryRepo) ListRoles(ctx context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	return append([]Role(nil), catalogue...), nil
}

func (m *memoryRepo) ListPermissions(ctx context.Context) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Permission
	for _, perms := range m.grants {
		out = append(out, perms...)
	}
	return out, nil
}

func (m *memoryRepo) ListAssignments(ctx context.Context, userID uuid.UUID) ([]Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Assignment
	for _, a := range m.assignments {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memoryRepo) AssignRole(ctx context.Context, a Assignment) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.assignments {
		if existing.UserID == a.UserID && existing.Role == a.Role && existing.CompanyID == a.CompanyID {
			return Assignment{}, ErrDuplicate
		}
	}
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	m.assignments = append(m.assignments, a)
	return a, nil
}

func (m *memoryRepo) RemoveRole(ctx context.Context, a Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.assignments {
		if existing.UserID == a.UserID && existing.Role == a.Role && existing.CompanyID == a.CompanyID {
			m.assignments = append(m.assignments[:i], m.assignments[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *memoryRepo) GrantPermission(ctx context.Context, role string, p Permission) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.grants[role] {
		if existing.Resource == p.Resource && existing.Action == p.Action {
			return Permission{}, ErrDuplicate
		}
	}
	p.ID = uuid.New()
	m.grants[role] = append(m.grants[role], p)
	return p, nil
}

func (m *memoryRepo) RevokePermission(ctx context.Context, role, resource, action string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.grants[role] {
		if existing.Resource == resource && existing.Action == action {
			m.grants[role] = append(m.grants[role][:i], m.grants[role][i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *memoryRepo) SetTenantModules(ctx context.Context, companyID uuid.UUID, modules []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modules[companyID] = modules
	return nil
}

func (m *memoryRepo) CompanyMembers(ctx context.Context, companyID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, a := range m.assignments {
		if a.CompanyID == companyID && !seen[a.UserID] {
			seen[a.UserID] = true
			out = append(out, a.UserID)
		}
	}
	return out, nil
}

// The memory repo doubles as the engine's stores so admin writes are visible
// to authorization checks.

func (m *memoryRepo) FetchRoles(ctx context.Context, id uuid.UUID) ([]authz.RoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	var out []authz.RoleAssignment
	for _, a := range m.assignments {
		if a.UserID == id {
			out = append(out, authz.RoleAssignment{IdentityID: id, Role: a.Role, TenantID: a.CompanyID, Modules: m.modules[a.CompanyID]})
		}
	}
	return out, nil
}

func (m *memoryRepo) FetchPermissions(ctx context.Context, id uuid.UUID) ([]authz.PermissionGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	var out []authz.PermissionGrant
	for _, a := range m.assignments {
		if a.UserID != id {
			continue
		}
		for _, p := range m.grants[a.Role] {
			out = append(out, authz.PermissionGrant{Name: p.Name, Resource: p.Resource, Action: p.Action})
		}
	}
	return out, nil
}

func (m *memoryRepo) FetchModules(ctx context.Context, id uuid.UUID) ([]string, error) {
	roles, err := m.FetchRoles(ctx, id)
	if err != nil {
		return nil, err
	}
	primary, ok := authz.PrimaryAssignment(roles)
	if !ok {
		return []string{}, nil
	}
	return primary.Modules, nil
}

func (m *memoryRepo) setFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

type recordingNotifier struct {
	mu  sync.Mutex
	ids []uuid.UUID
	all int
	err error
}

func (n *recordingNotifier) PublishIdentity(ctx context.Context, id uuid.UUID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, id)
	return n.err
}

func (n *recordingNotifier) PublishAll(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.all++
	return n.err
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func newTestRegistry(t *testing.T, repo *memoryRepo) *authz.Registry {
	t.Helper()
	registry, err := authz.NewRegistry(authz.RegistryConfig{
		Engine: authz.Config{
			Stores: authz.Stores{Roles: repo, Permissions: repo, Modules: repo},
			Logger: discardLogger(),
		},
		MaxSessions: 8,
		IdleTTL:     time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(registry.Close)
	return registry
}

// sessionRequest builds a request whose context carries a session signed in
// as id. A zero id yields an anonymous session.
func sessionRequest(t *testing.T, method, target string, body io.Reader, id uuid.UUID) *http.Request {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sessions := shared.NewSessionManager(client, "test_session", "secret", time.Hour, false)

	req := httptest.NewRequest(method, target, body)
	sess, err := sessions.Load(req.Context(), req)
	require.NoError(t, err)
	if id != uuid.Nil {
		sess.SetUser(id.String(), "")
	}
	return req.WithContext(shared.ContextWithSession(req.Context(), sess))
}

var errBackendDown = errors.New("backend down")
