package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/authz"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// RepositoryPort defines data access methods used by the service.
type RepositoryPort interface {
	ListRoles(ctx context.Context) ([]Role, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	ListAssignments(ctx context.Context, userID uuid.UUID) ([]Assignment, error)
	AssignRole(ctx context.Context, a Assignment) (Assignment, error)
	RemoveRole(ctx context.Context, a Assignment) error
	GrantPermission(ctx context.Context, role string, p Permission) (Permission, error)
	RevokePermission(ctx context.Context, role, resource, action string) error
	SetTenantModules(ctx context.Context, companyID uuid.UUID, modules []string) error
	CompanyMembers(ctx context.Context, companyID uuid.UUID) ([]uuid.UUID, error)
}

// Notifier tells running engines that stored authorization data changed.
// authz.Broadcaster and the job client both satisfy it.
type Notifier interface {
	PublishIdentity(ctx context.Context, id uuid.UUID) error
	PublishAll(ctx context.Context) error
}

// AuditRecorder persists administrative changes.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates RBAC administration.
type Service struct {
	repo     RepositoryPort
	notifier Notifier
	audit    AuditRecorder
	logger   *slog.Logger
}

// NewService builds Service instance. notifier and audit may be nil.
func NewService(repo RepositoryPort, notifier Notifier, audit AuditRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, notifier: notifier, audit: audit, logger: logger}
}

// AssignRoleInput describes a role assignment request.
type AssignRoleInput struct {
	UserID    uuid.UUID
	Role      string
	CompanyID uuid.UUID
}

// GrantInput describes a permission grant to a role.
type GrantInput struct {
	Role        string
	Resource    string
	Action      string
	Description string
}

// ListRoles returns the role catalogue.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// ListPermissions returns every known permission.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.repo.ListPermissions(ctx)
}

// ListAssignments returns the role assignments of a user.
func (s *Service) ListAssignments(ctx context.Context, userID uuid.UUID) ([]Assignment, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("%w: user id required", ErrInvalidInput)
	}
	return s.repo.ListAssignments(ctx, userID)
}

// AssignRole gives the user a role and reloads their engines.
func (s *Service) AssignRole(ctx context.Context, actor uuid.UUID, in AssignRoleInput) (Assignment, error) {
	a, err := assignmentFrom(in)
	if err != nil {
		return Assignment{}, err
	}
	created, err := s.repo.AssignRole(ctx, a)
	if err != nil {
		return Assignment{}, err
	}
	s.record(ctx, actor, "role.assign", "user", a.UserID.String(), map[string]any{"role": a.Role, "company_id": a.CompanyID})
	s.notifyIdentity(ctx, a.UserID)
	return created, nil
}

// RemoveRole takes a role away from the user and reloads their engines.
func (s *Service) RemoveRole(ctx context.Context, actor uuid.UUID, in AssignRoleInput) error {
	a, err := assignmentFrom(in)
	if err != nil {
		return err
	}
	if err := s.repo.RemoveRole(ctx, a); err != nil {
		return err
	}
	s.record(ctx, actor, "role.remove", "user", a.UserID.String(), map[string]any{"role": a.Role, "company_id": a.CompanyID})
	s.notifyIdentity(ctx, a.UserID)
	return nil
}

// GrantPermission attaches a resource/action pair to a role. Every engine is
// reloaded since any identity may hold the role.
func (s *Service) GrantPermission(ctx context.Context, actor uuid.UUID, in GrantInput) (Permission, error) {
	role, resource, action, err := grantFields(in.Role, in.Resource, in.Action)
	if err != nil {
		return Permission{}, err
	}
	perm, err := s.repo.GrantPermission(ctx, role, Permission{
		Name:        authz.Key(resource, action),
		Resource:    resource,
		Action:      action,
		Description: strings.TrimSpace(in.Description),
	})
	if err != nil {
		return Permission{}, err
	}
	s.record(ctx, actor, "permission.grant", "role", role, map[string]any{"resource": resource, "action": action})
	s.notifyAll(ctx)
	return perm, nil
}

// RevokePermission detaches a resource/action pair from a role.
func (s *Service) RevokePermission(ctx context.Context, actor uuid.UUID, roleName, resourceName, actionName string) error {
	role, resource, action, err := grantFields(roleName, resourceName, actionName)
	if err != nil {
		return err
	}
	if err := s.repo.RevokePermission(ctx, role, resource, action); err != nil {
		return err
	}
	s.record(ctx, actor, "permission.revoke", "role", role, map[string]any{"resource": resource, "action": action})
	s.notifyAll(ctx)
	return nil
}

// SetTenantModules replaces the modules enabled for a company and reloads the
// engines of its members.
func (s *Service) SetTenantModules(ctx context.Context, actor uuid.UUID, companyID uuid.UUID, modules []string) ([]string, error) {
	if companyID == uuid.Nil {
		return nil, fmt.Errorf("%w: company id required", ErrInvalidInput)
	}
	normalized := NormalizeModules(modules)
	if err := s.repo.SetTenantModules(ctx, companyID, normalized); err != nil {
		return nil, err
	}
	s.record(ctx, actor, "tenant.modules", "company", companyID.String(), map[string]any{"modules": normalized})

	members, err := s.repo.CompanyMembers(ctx, companyID)
	if err != nil {
		s.logger.Warn("list company members", slog.String("company_id", companyID.String()), slog.Any("error", err))
		s.notifyAll(ctx)
		return normalized, nil
	}
	for _, id := range members {
		s.notifyIdentity(ctx, id)
	}
	return normalized, nil
}

// NormalizeModules lowercases, trims, drops blanks and de-duplicates module
// identifiers. The result is sorted and never nil.
func NormalizeModules(modules []string) []string {
	out := make([]string, 0, len(modules))
	for _, m := range modules {
		m = strings.ToLower(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		out = append(out, m)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func assignmentFrom(in AssignRoleInput) (Assignment, error) {
	if in.UserID == uuid.Nil {
		return Assignment{}, fmt.Errorf("%w: user id required", ErrInvalidInput)
	}
	role := strings.ToLower(strings.TrimSpace(in.Role))
	if !authz.IsKnownRole(role) {
		return Assignment{}, ErrInvalidRole
	}
	if in.CompanyID == uuid.Nil && role != authz.RoleSuperAdmin {
		return Assignment{}, fmt.Errorf("%w: company id required for %s", ErrInvalidInput, role)
	}
	return Assignment{UserID: in.UserID, Role: role, CompanyID: in.CompanyID}, nil
}

func grantFields(role, resource, action string) (string, string, string, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	if !authz.IsKnownRole(role) {
		return "", "", "", ErrInvalidRole
	}
	resource = strings.ToLower(strings.TrimSpace(resource))
	action = strings.ToLower(strings.TrimSpace(action))
	if resource == "" || action == "" || strings.Contains(resource, ":") || strings.Contains(action, ":") {
		return "", "", "", fmt.Errorf("%w: resource and action required", ErrInvalidInput)
	}
	return role, resource, action, nil
}

func (s *Service) record(ctx context.Context, actor uuid.UUID, action, entity, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{ActorID: actor, Action: action, Entity: entity, EntityID: entityID, Meta: meta}); err != nil {
		s.logger.Error("record audit log", slog.String("action", action), slog.Any("error", err))
	}
}

// Notification failures are logged only: the write already committed and
// engines converge once their cache entries expire.
func (s *Service) notifyIdentity(ctx context.Context, id uuid.UUID) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.PublishIdentity(ctx, id); err != nil {
		s.logger.Warn("notify authz change", slog.String("identity_id", id.String()), slog.Any("error", err))
	}
}

func (s *Service) notifyAll(ctx context.Context) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.PublishAll(ctx); err != nil {
		s.logger.Warn("notify authz change", slog.String("identity_id", "*"), slog.Any("error", err))
	}
}
