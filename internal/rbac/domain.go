// Package rbac persists role assignments, permission grants and tenant module
// entitlements in PostgreSQL and exposes them to the authz engine and to the
// administration API.
package rbac

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/authz"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = fmt.Errorf("rbac: %w", httpx.ErrNotFound)
	// ErrDuplicate indicates the record already exists.
	ErrDuplicate = fmt.Errorf("rbac: %w", httpx.ErrDuplicate)
	// ErrInvalidRole indicates a role outside the known vocabulary.
	ErrInvalidRole = fmt.Errorf("rbac: unknown role: %w", httpx.ErrValidation)
	// ErrInvalidInput indicates a malformed request.
	ErrInvalidInput = fmt.Errorf("rbac: %w", httpx.ErrValidation)
)

// Role represents a high-level permission grouping.
type Role struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Privileged  bool      `json:"privileged"`
	CreatedAt   time.Time `json:"created_at"`
}

// Permission represents an atomic capability addressed by resource and action.
type Permission struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Resource    string    `json:"resource"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
}

// Assignment links an identity to a role inside a company.
type Assignment struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Role      string    `json:"role"`
	CompanyID uuid.UUID `json:"company_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RoleGrant is a permission held by a role.
type RoleGrant struct {
	Role       string     `json:"role"`
	Permission Permission `json:"permission"`
}

var catalogue = []Role{
	{Name: authz.RoleSuperAdmin, Description: "Platform operator with every permission"},
	{Name: authz.RoleCompanyAdmin, Description: "Administers a single company"},
	{Name: authz.RoleHRManager, Description: "Manages people records"},
	{Name: authz.RolePayrollManager, Description: "Runs payroll"},
	{Name: authz.RoleCRMManager, Description: "Manages customer relationships"},
	{Name: authz.RoleLMSAdmin, Description: "Administers training content"},
	{Name: authz.RoleStaffingManager, Description: "Manages staffing placements"},
	{Name: authz.RoleManager, Description: "Line manager"},
	{Name: authz.RoleEmployee, Description: "Regular employee"},
	{Name: authz.RoleLearner, Description: "Training participant"},
}

// Finding kinds reported by the consistency scan.
const (
	FindingUnknownRole            = "unknown_role"
	FindingMissingTenantSettings  = "missing_tenant_settings"
	FindingRoleWithoutPermissions = "role_without_permissions"
)

// Finding is a stored assignment that resolves to less access than an
// administrator likely intended.
type Finding struct {
	Kind       string      `json:"kind"`
	Subject    string      `json:"subject"`
	Identities []uuid.UUID `json:"identities,omitempty"`
}
