// Package authz resolves roles, permission grants and module entitlements
// for a signed-in identity and answers access checks from a short-lived cache.
package authz

import (
	"strings"

	"github.com/google/uuid"
)

// Identity describes the authenticated principal an engine resolves for.
type Identity struct {
	ID    uuid.UUID
	Email string
}

// Well-known role names. Anything outside this vocabulary is treated as a
// non-privileged role.
const (
	RoleSuperAdmin      = "super_admin"
	RoleCompanyAdmin    = "company_admin"
	RoleHRManager       = "hr_manager"
	RolePayrollManager  = "payroll_manager"
	RoleCRMManager      = "crm_manager"
	RoleLMSAdmin        = "lms_admin"
	RoleStaffingManager = "staffing_manager"
	RoleManager         = "manager"
	RoleEmployee        = "employee"
	RoleLearner         = "learner"
)

// privilegedRoles is ordered from the highest privilege down.
var privilegedRoles = []string{
	RoleSuperAdmin,
	RoleCompanyAdmin,
	RoleHRManager,
	RolePayrollManager,
	RoleCRMManager,
	RoleLMSAdmin,
	RoleStaffingManager,
}

var knownRoles = map[string]struct{}{
	RoleSuperAdmin:      {},
	RoleCompanyAdmin:    {},
	RoleHRManager:       {},
	RolePayrollManager:  {},
	RoleCRMManager:      {},
	RoleLMSAdmin:        {},
	RoleStaffingManager: {},
	RoleManager:         {},
	RoleEmployee:        {},
	RoleLearner:         {},
}

// IsKnownRole reports whether name belongs to the role vocabulary.
func IsKnownRole(name string) bool {
	_, ok := knownRoles[normalize(name)]
	return ok
}

// IsPrivilegedRole reports whether name is one of the privileged well-known roles.
func IsPrivilegedRole(name string) bool {
	return privilegeRank(name) >= 0
}

// privilegeRank returns the position in privilegedRoles or -1.
func privilegeRank(name string) int {
	name = normalize(name)
	for i, r := range privilegedRoles {
		if r == name {
			return i
		}
	}
	return -1
}

// RoleAssignment links an identity to a role inside a tenant. Modules holds the
// tenant's enabled modules as read from its settings row, when one exists.
type RoleAssignment struct {
	IdentityID uuid.UUID
	Role       string
	TenantID   uuid.UUID
	Modules    []string
}

// PrimaryAssignment picks the assignment used as the identity's primary role:
// the highest-privilege well-known role wins, otherwise the first row in the
// order the backend returned them.
func PrimaryAssignment(assignments []RoleAssignment) (RoleAssignment, bool) {
	if len(assignments) == 0 {
		return RoleAssignment{}, false
	}
	best := -1
	bestRank := len(privilegedRoles)
	for i, a := range assignments {
		rank := privilegeRank(a.Role)
		if rank >= 0 && rank < bestRank {
			best = i
			bestRank = rank
		}
	}
	if best < 0 {
		return assignments[0], true
	}
	return assignments[best], true
}

// PermissionGrant is a fine-grained capability. Grants are additive only.
type PermissionGrant struct {
	Name        string
	Resource    string
	Action      string
	Description string
}

// Key returns the cache key addressed by the grant.
func (g PermissionGrant) Key() string {
	return Key(g.Resource, g.Action)
}

// Key builds the "feature:action" cache key.
func Key(feature, action string) string {
	return normalize(feature) + ":" + normalize(action)
}

// SplitKey reverses Key.
func SplitKey(key string) (feature, action string) {
	feature, action, _ = strings.Cut(key, ":")
	return feature, action
}

func grantsAllow(grants []PermissionGrant, feature, action string) bool {
	want := Key(feature, action)
	for _, g := range grants {
		if g.Key() == want {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// State is the lifecycle position of an engine.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateLoaded
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Decision is the outcome of an authoritative permission check. Unknown means
// the backend could not be consulted; callers must treat it as a denial.
type Decision int

const (
	DecisionDenied Decision = iota
	DecisionAllowed
	DecisionUnknown
)

// Allowed reports whether access may be granted.
func (d Decision) Allowed() bool {
	return d == DecisionAllowed
}

func (d Decision) String() string {
	switch d {
	case DecisionAllowed:
		return "allowed"
	case DecisionDenied:
		return "denied"
	default:
		return "unknown"
	}
}
