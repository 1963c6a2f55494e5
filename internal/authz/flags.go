package authz

// Check names a (feature, action) pair.
type Check struct {
	Feature string
	Action  string
}

// Key returns the cache key for the pair.
func (c Check) Key() string {
	return Key(c.Feature, c.Action)
}

// Common checks seeded into the cache on every load.
var (
	CheckManageUsers    = Check{Feature: "users", Action: "manage"}
	CheckViewUsers      = Check{Feature: "users", Action: "view"}
	CheckViewReports    = Check{Feature: "reports", Action: "view"}
	CheckManagePayroll  = Check{Feature: "payroll", Action: "manage"}
	CheckViewPayroll    = Check{Feature: "payroll", Action: "view"}
	CheckManageBenefits = Check{Feature: "benefits", Action: "manage"}
	CheckManageTraining = Check{Feature: "training", Action: "manage"}
	CheckManageCRM      = Check{Feature: "crm", Action: "manage"}
	CheckManageStaffing = Check{Feature: "staffing", Action: "manage"}
	CheckManageSettings = Check{Feature: "settings", Action: "manage"}
	CheckManageRoles    = Check{Feature: "roles", Action: "manage"}
	CheckViewAuditLog   = Check{Feature: "audit", Action: "view"}
	CheckViewVault      = Check{Feature: "vault", Action: "view"}
)

// CommonChecks lists the pairs resolved eagerly when an engine loads.
func CommonChecks() []Check {
	return []Check{
		CheckManageUsers,
		CheckViewUsers,
		CheckViewReports,
		CheckManagePayroll,
		CheckViewPayroll,
		CheckManageBenefits,
		CheckManageTraining,
		CheckManageCRM,
		CheckManageStaffing,
		CheckManageSettings,
		CheckManageRoles,
		CheckViewAuditLog,
		CheckViewVault,
	}
}

// Flags are convenience answers precomputed whenever the cache is rebuilt.
type Flags struct {
	CanManageUsers    bool `json:"can_manage_users"`
	CanViewReports    bool `json:"can_view_reports"`
	CanManagePayroll  bool `json:"can_manage_payroll"`
	CanManageBenefits bool `json:"can_manage_benefits"`
	CanManageTraining bool `json:"can_manage_training"`
	CanManageCRM      bool `json:"can_manage_crm"`
	CanManageStaffing bool `json:"can_manage_staffing"`
	CanManageSettings bool `json:"can_manage_settings"`
	CanManageRoles    bool `json:"can_manage_roles"`
	CanViewAuditLog   bool `json:"can_view_audit_log"`
}

func computeFlags(check func(Check) bool) Flags {
	return Flags{
		CanManageUsers:    check(CheckManageUsers),
		CanViewReports:    check(CheckViewReports),
		CanManagePayroll:  check(CheckManagePayroll),
		CanManageBenefits: check(CheckManageBenefits),
		CanManageTraining: check(CheckManageTraining),
		CanManageCRM:      check(CheckManageCRM),
		CanManageStaffing: check(CheckManageStaffing),
		CanManageSettings: check(CheckManageSettings),
		CanManageRoles:    check(CheckManageRoles),
		CanViewAuditLog:   check(CheckViewAuditLog),
	}
}

// Gate composes a module entitlement with a permission. Both must hold for
// the gate to open. An empty Module skips the entitlement requirement.
type Gate struct {
	Module  string
	Feature string
	Action  string
}

// Known module identifiers.
const (
	ModuleHR       = "hr"
	ModulePayroll  = "payroll"
	ModuleBenefits = "benefits"
	ModuleCRM      = "crm"
	ModuleTraining = "training"
	ModuleStaffing = "staffing"
	ModuleVault    = "vault"
)
