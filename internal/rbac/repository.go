package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/internal/authz"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence. It implements the
// authz.RoleStore, authz.PermissionStore and authz.ModuleStore contracts.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var (
	_ authz.RoleStore       = (*Repository)(nil)
	_ authz.PermissionStore = (*Repository)(nil)
	_ authz.ModuleStore     = (*Repository)(nil)
)

// Rows come back in assignment order so "first row" is stable across calls.
const queryUserRoles = `SELECT ur.user_id, ur.role, ur.company_id, cs.enabled_modules
FROM user_roles ur
LEFT JOIN company_settings cs ON cs.company_id = ur.company_id
WHERE ur.user_id = $1
  AND NOT EXISTS (SELECT 1 FROM users u WHERE u.id = ur.user_id AND NOT u.is_active)
ORDER BY ur.created_at, ur.id`

// FetchRoles returns every role assignment of the identity.
func (r *Repository) FetchRoles(ctx context.Context, identityID uuid.UUID) ([]authz.RoleAssignment, error) {
	rows, err := r.pool.Query(ctx, queryUserRoles, identityID)
	if err != nil {
		return nil, fmt.Errorf("rbac: query roles: %w", err)
	}
	defer rows.Close()
	var out []authz.RoleAssignment
	for rows.Next() {
		var (
			a       authz.RoleAssignment
			company pgtype.UUID
			modules []string
		)
		if err := rows.Scan(&a.IdentityID, &a.Role, &company, &modules); err != nil {
			return nil, fmt.Errorf("rbac: scan role: %w", err)
		}
		a.TenantID = fromPgUUID(company)
		a.Modules = modules
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rbac: iterate roles: %w", err)
	}
	return out, nil
}

// FetchPermissions resolves the identity's grants through the
// get_user_permissions database function.
func (r *Repository) FetchPermissions(ctx context.Context, identityID uuid.UUID) ([]authz.PermissionGrant, error) {
	rows, err := r.pool.Query(ctx, `SELECT permission_name, resource, action, COALESCE(description, '') FROM get_user_permissions($1)`, identityID)
	if err != nil {
		return nil, fmt.Errorf("rbac: query permissions: %w", err)
	}
	defer rows.Close()
	var out []authz.PermissionGrant
	for rows.Next() {
		var g authz.PermissionGrant
		if err := rows.Scan(&g.Name, &g.Resource, &g.Action, &g.Description); err != nil {
			return nil, fmt.Errorf("rbac: scan permission: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rbac: iterate permissions: %w", err)
	}
	return out, nil
}

// FetchModules returns the modules enabled for the tenant of the identity's
// primary role.
func (r *Repository) FetchModules(ctx context.Context, identityID uuid.UUID) ([]string, error) {
	assignments, err := r.FetchRoles(ctx, identityID)
	if err != nil {
		return nil, err
	}
	primary, ok := authz.PrimaryAssignment(assignments)
	if !ok || primary.Modules == nil {
		return []string{}, nil
	}
	return primary.Modules, nil
}

// ListRoles returns the role catalogue ordered by name.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT name, description, created_at FROM roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("rbac: list roles: %w", err)
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.Name, &role.Description, &role.CreatedAt); err != nil {
			return nil, fmt.Errorf("rbac: scan role: %w", err)
		}
		role.Privileged = authz.IsPrivilegedRole(role.Name)
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

// ListPermissions returns every permission ordered by resource and action.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, resource, action, description FROM permissions ORDER BY resource, action`)
	if err != nil {
		return nil, fmt.Errorf("rbac: list permissions: %w", err)
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Description); err != nil {
			return nil, fmt.Errorf("rbac: scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// ListAssignments returns the role assignments of a user.
func (r *Repository) ListAssignments(ctx context.Context, userID uuid.UUID) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, user_id, role, company_id, created_at FROM user_roles WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("rbac: list assignments: %w", err)
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		var (
			a       Assignment
			company pgtype.UUID
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.Role, &company, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("rbac: scan assignment: %w", err)
		}
		a.CompanyID = fromPgUUID(company)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// AssignRole inserts a user_roles row.
func (r *Repository) AssignRole(ctx context.Context, a Assignment) (Assignment, error) {
	row := r.pool.QueryRow(ctx, `INSERT INTO user_roles (user_id, role, company_id) VALUES ($1, $2, $3) RETURNING id, created_at`, a.UserID, a.Role, toPgUUID(a.CompanyID))
	if err := row.Scan(&a.ID, &a.CreatedAt); err != nil {
		return Assignment{}, mapWriteError("assign role", err)
	}
	return a, nil
}

// RemoveRole deletes a user_roles row.
func (r *Repository) RemoveRole(ctx context.Context, a Assignment) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role = $2 AND company_id IS NOT DISTINCT FROM $3`, a.UserID, a.Role, toPgUUID(a.CompanyID))
	if err != nil {
		return fmt.Errorf("rbac: remove role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GrantPermission upserts the permission and attaches it to the role.
func (r *Repository) GrantPermission(ctx context.Context, role string, p Permission) (Permission, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `INSERT INTO permissions (name, resource, action, description)
VALUES ($1, $2, $3, $4)
ON CONFLICT (resource, action) DO UPDATE SET description = COALESCE(NULLIF(EXCLUDED.description, ''), permissions.description)
RETURNING id, name, description`, p.Name, p.Resource, p.Action, p.Description)
		if err := row.Scan(&p.ID, &p.Name, &p.Description); err != nil {
			return mapWriteError("upsert permission", err)
		}
		tag, err := tx.Exec(ctx, `INSERT INTO role_permissions (role, permission_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, role, p.ID)
		if err != nil {
			return mapWriteError("attach permission", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrDuplicate
		}
		return nil
	})
	if err != nil {
		return Permission{}, err
	}
	return p, nil
}

// RevokePermission detaches the resource/action pair from the role.
func (r *Repository) RevokePermission(ctx context.Context, role, resource, action string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM role_permissions rp
USING permissions p
WHERE rp.permission_id = p.id AND rp.role = $1 AND p.resource = $2 AND p.action = $3`, role, resource, action)
	if err != nil {
		return fmt.Errorf("rbac: revoke permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTenantModules replaces the enabled modules of a company.
func (r *Repository) SetTenantModules(ctx context.Context, companyID uuid.UUID, modules []string) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO company_settings (company_id, enabled_modules) VALUES ($1, $2)
ON CONFLICT (company_id) DO UPDATE SET enabled_modules = EXCLUDED.enabled_modules, updated_at = NOW()`, companyID, modules)
	if err != nil {
		return fmt.Errorf("rbac: set tenant modules: %w", err)
	}
	return nil
}

// CompanyMembers lists users holding any role in the company.
func (r *Repository) CompanyMembers(ctx context.Context, companyID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT user_id FROM user_roles WHERE company_id = $1`, companyID)
	if err != nil {
		return nil, fmt.Errorf("rbac: company members: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("rbac: scan members: %w", err)
	}
	return ids, nil
}

func mapWriteError(op string, err error) error {
	switch {
	case errors.Is(err, ErrDuplicate), errors.Is(err, ErrNotFound):
		return err
	case db.IsUniqueViolation(err):
		return ErrDuplicate
	case db.IsForeignKeyViolation(err):
		return fmt.Errorf("%w: %s references a missing record", ErrInvalidInput, op)
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	default:
		return fmt.Errorf("rbac: %s: %w", op, err)
	}
}

func toPgUUID(id uuid.UUID) pgtype.UUID {
	if id == uuid.Nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: [16]byte(id), Valid: true}
}

func fromPgUUID(id pgtype.UUID) uuid.UUID {
	if !id.Valid {
		return uuid.Nil
	}
	return uuid.UUID(id.Bytes)
}

// ConsistencyFindings reports assignments to roles outside the vocabulary,
// assignments to companies without settings and roles granting nothing.
func (r *Repository) ConsistencyFindings(ctx context.Context) ([]Finding, error) {
	var findings []Finding

	byRole := make(map[string][]uuid.UUID)
	var roleOrder []string
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT role, user_id FROM user_roles ORDER BY role, user_id`)
	if err != nil {
		return nil, fmt.Errorf("rbac: scan roles: %w", err)
	}
	for rows.Next() {
		var (
			role string
			id   uuid.UUID
		)
		if err := rows.Scan(&role, &id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("rbac: scan role row: %w", err)
		}
		if authz.IsKnownRole(role) {
			continue
		}
		if _, ok := byRole[role]; !ok {
			roleOrder = append(roleOrder, role)
		}
		byRole[role] = append(byRole[role], id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rbac: scan roles: %w", err)
	}
	for _, role := range roleOrder {
		findings = append(findings, Finding{Kind: FindingUnknownRole, Subject: role, Identities: byRole[role]})
	}

	byCompany := make(map[uuid.UUID][]uuid.UUID)
	var companyOrder []uuid.UUID
	rows, err = r.pool.Query(ctx, `SELECT DISTINCT ur.company_id, ur.user_id
FROM user_roles ur
LEFT JOIN company_settings cs ON cs.company_id = ur.company_id
WHERE ur.company_id IS NOT NULL AND cs.company_id IS NULL
ORDER BY ur.company_id, ur.user_id`)
	if err != nil {
		return nil, fmt.Errorf("rbac: scan tenants: %w", err)
	}
	for rows.Next() {
		var company, id uuid.UUID
		if err := rows.Scan(&company, &id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("rbac: scan tenant row: %w", err)
		}
		if _, ok := byCompany[company]; !ok {
			companyOrder = append(companyOrder, company)
		}
		byCompany[company] = append(byCompany[company], id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rbac: scan tenants: %w", err)
	}
	for _, company := range companyOrder {
		findings = append(findings, Finding{Kind: FindingMissingTenantSettings, Subject: company.String(), Identities: byCompany[company]})
	}

	rows, err = r.pool.Query(ctx, `SELECT r.name FROM roles r
WHERE NOT EXISTS (SELECT 1 FROM role_permissions rp WHERE rp.role = r.name)
ORDER BY r.name`)
	if err != nil {
		return nil, fmt.Errorf("rbac: scan grants: %w", err)
	}
	empty, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("rbac: scan grants: %w", err)
	}
	for _, role := range empty {
		findings = append(findings, Finding{Kind: FindingRoleWithoutPermissions, Subject: role})
	}
	return findings, nil
}
