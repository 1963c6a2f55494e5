package rbac

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// schema is idempotent so Migrate can run on every deploy.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS roles (
	name TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE TABLE IF NOT EXISTS permissions (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	name TEXT NOT NULL,
	resource TEXT NOT NULL,
	action TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	UNIQUE (resource, action)
)`,
	`CREATE TABLE IF NOT EXISTS role_permissions (
	role TEXT NOT NULL REFERENCES roles (name) ON DELETE CASCADE,
	permission_id UUID NOT NULL REFERENCES permissions (id) ON DELETE CASCADE,
	PRIMARY KEY (role, permission_id)
)`,
	`CREATE TABLE IF NOT EXISTS company_settings (
	company_id UUID PRIMARY KEY,
	enabled_modules TEXT[] NOT NULL DEFAULT '{}',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE TABLE IF NOT EXISTS user_roles (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	user_id UUID NOT NULL,
	role TEXT NOT NULL REFERENCES roles (name),
	company_id UUID,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS user_roles_unique_idx ON user_roles (user_id, role, COALESCE(company_id, '00000000-0000-0000-0000-000000000000'::uuid))`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
	id BIGSERIAL PRIMARY KEY,
	actor_id UUID NOT NULL,
	action TEXT NOT NULL,
	entity TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	meta JSONB,
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE OR REPLACE FUNCTION get_user_permissions(p_user_id UUID)
RETURNS TABLE (permission_name TEXT, resource TEXT, action TEXT, description TEXT)
LANGUAGE sql STABLE AS $$
	SELECT DISTINCT p.name, p.resource, p.action, p.description
	FROM user_roles ur
	JOIN role_permissions rp ON rp.role = ur.role
	JOIN permissions p ON p.id = rp.permission_id
	WHERE ur.user_id = p_user_id
	  AND NOT EXISTS (SELECT 1 FROM users u WHERE u.id = ur.user_id AND NOT u.is_active)
$$`,
}

// Migrate creates the tables and function the repository reads from and seeds
// the role catalogue.
func Migrate(ctx context.Context, db shared.Execer) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("rbac: migrate step %d: %w", i+1, err)
		}
	}
	for _, role := range catalogue {
		if _, err := db.Exec(ctx, `INSERT INTO roles (name, description) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`, role.Name, role.Description); err != nil {
			return fmt.Errorf("rbac: seed role %s: %w", role.Name, err)
		}
	}
	return nil
}
