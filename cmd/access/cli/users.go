package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-access/internal/auth"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// UserRegistrar creates login accounts. *auth.Service satisfies it.
type UserRegistrar interface {
	Register(ctx context.Context, email, password string) (*auth.User, error)
}

// RoleAssigner grants roles. *rbac.Service satisfies it.
type RoleAssigner interface {
	AssignRole(ctx context.Context, actor uuid.UUID, in rbac.AssignRoleInput) (rbac.Assignment, error)
}

// CreateUserOptions defines the flags of the create-user command.
type CreateUserOptions struct {
	Email     string
	Password  string
	Role      string
	CompanyID string
	Stdout    io.Writer
	Stderr    io.Writer
}

// CreateUserCommand registers an account and optionally assigns its first role.
// The assignment is recorded with a nil actor.
func CreateUserCommand(ctx context.Context, users UserRegistrar, roles RoleAssigner, opts CreateUserOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	email := auth.NormalizeEmail(opts.Email)
	if email == "" || !strings.Contains(email, "@") {
		_, _ = fmt.Fprintln(opts.Stderr, "create-user: --email is required")
		return ExitUsage
	}
	var companyID uuid.UUID
	if raw := strings.TrimSpace(opts.CompanyID); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "create-user: invalid --company %q\n", opts.CompanyID)
			return ExitUsage
		}
		companyID = parsed
	}

	user, err := users.Register(ctx, email, opts.Password)
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "create-user: %v\n", err)
		return ExitUsage
	}
	_, _ = fmt.Fprintf(opts.Stdout, "created user %s (%s)\n", user.ID, user.Email)

	if strings.TrimSpace(opts.Role) == "" {
		return ExitOK
	}
	if roles == nil {
		_, _ = fmt.Fprintln(opts.Stderr, "create-user: role assignment not configured")
		return ExitUsage
	}
	assignment, err := roles.AssignRole(ctx, uuid.Nil, rbac.AssignRoleInput{UserID: user.ID, Role: opts.Role, CompanyID: companyID})
	if err != nil {
		_, _ = fmt.Fprintf(opts.Stderr, "create-user: assign role: %v\n", err)
		return ExitUsage
	}
	_, _ = fmt.Fprintf(opts.Stdout, "assigned role %s\n", assignment.Role)
	return ExitOK
}

// MigrateFunc applies one schema.
type MigrateFunc func(ctx context.Context) error

// MigrateCommand runs each step in order and stops at the first failure.
func MigrateCommand(ctx context.Context, stdout, stderr io.Writer, steps ...MigrateFunc) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	for i, step := range steps {
		if err := step(ctx); err != nil {
			_, _ = fmt.Fprintf(stderr, "migrate: step %d: %v\n", i+1, err)
			return ExitUsage
		}
	}
	_, _ = fmt.Fprintf(stdout, "applied %d migration steps\n", len(steps))
	return ExitOK
}
