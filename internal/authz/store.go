package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNoIdentity is returned by operations that need a signed-in identity.
var ErrNoIdentity = errors.New("authz: no identity")

// Fetch sources reported in FetchError.
const (
	SourceRoles       = "roles"
	SourcePermissions = "permissions"
	SourceModules     = "modules"
)

// FetchError reports a failure contacting the backend for one of the stores.
type FetchError struct {
	Source     string
	IdentityID uuid.UUID
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("authz: fetch %s for %s: %v", e.Source, e.IdentityID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// RoleStore loads the role assignments of an identity.
type RoleStore interface {
	FetchRoles(ctx context.Context, identityID uuid.UUID) ([]RoleAssignment, error)
}

// PermissionStore resolves the transitive permission grants of an identity.
type PermissionStore interface {
	FetchPermissions(ctx context.Context, identityID uuid.UUID) ([]PermissionGrant, error)
}

// ModuleStore loads the modules enabled for the identity's primary tenant.
type ModuleStore interface {
	FetchModules(ctx context.Context, identityID uuid.UUID) ([]string, error)
}

// Stores bundles the three backend adapters consulted by the engine.
type Stores struct {
	Roles       RoleStore
	Permissions PermissionStore
	Modules     ModuleStore
}

func (s Stores) validate() error {
	if s.Roles == nil || s.Permissions == nil || s.Modules == nil {
		return errors.New("authz: role, permission and module stores are required")
	}
	return nil
}

// asFetchError wraps err unless it already is a FetchError.
func asFetchError(source string, id uuid.UUID, err error) error {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}
	return &FetchError{Source: source, IdentityID: id, Err: err}
}
