package access

import (
	"context"
	"time"
)

// Store describes the persistence operations required by the access core.
// The core consumes reads plus the two writes needed to complete
// authentication (credential storage and the last-login touch); everything
// else is administrative surface.
type Store interface {
	IdentityStore
	CredentialStore
	RoleStore
	PermissionStore
}

// IdentityStore manages identities.
type IdentityStore interface {
	CreateIdentity(ctx context.Context, id *Identity) error
	// DeleteIdentity removes the identity together with its credential and
	// role assignments. The service uses it to roll back a registration
	// that failed after the identity row was written.
	DeleteIdentity(ctx context.Context, identityID string) error
	FindIdentity(ctx context.Context, identityID string) (*Identity, error)
	FindIdentityByUsername(ctx context.Context, username string) (*Identity, error)
	SetIdentityActive(ctx context.Context, identityID string, active bool) error
	TouchLastLogin(ctx context.Context, identityID string, at time.Time) error
}

// CredentialStore manages credential records. Put replaces the whole record.
type CredentialStore interface {
	PutCredential(ctx context.Context, rec *CredentialRecord) error
	FindCredential(ctx context.Context, identityID string) (*CredentialRecord, error)
}

// RoleResolver reports the roles currently assigned to an identity. It must
// reflect assignment state at call time; a cached answer that can mask a
// just-revoked role is a correctness bug.
type RoleResolver interface {
	RolesOf(ctx context.Context, identityID string) ([]Role, error)
}

// RoleStore manages roles and assignments.
type RoleStore interface {
	RoleResolver
	CreateRole(ctx context.Context, role *Role) error
	FindRoleByName(ctx context.Context, name string) (*Role, error)
	Assign(ctx context.Context, a RoleAssignment) error
	Revoke(ctx context.Context, identityID, roleID string) error
}

// Catalog is the read side of the permission catalog.
type Catalog interface {
	// PermissionsOf returns the role's grants, or ErrNotFound when the role
	// is absent from the catalog.
	PermissionsOf(ctx context.Context, roleID string) ([]Permission, error)
	// AllRoles lists the catalog in stable lexical order by name.
	AllRoles(ctx context.Context) ([]Role, error)
}

// PermissionStore manages the permission catalog. Mutations apply atomically:
// a concurrent authorization check sees either the fully-old or fully-new
// permission set, never an interleaving.
type PermissionStore interface {
	Catalog
	// EnsurePermissions upserts by (resource, action) key; duplicates collapse.
	EnsurePermissions(ctx context.Context, perms []Permission) error
	SetRolePermissions(ctx context.Context, roleID string, keys []string) error
}
