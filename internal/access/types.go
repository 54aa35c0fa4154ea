package access

import "time"

// Identity represents a human or service account known to the system.
// Authorization checks only ever read it by id; its mutable state changes
// through account-status operations and password change alone.
type Identity struct {
	ID          string
	Username    string
	Email       string
	FullName    string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastLoginAt *time.Time
}

// CredentialRecord is the one-to-one verifiable representation of an
// identity's password. It is replaced wholesale on password change, never
// partially updated, and carries the derivation parameters that produced
// the digest so verification stays correct after defaults move.
type CredentialRecord struct {
	IdentityID string
	Digest     []byte
	Salt       []byte
	Params     HashParams
	CreatedAt  time.Time
}

// Role is a named, administrator-curated bundle of permission grants.
type Role struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
}

// Permission is an atomic (resource, action) grant. Resource and action are
// opaque identifiers; the engine attaches no semantics to them.
type Permission struct {
	ID          string
	Name        string
	Resource    string
	Action      string
	Description string
}

// Key returns the catalog-unique "resource:action" identifier.
func (p Permission) Key() string {
	return p.Resource + ":" + p.Action
}

// RoleAssignment links an identity to a role, recording who granted it and
// when. A given (identity, role) pair exists at most once.
type RoleAssignment struct {
	IdentityID string
	RoleID     string
	GrantedBy  string
	CreatedAt  time.Time
}
