package access

import "errors"

var (
	// ErrInvalidCredentialFormat reports a password that cannot be hashed
	// (empty or below the minimum length).
	ErrInvalidCredentialFormat = errors.New("access: invalid credential format")

	// ErrAuthenticationFailed covers unknown username, inactive account, and
	// wrong password. The three cases are deliberately indistinguishable to
	// the caller.
	ErrAuthenticationFailed = errors.New("access: authentication failed")

	// ErrNotAuthenticated reports a protected call with no live session bound.
	ErrNotAuthenticated = errors.New("access: not authenticated")

	// ErrAuthorizationDenied reports an authenticated identity lacking the
	// required (resource, action) grant.
	ErrAuthorizationDenied = errors.New("access: authorization denied")

	// ErrCatalogInconsistency reports a role referencing a permission set
	// absent from the catalog. Fatal configuration error, never swallowed.
	ErrCatalogInconsistency = errors.New("access: permission catalog inconsistency")

	// ErrDependencyUnavailable wraps transient store failures so the caller
	// can decide on retry policy. Nothing in this package retries.
	ErrDependencyUnavailable = errors.New("access: dependency unavailable")

	// ErrRateLimited reports an authentication attempt rejected by the login
	// limiter before any credential lookup.
	ErrRateLimited = errors.New("access: too many authentication attempts")

	ErrNotFound     = errors.New("access: not found")
	ErrConflict     = errors.New("access: already exists")
	ErrInvalidInput = errors.New("access: invalid input")
)
