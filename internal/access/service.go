package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"shelterdesk.org/internal/audit"
	"shelterdesk.org/internal/ids"
	"shelterdesk.org/internal/obs"
)

const (
	minUsernameLength = 3
	maxUsernameLength = 50
	maxEmailLength    = 100
)

// Service is the facade over credential verification, the authorization
// decision engine, and the administrative mutations around them. It is
// stateless per call; all persistence lives behind Store.
type Service struct {
	store   Store
	hasher  Hasher
	engine  *Engine
	hook    audit.Hook
	limiter LoginLimiter
	now     func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithHasher overrides the credential hasher. Intended for tests that need
// a reduced work factor; production keeps the default.
func WithHasher(h Hasher) ServiceOption {
	return func(s *Service) error {
		s.hasher = h
		return nil
	}
}

// WithAuditHook injects the sink notified of authentication attempts,
// authorization denials, and credential/role mutations.
func WithAuditHook(hook audit.Hook) ServiceOption {
	return func(s *Service) error {
		if hook != nil {
			s.hook = hook
		}
		return nil
	}
}

// WithLoginLimiter installs a brute-force throttle consulted before any
// credential lookup.
func WithLoginLimiter(l LoginLimiter) ServiceOption {
	return func(s *Service) error {
		s.limiter = l
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs the access service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("access: store is required")
	}
	svc := &Service{
		store:  store,
		hasher: NewHasher(),
		hook:   audit.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	svc.engine = NewEngine(store, store, svc.hook)
	return svc, nil
}

// Engine exposes the decision engine for callers that hold identity ids
// directly instead of sessions.
func (s *Service) Engine() *Engine { return s.engine }

// RegisterParams describes a new account.
type RegisterParams struct {
	Username string
	Password string
	Email    string
	FullName string
	Role     string
	// GrantedBy is the identity performing the registration; recorded on
	// the initial role assignment.
	GrantedBy string
}

// Register creates an identity with a hashed credential and its initial
// role. The role must already exist in the catalog; identities never define
// ad-hoc roles.
func (s *Service) Register(ctx context.Context, p RegisterParams) (*Identity, error) {
	username := strings.TrimSpace(p.Username)
	if !validUsername(username) {
		return nil, fmt.Errorf("%w: username must be %d-%d alphanumeric or underscore characters",
			ErrInvalidInput, minUsernameLength, maxUsernameLength)
	}
	email := strings.TrimSpace(strings.ToLower(p.Email))
	if email != "" && !validEmail(email) {
		return nil, fmt.Errorf("%w: malformed email", ErrInvalidInput)
	}
	roleName := strings.TrimSpace(p.Role)
	if roleName == "" {
		return nil, fmt.Errorf("%w: role is required", ErrInvalidInput)
	}
	role, err := s.store.FindRoleByName(ctx, roleName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, roleName)
		}
		return nil, fmt.Errorf("%w: find role: %v", ErrDependencyUnavailable, err)
	}

	digest, salt, err := s.hasher.Hash(p.Password, nil)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	identity := &Identity{
		ID:        ids.New(),
		Username:  username,
		Email:     email,
		FullName:  strings.TrimSpace(p.FullName),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateIdentity(ctx, identity); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: create identity: %v", ErrDependencyUnavailable, err)
	}
	if err := s.store.PutCredential(ctx, &CredentialRecord{
		IdentityID: identity.ID,
		Digest:     digest,
		Salt:       salt,
		Params:     s.hasher.Params(),
		CreatedAt:  now,
	}); err != nil {
		// Roll back the identity row so the username is not stuck in a
		// half-registered state that blocks a retry.
		_ = s.store.DeleteIdentity(ctx, identity.ID)
		return nil, fmt.Errorf("%w: store credential: %v", ErrDependencyUnavailable, err)
	}
	if err := s.store.Assign(ctx, RoleAssignment{
		IdentityID: identity.ID,
		RoleID:     role.ID,
		GrantedBy:  p.GrantedBy,
		CreatedAt:  now,
	}); err != nil {
		_ = s.store.DeleteIdentity(ctx, identity.ID)
		return nil, fmt.Errorf("%w: assign role: %v", ErrDependencyUnavailable, err)
	}

	s.hook.Record(ctx, audit.Event{
		Kind:    audit.KindIdentityRegistered,
		Subject: identity.Username,
		Detail:  map[string]string{"identity_id": identity.ID, "role": role.Name},
	})
	return identity, nil
}

// Authenticate verifies the credential and returns a fresh session holding
// only identity id and username. Unknown username, inactive account, and
// wrong password all fail with the same ErrAuthenticationFailed; only the
// audit sink learns which case occurred.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*Session, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, s.failAuth(ctx, username, "missing credentials")
	}
	if s.limiter != nil && !s.limiter.Allow(username) {
		return nil, ErrRateLimited
	}

	identity, err := s.store.FindIdentityByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, s.failAuth(ctx, username, "unknown username")
		}
		return nil, fmt.Errorf("%w: find identity: %v", ErrDependencyUnavailable, err)
	}
	if !identity.Active {
		return nil, s.failAuth(ctx, username, "inactive account")
	}
	cred, err := s.store.FindCredential(ctx, identity.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, s.failAuth(ctx, username, "missing credential record")
		}
		return nil, fmt.Errorf("%w: find credential: %v", ErrDependencyUnavailable, err)
	}
	if !s.hasher.Verify(password, cred.Digest, cred.Salt, cred.Params) {
		return nil, s.failAuth(ctx, username, "password mismatch")
	}

	// Best effort; a failed touch must not fail the login.
	_ = s.store.TouchLastLogin(ctx, identity.ID, s.now().UTC())

	obs.ObserveAuthAttempt(true)
	s.hook.Record(ctx, audit.Event{
		Kind:    audit.KindAuthSuccess,
		Subject: identity.Username,
		Detail:  map[string]string{"identity_id": identity.ID},
	})
	return &Session{IdentityID: identity.ID, Username: identity.Username}, nil
}

// failAuth records the true failure cause for the audit sink and returns
// the unified external error.
func (s *Service) failAuth(ctx context.Context, username, reason string) error {
	obs.ObserveAuthAttempt(false)
	s.hook.Record(ctx, audit.Event{
		Kind:    audit.KindAuthFailure,
		Subject: username,
		Detail:  map[string]string{"reason": reason},
	})
	return ErrAuthenticationFailed
}

// Require is the guard clause protected operations call first: the
// authentication gate, then the authorization gate, in that order. It
// returns the live session so the operation can attribute its work.
func (s *Service) Require(ctx context.Context, resource, action string) (*Session, error) {
	sess, err := RequireAuthenticated(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.engine.RequirePermission(ctx, sess.IdentityID, sess.Username, resource, action); err != nil {
		return nil, err
	}
	return sess, nil
}

// Authorize answers allow/deny without surfacing an error on denial.
func (s *Service) Authorize(ctx context.Context, identityID, resource, action string) (Decision, error) {
	return s.engine.Authorize(ctx, identityID, resource, action)
}

// ChangePassword verifies the current password and replaces the credential
// record wholesale: new salt, new digest, current derivation parameters.
func (s *Service) ChangePassword(ctx context.Context, identityID, oldPassword, newPassword string) error {
	cred, err := s.store.FindCredential(ctx, identityID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrAuthenticationFailed
		}
		return fmt.Errorf("%w: find credential: %v", ErrDependencyUnavailable, err)
	}
	if !s.hasher.Verify(oldPassword, cred.Digest, cred.Salt, cred.Params) {
		return ErrAuthenticationFailed
	}
	digest, salt, err := s.hasher.Hash(newPassword, nil)
	if err != nil {
		return err
	}
	if err := s.store.PutCredential(ctx, &CredentialRecord{
		IdentityID: identityID,
		Digest:     digest,
		Salt:       salt,
		Params:     s.hasher.Params(),
		CreatedAt:  s.now().UTC(),
	}); err != nil {
		return fmt.Errorf("%w: store credential: %v", ErrDependencyUnavailable, err)
	}
	s.hook.Record(ctx, audit.Event{
		Kind:    audit.KindPasswordChanged,
		Subject: identityID,
	})
	return nil
}

// SetActive flips the account status and notifies the audit sink.
func (s *Service) SetActive(ctx context.Context, identityID string, active bool) error {
	if err := s.store.SetIdentityActive(ctx, identityID, active); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: set identity status: %v", ErrDependencyUnavailable, err)
	}
	kind := audit.KindAccountDeactivated
	if active {
		kind = audit.KindAccountActivated
	}
	s.hook.Record(ctx, audit.Event{Kind: kind, Subject: identityID})
	return nil
}

// AssignRole grants a catalog role to an identity. Assignment is idempotent:
// repeating it leaves the permission set unchanged.
func (s *Service) AssignRole(ctx context.Context, identityID, roleName, grantedBy string) error {
	role, err := s.store.FindRoleByName(ctx, strings.TrimSpace(roleName))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, roleName)
		}
		return fmt.Errorf("%w: find role: %v", ErrDependencyUnavailable, err)
	}
	if err := s.store.Assign(ctx, RoleAssignment{
		IdentityID: identityID,
		RoleID:     role.ID,
		GrantedBy:  grantedBy,
		CreatedAt:  s.now().UTC(),
	}); err != nil {
		return fmt.Errorf("%w: assign role: %v", ErrDependencyUnavailable, err)
	}
	s.hook.Record(ctx, audit.Event{
		Kind:    audit.KindRoleAssigned,
		Subject: identityID,
		Detail:  map[string]string{"role": role.Name, "granted_by": grantedBy},
	})
	return nil
}

// RevokeRole removes a role assignment. The revocation is visible to the
// very next authorization decision.
func (s *Service) RevokeRole(ctx context.Context, identityID, roleName string) error {
	role, err := s.store.FindRoleByName(ctx, strings.TrimSpace(roleName))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, roleName)
		}
		return fmt.Errorf("%w: find role: %v", ErrDependencyUnavailable, err)
	}
	if err := s.store.Revoke(ctx, identityID, role.ID); err != nil {
		return fmt.Errorf("%w: revoke role: %v", ErrDependencyUnavailable, err)
	}
	s.hook.Record(ctx, audit.Event{
		Kind:    audit.KindRoleRevoked,
		Subject: identityID,
		Detail:  map[string]string{"role": role.Name},
	})
	return nil
}

// ListRoles returns the administrator-curated role catalog in stable order.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.AllRoles(ctx)
}

// Permissions aggregates the identity's grants across all assigned roles,
// deduplicated by (resource, action) key.
func (s *Service) Permissions(ctx context.Context, identityID string) ([]Permission, error) {
	roles, err := s.store.RolesOf(ctx, identityID)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve roles: %v", ErrDependencyUnavailable, err)
	}
	seen := make(map[string]struct{})
	var out []Permission
	for _, role := range roles {
		perms, err := s.store.PermissionsOf(ctx, role.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("%w: role %q has no catalog entry", ErrCatalogInconsistency, role.Name)
			}
			return nil, fmt.Errorf("%w: load permissions: %v", ErrDependencyUnavailable, err)
		}
		for _, p := range perms {
			if _, ok := seen[p.Key()]; ok {
				continue
			}
			seen[p.Key()] = struct{}{}
			out = append(out, p)
		}
	}
	return out, nil
}

func validUsername(username string) bool {
	if len(username) < minUsernameLength || len(username) > maxUsernameLength {
		return false
	}
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

func validEmail(email string) bool {
	if len(email) > maxEmailLength {
		return false
	}
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 {
		return false
	}
	return strings.Contains(email[at+1:], ".")
}
