package access

import (
	"context"
	"errors"
	"fmt"

	"shelterdesk.org/internal/audit"
	"shelterdesk.org/internal/obs"
)

// Decision is the outcome of an authorization check.
type Decision int

const (
	Denied Decision = iota
	Allowed
)

func (d Decision) String() string {
	if d == Allowed {
		return "allowed"
	}
	return "denied"
}

// Engine answers allow/deny for (resource, action) requests. An identity's
// authority is exactly the union of its roles' explicit grants: no
// wildcards, no hierarchy between resources or actions. The engine holds no
// per-session state and re-reads assignments and catalog on every call, so
// a revocation is visible to the very next decision.
type Engine struct {
	resolver RoleResolver
	catalog  Catalog
	hook     audit.Hook
}

// NewEngine wires the decision engine to its collaborators. A nil hook is
// replaced with a no-op sink.
func NewEngine(resolver RoleResolver, catalog Catalog, hook audit.Hook) *Engine {
	if hook == nil {
		hook = audit.Nop()
	}
	return &Engine{resolver: resolver, catalog: catalog, hook: hook}
}

// Authorize resolves the identity's roles, unions their permission sets and
// reports whether the union contains (resource, action). An empty role set
// is an ordinary Denied, not an error. A role missing from the catalog is
// surfaced as ErrCatalogInconsistency; store failures are wrapped as
// ErrDependencyUnavailable.
func (e *Engine) Authorize(ctx context.Context, identityID, resource, action string) (Decision, error) {
	roles, err := e.resolver.RolesOf(ctx, identityID)
	if err != nil {
		return Denied, fmt.Errorf("%w: resolve roles: %v", ErrDependencyUnavailable, err)
	}
	want := resource + ":" + action
	for _, role := range roles {
		perms, err := e.catalog.PermissionsOf(ctx, role.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return Denied, fmt.Errorf("%w: role %q has no catalog entry", ErrCatalogInconsistency, role.Name)
			}
			return Denied, fmt.Errorf("%w: load permissions for role %q: %v", ErrDependencyUnavailable, role.Name, err)
		}
		for _, p := range perms {
			if p.Key() == want {
				obs.ObserveDecision(true)
				return Allowed, nil
			}
		}
	}
	obs.ObserveDecision(false)
	return Denied, nil
}

// RequirePermission authorizes and, on denial, notifies the audit hook
// before surfacing ErrAuthorizationDenied. Allowed outcomes are not audited
// here; the protected action may record its own success.
func (e *Engine) RequirePermission(ctx context.Context, identityID, username, resource, action string) error {
	decision, err := e.Authorize(ctx, identityID, resource, action)
	if err != nil {
		return err
	}
	if decision == Allowed {
		return nil
	}
	e.hook.Record(ctx, audit.Event{
		Kind:    audit.KindAuthzDenied,
		Subject: username,
		Detail: map[string]string{
			"identity_id": identityID,
			"resource":    resource,
			"action":      action,
		},
	})
	return fmt.Errorf("%w: %q on %q", ErrAuthorizationDenied, action, resource)
}
