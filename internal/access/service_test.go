package access

import (
	"context"
	"errors"
	"testing"

	"shelterdesk.org/internal/audit"
)

const alicePassword = "hunter2hunter2"

func seedService(t *testing.T, opts ...ServiceOption) (*Service, *MemoryStore, *fakeHook) {
	t.Helper()
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.EnsurePermissions(ctx, []Permission{
		{Name: "read animals", Resource: "animals", Action: "read"},
		{Name: "create animals", Resource: "animals", Action: "create"},
		{Name: "update animals", Resource: "animals", Action: "update"},
		{Name: "delete animals", Resource: "animals", Action: "delete"},
	}); err != nil {
		t.Fatalf("EnsurePermissions: %v", err)
	}

	seedRole := func(name string, keys ...string) {
		role := &Role{Name: name}
		if err := store.CreateRole(ctx, role); err != nil {
			t.Fatalf("CreateRole(%s): %v", name, err)
		}
		if err := store.SetRolePermissions(ctx, role.ID, keys); err != nil {
			t.Fatalf("SetRolePermissions(%s): %v", name, err)
		}
	}
	seedRole("viewer", "animals:read")
	seedRole("staff", "animals:create", "animals:update")
	seedRole("admin", "animals:read", "animals:create", "animals:update", "animals:delete")

	hook := &fakeHook{}
	opts = append([]ServiceOption{WithHasher(fastHasher()), WithAuditHook(hook)}, opts...)
	svc, err := NewService(store, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store, hook
}

func registerAlice(t *testing.T, svc *Service, role string) *Identity {
	t.Helper()
	identity, err := svc.Register(context.Background(), RegisterParams{
		Username: "alice",
		Password: alicePassword,
		Email:    "alice@example.com",
		FullName: "Alice Carter",
		Role:     role,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return identity
}

func TestRegisterAndAuthenticate(t *testing.T) {
	svc, _, hook := seedService(t)
	registerAlice(t, svc, "viewer")

	sess, err := svc.Authenticate(context.Background(), "alice", alicePassword)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if sess.Username != "alice" || sess.IdentityID == "" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if !sess.Active() {
		t.Fatal("fresh session not active")
	}
	if hook.kindCount(audit.KindAuthSuccess) != 1 {
		t.Fatal("successful authentication was not audited")
	}
}

func TestAuthenticateTouchesLastLogin(t *testing.T) {
	svc, store, _ := seedService(t)
	identity := registerAlice(t, svc, "viewer")

	if _, err := svc.Authenticate(context.Background(), "alice", alicePassword); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	got, err := store.FindIdentity(context.Background(), identity.ID)
	if err != nil {
		t.Fatalf("FindIdentity: %v", err)
	}
	if got.LastLoginAt == nil {
		t.Fatal("last login timestamp not recorded")
	}
}

func TestAuthenticateFailuresAreUniform(t *testing.T) {
	svc, _, hook := seedService(t)
	registerAlice(t, svc, "viewer")
	ctx := context.Background()

	// A second account carries the inactive case so alice stays active
	// for the wrong-password case.
	bob, err := svc.Register(ctx, RegisterParams{
		Username: "bob",
		Password: alicePassword,
		Role:     "viewer",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := svc.SetActive(ctx, bob.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	cases := []struct {
		name, username, password, reason string
	}{
		{"wrong password", "alice", "not-the-password", "password mismatch"},
		{"unknown username", "mallory", alicePassword, "unknown username"},
		{"inactive account, correct password", "bob", alicePassword, "inactive account"},
	}
	var messages []string
	for _, tc := range cases {
		_, err := svc.Authenticate(ctx, tc.username, tc.password)
		if !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("%s: expected ErrAuthenticationFailed, got %v", tc.name, err)
		}
		messages = append(messages, err.Error())
	}
	// No distinguishing detail may leak through the error text.
	if messages[0] != messages[1] || messages[1] != messages[2] {
		t.Fatalf("failure messages differ: %q", messages)
	}
	// Each case must reach its own failure branch; only the audit sink
	// records which one fired.
	reasons := hook.details(audit.KindAuthFailure, "reason")
	if len(reasons) != len(cases) {
		t.Fatalf("expected %d audited failures, got %v", len(cases), reasons)
	}
	for i, tc := range cases {
		if reasons[i] != tc.reason {
			t.Fatalf("%s: audited reason %q, want %q", tc.name, reasons[i], tc.reason)
		}
	}
}

func TestViewerScenario(t *testing.T) {
	svc, _, hook := seedService(t)
	registerAlice(t, svc, "viewer")
	ctx := context.Background()

	sess, err := svc.Authenticate(ctx, "alice", alicePassword)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	ctx = ContextWithSession(ctx, sess)

	if _, err := svc.Require(ctx, "animals", "read"); err != nil {
		t.Fatalf("viewer denied read: %v", err)
	}
	if _, err := svc.Require(ctx, "animals", "delete"); !errors.Is(err, ErrAuthorizationDenied) {
		t.Fatalf("expected ErrAuthorizationDenied, got %v", err)
	}
	if n := hook.kindCount(audit.KindAuthzDenied); n != 1 {
		t.Fatalf("expected exactly one denial event, got %d", n)
	}
}

func TestRequireChecksAuthenticationFirst(t *testing.T) {
	svc, _, _ := seedService(t)
	registerAlice(t, svc, "viewer")

	// No session bound: even a pair the identity could never hold must
	// surface the authentication failure, not a denial.
	if _, err := svc.Require(context.Background(), "animals", "delete"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestAssignRoleIsIdempotent(t *testing.T) {
	svc, store, _ := seedService(t)
	identity := registerAlice(t, svc, "viewer")
	ctx := context.Background()

	if err := svc.AssignRole(ctx, identity.ID, "viewer", "admin-1"); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	roles, err := store.RolesOf(ctx, identity.ID)
	if err != nil {
		t.Fatalf("RolesOf: %v", err)
	}
	if len(roles) != 1 {
		t.Fatalf("duplicate assignment created: %d roles", len(roles))
	}
	perms, err := svc.Permissions(ctx, identity.ID)
	if err != nil {
		t.Fatalf("Permissions: %v", err)
	}
	if len(perms) != 1 || perms[0].Key() != "animals:read" {
		t.Fatalf("permission set changed by repeated assignment: %+v", perms)
	}
}

func TestRevokeRoleTakesEffectImmediately(t *testing.T) {
	svc, _, _ := seedService(t)
	identity := registerAlice(t, svc, "viewer")
	ctx := context.Background()

	if err := svc.AssignRole(ctx, identity.ID, "staff", "admin-1"); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	if d, _ := svc.Authorize(ctx, identity.ID, "animals", "create"); d != Allowed {
		t.Fatal("staff grant not visible")
	}
	if err := svc.RevokeRole(ctx, identity.ID, "staff"); err != nil {
		t.Fatalf("RevokeRole: %v", err)
	}
	if d, _ := svc.Authorize(ctx, identity.ID, "animals", "create"); d != Denied {
		t.Fatal("revoked grant still allowed on the next call")
	}
}

func TestChangePassword(t *testing.T) {
	svc, store, hook := seedService(t)
	identity := registerAlice(t, svc, "viewer")
	ctx := context.Background()

	before, err := store.FindCredential(ctx, identity.ID)
	if err != nil {
		t.Fatalf("FindCredential: %v", err)
	}

	if err := svc.ChangePassword(ctx, identity.ID, "wrong-old", "newpassword9"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("wrong old password: expected ErrAuthenticationFailed, got %v", err)
	}
	if err := svc.ChangePassword(ctx, identity.ID, alicePassword, "newpassword9"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	after, err := store.FindCredential(ctx, identity.ID)
	if err != nil {
		t.Fatalf("FindCredential: %v", err)
	}
	if string(after.Salt) == string(before.Salt) {
		t.Fatal("salt was reused across password change")
	}
	if _, err := svc.Authenticate(ctx, "alice", alicePassword); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatal("old password still authenticates")
	}
	if _, err := svc.Authenticate(ctx, "alice", "newpassword9"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
	if hook.kindCount(audit.KindPasswordChanged) != 1 {
		t.Fatal("password change was not audited")
	}
}

func TestActivateDeactivateLifecycle(t *testing.T) {
	svc, _, hook := seedService(t)
	identity := registerAlice(t, svc, "viewer")
	ctx := context.Background()

	if err := svc.SetActive(ctx, identity.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := svc.Authenticate(ctx, "alice", alicePassword); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatal("deactivated account authenticated")
	}
	if err := svc.SetActive(ctx, identity.ID, true); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := svc.Authenticate(ctx, "alice", alicePassword); err != nil {
		t.Fatalf("reactivated account rejected: %v", err)
	}
	if hook.kindCount(audit.KindAccountDeactivated) != 1 || hook.kindCount(audit.KindAccountActivated) != 1 {
		t.Fatal("status changes were not audited")
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, _, _ := seedService(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		params RegisterParams
		want   error
	}{
		{"short username", RegisterParams{Username: "ab", Password: alicePassword, Role: "viewer"}, ErrInvalidInput},
		{"bad characters", RegisterParams{Username: "bob smith", Password: alicePassword, Role: "viewer"}, ErrInvalidInput},
		{"bad email", RegisterParams{Username: "bob", Password: alicePassword, Email: "not-an-email", Role: "viewer"}, ErrInvalidInput},
		{"unknown role", RegisterParams{Username: "bob", Password: alicePassword, Role: "superuser"}, ErrInvalidInput},
		{"short password", RegisterParams{Username: "bob", Password: "short", Role: "viewer"}, ErrInvalidCredentialFormat},
	}
	for _, tc := range cases {
		if _, err := svc.Register(ctx, tc.params); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	registerAlice(t, svc, "viewer")
	_, err := svc.Register(ctx, RegisterParams{Username: "alice", Password: alicePassword, Role: "viewer"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate username: expected ErrConflict, got %v", err)
	}
}

// credentialFailStore simulates a store whose credential writes fail while
// identity writes succeed.
type credentialFailStore struct {
	*MemoryStore
	fail bool
}

func (s *credentialFailStore) PutCredential(ctx context.Context, rec *CredentialRecord) error {
	if s.fail {
		return errors.New("credential store unavailable")
	}
	return s.MemoryStore.PutCredential(ctx, rec)
}

func TestRegisterRollsBackOnCredentialFailure(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	if err := mem.EnsurePermissions(ctx, []Permission{
		{Name: "read animals", Resource: "animals", Action: "read"},
	}); err != nil {
		t.Fatalf("EnsurePermissions: %v", err)
	}
	role := &Role{Name: "viewer"}
	if err := mem.CreateRole(ctx, role); err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := mem.SetRolePermissions(ctx, role.ID, []string{"animals:read"}); err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}

	store := &credentialFailStore{MemoryStore: mem, fail: true}
	svc, err := NewService(store, WithHasher(fastHasher()))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	params := RegisterParams{Username: "alice", Password: alicePassword, Role: "viewer"}
	if _, err := svc.Register(ctx, params); !errors.Is(err, ErrDependencyUnavailable) {
		t.Fatalf("expected ErrDependencyUnavailable, got %v", err)
	}
	// The identity row must not outlive the failed registration.
	if _, err := mem.FindIdentityByUsername(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("half-registered identity left behind: %v", err)
	}

	// The username is free to retry once the dependency recovers.
	store.fail = false
	if _, err := svc.Register(ctx, params); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	if _, err := svc.Authenticate(ctx, "alice", alicePassword); err != nil {
		t.Fatalf("Authenticate after retry: %v", err)
	}
}

func TestLoginRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(1, 2)
	svc, _, _ := seedService(t, WithLoginLimiter(limiter))
	registerAlice(t, svc, "viewer")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.Authenticate(ctx, "alice", "wrong-password"); !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("attempt %d: expected ErrAuthenticationFailed, got %v", i, err)
		}
	}
	if _, err := svc.Authenticate(ctx, "alice", alicePassword); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited after burst, got %v", err)
	}
	// Other usernames keep their own bucket.
	if _, err := svc.Authenticate(ctx, "mallory", "whatever99"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("unrelated username throttled: %v", err)
	}
}

func TestListRolesStableOrder(t *testing.T) {
	svc, _, _ := seedService(t)
	roles, err := svc.ListRoles(context.Background())
	if err != nil {
		t.Fatalf("ListRoles: %v", err)
	}
	want := []string{"admin", "staff", "viewer"}
	if len(roles) != len(want) {
		t.Fatalf("expected %d roles, got %d", len(want), len(roles))
	}
	for i, name := range want {
		if roles[i].Name != name {
			t.Fatalf("roles out of order: %+v", roles)
		}
	}
}

func TestPermissionsAggregatesAcrossRoles(t *testing.T) {
	svc, _, _ := seedService(t)
	identity := registerAlice(t, svc, "viewer")
	ctx := context.Background()

	if err := svc.AssignRole(ctx, identity.ID, "admin", "admin-1"); err != nil {
		t.Fatalf("AssignRole: %v", err)
	}
	perms, err := svc.Permissions(ctx, identity.ID)
	if err != nil {
		t.Fatalf("Permissions: %v", err)
	}
	// viewer's animals:read overlaps admin's; the union must deduplicate.
	if len(perms) != 4 {
		t.Fatalf("expected 4 distinct grants, got %d: %+v", len(perms), perms)
	}
}
