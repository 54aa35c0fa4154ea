package access

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"shelterdesk.org/internal/ids"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store safe for concurrent use. Catalog
// mutations replace whole permission slices under the write lock, so a
// concurrent reader observes either the fully-old or fully-new set.
type MemoryStore struct {
	mu sync.RWMutex

	identities  map[string]*Identity        // by id
	byUsername  map[string]string           // username -> id
	credentials map[string]*CredentialRecord // by identity id
	roles       map[string]*Role            // by id
	roleByName  map[string]string           // name -> id
	assignments map[string]map[string]RoleAssignment // identity id -> role id
	rolePerms   map[string][]Permission     // role id -> grants, replaced wholesale
	permsByKey  map[string]Permission       // "resource:action" -> permission
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities:  make(map[string]*Identity),
		byUsername:  make(map[string]string),
		credentials: make(map[string]*CredentialRecord),
		roles:       make(map[string]*Role),
		roleByName:  make(map[string]string),
		assignments: make(map[string]map[string]RoleAssignment),
		rolePerms:   make(map[string][]Permission),
		permsByKey:  make(map[string]Permission),
	}
}

// Identity store -----------------------------------------------------------

func (s *MemoryStore) CreateIdentity(_ context.Context, id *Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byUsername[id.Username]; ok {
		return fmt.Errorf("%w: username %q", ErrConflict, id.Username)
	}
	if id.ID == "" {
		id.ID = ids.New()
	}
	cp := *id
	s.identities[cp.ID] = &cp
	s.byUsername[cp.Username] = cp.ID
	return nil
}

func (s *MemoryStore) DeleteIdentity(_ context.Context, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identities[identityID]
	if !ok {
		return ErrNotFound
	}
	delete(s.identities, identityID)
	delete(s.byUsername, id.Username)
	delete(s.credentials, identityID)
	delete(s.assignments, identityID)
	return nil
}

func (s *MemoryStore) FindIdentity(_ context.Context, identityID string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.identities[identityID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *id
	return &cp, nil
}

func (s *MemoryStore) FindIdentityByUsername(_ context.Context, username string) (*Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identityID, ok := s.byUsername[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.identities[identityID]
	return &cp, nil
}

func (s *MemoryStore) SetIdentityActive(_ context.Context, identityID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identities[identityID]
	if !ok {
		return ErrNotFound
	}
	id.Active = active
	id.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) TouchLastLogin(_ context.Context, identityID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identities[identityID]
	if !ok {
		return ErrNotFound
	}
	id.LastLoginAt = &at
	return nil
}

// Credential store ---------------------------------------------------------

func (s *MemoryStore) PutCredential(_ context.Context, rec *CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.Digest = append([]byte(nil), rec.Digest...)
	cp.Salt = append([]byte(nil), rec.Salt...)
	s.credentials[cp.IdentityID] = &cp
	return nil
}

func (s *MemoryStore) FindCredential(_ context.Context, identityID string) (*CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.credentials[identityID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	cp.Digest = append([]byte(nil), rec.Digest...)
	cp.Salt = append([]byte(nil), rec.Salt...)
	return &cp, nil
}

// Role store ---------------------------------------------------------------

func (s *MemoryStore) CreateRole(_ context.Context, role *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roleByName[role.Name]; ok {
		return fmt.Errorf("%w: role %q", ErrConflict, role.Name)
	}
	if role.ID == "" {
		role.ID = ids.New()
	}
	cp := *role
	s.roles[cp.ID] = &cp
	s.roleByName[cp.Name] = cp.ID
	s.rolePerms[cp.ID] = nil
	return nil
}

func (s *MemoryStore) FindRoleByName(_ context.Context, name string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roleID, ok := s.roleByName[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.roles[roleID]
	return &cp, nil
}

func (s *MemoryStore) RolesOf(_ context.Context, identityID string) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Role
	for roleID := range s.assignments[identityID] {
		if role, ok := s.roles[roleID]; ok {
			out = append(out, *role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) Assign(_ context.Context, a RoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[a.RoleID]; !ok {
		return fmt.Errorf("%w: role %q", ErrNotFound, a.RoleID)
	}
	byRole, ok := s.assignments[a.IdentityID]
	if !ok {
		byRole = make(map[string]RoleAssignment)
		s.assignments[a.IdentityID] = byRole
	}
	// Idempotent: a repeated (identity, role) pair keeps the original grant.
	if _, ok := byRole[a.RoleID]; ok {
		return nil
	}
	byRole[a.RoleID] = a
	return nil
}

func (s *MemoryStore) Revoke(_ context.Context, identityID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assignments[identityID], roleID)
	return nil
}

// Permission store ---------------------------------------------------------

func (s *MemoryStore) EnsurePermissions(_ context.Context, perms []Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		if p.Resource == "" || p.Action == "" {
			return fmt.Errorf("%w: permission needs resource and action", ErrInvalidInput)
		}
		if _, ok := s.permsByKey[p.Key()]; ok {
			continue
		}
		if p.ID == "" {
			p.ID = ids.New()
		}
		s.permsByKey[p.Key()] = p
	}
	return nil
}

func (s *MemoryStore) AllRoles(_ context.Context) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Role, 0, len(s.roles))
	for _, role := range s.roles {
		out = append(out, *role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) PermissionsOf(_ context.Context, roleID string) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perms, ok := s.rolePerms[roleID]
	if !ok {
		return nil, fmt.Errorf("%w: role %q", ErrNotFound, roleID)
	}
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out, nil
}

func (s *MemoryStore) SetRolePermissions(_ context.Context, roleID string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rolePerms[roleID]; !ok {
		return fmt.Errorf("%w: role %q", ErrNotFound, roleID)
	}
	next := make([]Permission, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		p, ok := s.permsByKey[key]
		if !ok {
			return fmt.Errorf("%w: permission %q", ErrNotFound, key)
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		next = append(next, p)
	}
	// Whole-slice swap: readers holding the previous slice keep a complete
	// snapshot, never a partial update.
	s.rolePerms[roleID] = next
	return nil
}
