package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"shelterdesk.org/internal/ids"
)

const pgErrUniqueViolation = "23505"

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

// OpenPG opens a pooled connection with tuned defaults.
func OpenPG(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PGStore{db: db}, nil
}

// NewPGStore wraps an existing connection pool.
func NewPGStore(db *sql.DB) *PGStore { return &PGStore{db: db} }

func (s *PGStore) Close() error { return s.db.Close() }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// Identity store -----------------------------------------------------------

func (s *PGStore) CreateIdentity(ctx context.Context, id *Identity) error {
	if id.ID == "" {
		id.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into identities(id, username, email, full_name, active, created_at, updated_at)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		id.ID, id.Username, id.Email, id.FullName, id.Active, id.CreatedAt, id.UpdatedAt,
	)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: username %q", ErrConflict, id.Username)
		}
		return err
	}
	return nil
}

func (s *PGStore) DeleteIdentity(ctx context.Context, identityID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `delete from credentials where identity_id=$1`, identityID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from identity_roles where identity_id=$1`, identityID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `delete from identities where id=$1`, identityID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *PGStore) FindIdentity(ctx context.Context, identityID string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, username, email, full_name, active, created_at, updated_at, last_login_at
		 from identities where id=$1`, identityID)
	return scanIdentity(row)
}

func (s *PGStore) FindIdentityByUsername(ctx context.Context, username string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, username, email, full_name, active, created_at, updated_at, last_login_at
		 from identities where username=$1`, username)
	return scanIdentity(row)
}

func scanIdentity(row *sql.Row) (*Identity, error) {
	var (
		id        Identity
		lastLogin sql.NullTime
	)
	if err := row.Scan(&id.ID, &id.Username, &id.Email, &id.FullName, &id.Active,
		&id.CreatedAt, &id.UpdatedAt, &lastLogin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if lastLogin.Valid {
		id.LastLoginAt = &lastLogin.Time
	}
	return &id, nil
}

func (s *PGStore) SetIdentityActive(ctx context.Context, identityID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`update identities set active=$2, updated_at=now() where id=$1`, identityID, active)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) TouchLastLogin(ctx context.Context, identityID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update identities set last_login_at=$2 where id=$1`, identityID, at)
	return err
}

// Credential store ---------------------------------------------------------

func (s *PGStore) PutCredential(ctx context.Context, rec *CredentialRecord) error {
	_, err := s.db.ExecContext(ctx,
		`insert into credentials(identity_id, digest, salt, algorithm, iterations, key_length, created_at)
		 values($1,$2,$3,$4,$5,$6,$7)
		 on conflict (identity_id) do update
		 set digest=excluded.digest, salt=excluded.salt, algorithm=excluded.algorithm,
		     iterations=excluded.iterations, key_length=excluded.key_length, created_at=excluded.created_at`,
		rec.IdentityID, rec.Digest, rec.Salt,
		rec.Params.Algorithm, rec.Params.Iterations, rec.Params.KeyLength, rec.CreatedAt,
	)
	return err
}

func (s *PGStore) FindCredential(ctx context.Context, identityID string) (*CredentialRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`select identity_id, digest, salt, algorithm, iterations, key_length, created_at
		 from credentials where identity_id=$1`, identityID)
	var rec CredentialRecord
	if err := row.Scan(&rec.IdentityID, &rec.Digest, &rec.Salt,
		&rec.Params.Algorithm, &rec.Params.Iterations, &rec.Params.KeyLength, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Role store ---------------------------------------------------------------

func (s *PGStore) CreateRole(ctx context.Context, role *Role) error {
	if role.ID == "" {
		role.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into roles(id, name, description) values($1,$2,$3)`,
		role.ID, role.Name, role.Description,
	)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: role %q", ErrConflict, role.Name)
		}
		return err
	}
	return nil
}

func (s *PGStore) FindRoleByName(ctx context.Context, name string) (*Role, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, name, description, created_at from roles where name=$1`, name)
	var role Role
	if err := row.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &role, nil
}

func (s *PGStore) RolesOf(ctx context.Context, identityID string) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`select r.id, r.name, r.description, r.created_at
		 from roles r join identity_roles ir on ir.role_id=r.id
		 where ir.identity_id=$1 order by r.name`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *PGStore) Assign(ctx context.Context, a RoleAssignment) error {
	_, err := s.db.ExecContext(ctx,
		`insert into identity_roles(identity_id, role_id, granted_by, created_at)
		 values($1,$2,$3,$4) on conflict (identity_id, role_id) do nothing`,
		a.IdentityID, a.RoleID, a.GrantedBy, a.CreatedAt,
	)
	return err
}

func (s *PGStore) Revoke(ctx context.Context, identityID, roleID string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from identity_roles where identity_id=$1 and role_id=$2`, identityID, roleID)
	return err
}

// Permission store ---------------------------------------------------------

func (s *PGStore) EnsurePermissions(ctx context.Context, perms []Permission) error {
	for _, p := range perms {
		if p.ID == "" {
			p.ID = ids.New()
		}
		_, err := s.db.ExecContext(ctx,
			`insert into permissions(id, name, resource, action, description)
			 values($1,$2,$3,$4,$5) on conflict (resource, action) do nothing`,
			p.ID, p.Name, p.Resource, p.Action, p.Description,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *PGStore) AllRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, name, description, created_at from roles order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *PGStore) PermissionsOf(ctx context.Context, roleID string) ([]Permission, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`select exists(select 1 from roles where id=$1)`, roleID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: role %q", ErrNotFound, roleID)
	}

	rows, err := s.db.QueryContext(ctx,
		`select p.id, p.name, p.resource, p.action, p.description
		 from permissions p join role_permissions rp on rp.permission_id=p.id
		 where rp.role_id=$1`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Resource, &p.Action, &p.Description); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (s *PGStore) SetRolePermissions(ctx context.Context, roleID string, keys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id=$1`, roleID); err != nil {
		return err
	}
	for _, key := range keys {
		res, err := tx.ExecContext(ctx,
			`insert into role_permissions(role_id, permission_id)
			 select $1, id from permissions where resource || ':' || action = $2`, roleID, key,
		)
		if err != nil {
			return err
		}
		// The insert-select matches zero rows for a key absent from the
		// permissions table; that must fail, not commit a partial set.
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: permission %q", ErrNotFound, key)
		}
	}
	return tx.Commit()
}
