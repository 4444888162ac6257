// Package postgres implements membership.Gateway over database/sql with the
// pgx driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/k1networth/rolekeeper/internal/membership"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type Gateway struct {
	db      *sql.DB
	timeout time.Duration
}

var _ membership.Gateway = (*Gateway)(nil)

// New wraps db. Every call is bounded by timeout when it is positive.
func New(db *sql.DB, timeout time.Duration) *Gateway {
	return &Gateway{db: db, timeout: timeout}
}

func (g *Gateway) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

func (g *Gateway) FindRoleByName(ctx context.Context, name string) (membership.Role, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	const q = `
SELECT id, name, description, active
FROM roles
WHERE name = $1;
`
	return scanRole(g.db.QueryRowContext(ctx, q, name))
}

// CreateRole inserts the role or returns the row already holding its name.
func (g *Gateway) CreateRole(ctx context.Context, role membership.Role) (membership.Role, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	if strings.TrimSpace(role.Name) == "" {
		return membership.Role{}, fmt.Errorf("role name is required")
	}
	if role.ID.IsZero() {
		role.ID = membership.ID(uuid.NewString())
	}

	const q = `
INSERT INTO roles (id, name, description, active)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
RETURNING id, name, description, active;
`
	out, err := scanRole(g.db.QueryRowContext(ctx, q, string(role.ID), role.Name, role.Description, role.Active))
	if err != nil {
		return membership.Role{}, fmt.Errorf("create role %q: %w", role.Name, err)
	}
	return out, nil
}

func (g *Gateway) AssignRole(ctx context.Context, accountID, roleID membership.ID) error {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	const q = `
INSERT INTO account_roles (account_id, role_id)
VALUES ($1, $2)
ON CONFLICT (account_id, role_id) DO NOTHING;
`
	if _, err := g.db.ExecContext(ctx, q, string(accountID), string(roleID)); err != nil {
		if isPgCode(err, pgForeignKeyViolation) {
			return fmt.Errorf("account %s: %w", accountID, membership.ErrNotFound)
		}
		return fmt.Errorf("assign role %s to %s: %w", roleID, accountID, err)
	}
	return nil
}

func (g *Gateway) RemoveRole(ctx context.Context, accountID, roleID membership.ID) error {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	const q = `
DELETE FROM account_roles
WHERE account_id = $1 AND role_id = $2;
`
	if _, err := g.db.ExecContext(ctx, q, string(accountID), string(roleID)); err != nil {
		return fmt.Errorf("remove role %s from %s: %w", roleID, accountID, err)
	}
	return nil
}

func (g *Gateway) FindAccountsByRoleID(ctx context.Context, roleID membership.ID) ([]membership.Account, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	const q = `
SELECT a.id, a.username, a.email, a.first_name, a.last_name, a.active
FROM accounts a
JOIN account_roles ar ON ar.account_id = a.id
WHERE ar.role_id = $1
ORDER BY a.id;
`
	accounts, err := g.queryAccounts(ctx, q, string(roleID))
	if err != nil {
		return nil, fmt.Errorf("find accounts by role %s: %w", roleID, err)
	}
	if err := g.loadRoles(ctx, accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (g *Gateway) FindAccountByID(ctx context.Context, id membership.ID) (membership.Account, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	const q = `
SELECT id, username, email, first_name, last_name, active
FROM accounts
WHERE id = $1;
`
	accounts, err := g.queryAccounts(ctx, q, string(id))
	if err != nil {
		return membership.Account{}, err
	}
	if len(accounts) == 0 {
		return membership.Account{}, membership.ErrNotFound
	}
	if err := g.loadRoles(ctx, accounts); err != nil {
		return membership.Account{}, err
	}
	return accounts[0], nil
}

func (g *Gateway) FindRoleByID(ctx context.Context, id membership.ID) (membership.Role, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	const q = `
SELECT id, name, description, active
FROM roles
WHERE id = $1;
`
	return scanRole(g.db.QueryRowContext(ctx, q, string(id)))
}

func (g *Gateway) ListRoles(ctx context.Context) ([]membership.Role, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	const q = `
SELECT id, name, description, active
FROM roles
ORDER BY name;
`
	rows, err := g.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []membership.Role
	for rows.Next() {
		var r membership.Role
		var id string
		if err := rows.Scan(&id, &r.Name, &r.Description, &r.Active); err != nil {
			return nil, err
		}
		r.ID = membership.ID(id)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (g *Gateway) ListAccounts(ctx context.Context) ([]membership.Account, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	const q = `
SELECT id, username, email, first_name, last_name, active
FROM accounts
ORDER BY id;
`
	accounts, err := g.queryAccounts(ctx, q)
	if err != nil {
		return nil, err
	}
	if err := g.loadRoles(ctx, accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (g *Gateway) RolesForAccount(ctx context.Context, accountID membership.ID) ([]membership.Role, error) {
	a, err := g.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return a.Roles, nil
}

func (g *Gateway) CreateAccount(ctx context.Context, a membership.Account) (membership.Account, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	if a.ID.IsZero() {
		a.ID = membership.ID(uuid.NewString())
	}

	const q = `
INSERT INTO accounts (id, username, email, first_name, last_name, active)
VALUES ($1, $2, $3, $4, $5, $6);
`
	_, err := g.db.ExecContext(ctx, q, string(a.ID), a.Username, a.Email, a.FirstName, a.LastName, a.Active)
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return membership.Account{}, fmt.Errorf("account %q: %w", a.Username, membership.ErrConflict)
		}
		return membership.Account{}, fmt.Errorf("create account: %w", err)
	}
	a.Roles = nil
	return a, nil
}

// DeleteRole removes the role row and records its tombstone in one
// transaction. Memberships are left for the role/deleted cascade.
func (g *Gateway) DeleteRole(ctx context.Context, id membership.ID) (membership.Role, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return membership.Role{}, fmt.Errorf("delete role %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	const del = `
DELETE FROM roles
WHERE id = $1
RETURNING id, name, description, active;
`
	role, err := scanRole(tx.QueryRowContext(ctx, del, string(id)))
	if err != nil {
		return membership.Role{}, err
	}

	const tomb = `
INSERT INTO role_tombstones (id, name, description)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name, description = EXCLUDED.description, deleted_at = now();
`
	if _, err := tx.ExecContext(ctx, tomb, string(role.ID), role.Name, role.Description); err != nil {
		return membership.Role{}, fmt.Errorf("record tombstone for role %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return membership.Role{}, fmt.Errorf("delete role %s: %w", id, err)
	}
	return role, nil
}

func (g *Gateway) FindDeletedRole(ctx context.Context, id membership.ID) (membership.Role, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	const q = `
SELECT id, name, description, FALSE
FROM role_tombstones
WHERE id = $1;
`
	return scanRole(g.db.QueryRowContext(ctx, q, string(id)))
}

// UpdateAccount rewrites the profile columns. Memberships are untouched.
func (g *Gateway) UpdateAccount(ctx context.Context, a membership.Account) (membership.Account, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	const q = `
UPDATE accounts
SET username = $2, email = $3, first_name = $4, last_name = $5, active = $6
WHERE id = $1
RETURNING id, username, email, first_name, last_name, active;
`
	accounts, err := g.queryAccounts(ctx, q, string(a.ID), a.Username, a.Email, a.FirstName, a.LastName, a.Active)
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return membership.Account{}, fmt.Errorf("account %q: %w", a.Username, membership.ErrConflict)
		}
		return membership.Account{}, fmt.Errorf("update account %s: %w", a.ID, err)
	}
	if len(accounts) == 0 {
		return membership.Account{}, membership.ErrNotFound
	}
	if err := g.loadRoles(ctx, accounts); err != nil {
		return membership.Account{}, err
	}
	return accounts[0], nil
}

// DeleteAccount removes the account; its memberships go with it through the
// foreign key.
func (g *Gateway) DeleteAccount(ctx context.Context, id membership.ID) error {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	res, err := g.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1;`, string(id))
	if err != nil {
		return fmt.Errorf("delete account %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete account %s: %w", id, err)
	}
	if n == 0 {
		return membership.ErrNotFound
	}
	return nil
}

func (g *Gateway) UpdateRole(ctx context.Context, role membership.Role) (membership.Role, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	const q = `
UPDATE roles
SET name = $2, description = $3, active = $4
WHERE id = $1
RETURNING id, name, description, active;
`
	out, err := scanRole(g.db.QueryRowContext(ctx, q, string(role.ID), role.Name, role.Description, role.Active))
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return membership.Role{}, fmt.Errorf("role %q: %w", role.Name, membership.ErrConflict)
		}
		return membership.Role{}, err
	}
	return out, nil
}

func (g *Gateway) queryAccounts(ctx context.Context, q string, args ...any) ([]membership.Account, error) {
	rows, err := g.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []membership.Account
	for rows.Next() {
		var a membership.Account
		var id string
		if err := rows.Scan(&id, &a.Username, &a.Email, &a.FirstName, &a.LastName, &a.Active); err != nil {
			return nil, err
		}
		a.ID = membership.ID(id)
		a.Roles = []membership.Role{}
		out = append(out, a)
	}
	return out, rows.Err()
}

// loadRoles fills role sets in one query. The LEFT JOIN keeps memberships
// whose role row is already gone so callers see the stored edge set.
func (g *Gateway) loadRoles(ctx context.Context, accounts []membership.Account) error {
	if len(accounts) == 0 {
		return nil
	}
	ids := make([]string, 0, len(accounts))
	index := make(map[membership.ID]int, len(accounts))
	for i, a := range accounts {
		ids = append(ids, string(a.ID))
		index[a.ID] = i
	}

	const q = `
SELECT ar.account_id, ar.role_id, COALESCE(r.name, ''), COALESCE(r.description, ''), COALESCE(r.active, FALSE)
FROM account_roles ar
LEFT JOIN roles r ON r.id = ar.role_id
WHERE ar.account_id = ANY($1)
ORDER BY ar.account_id, ar.role_id;
`
	rows, err := g.db.QueryContext(ctx, q, ids)
	if err != nil {
		return fmt.Errorf("load roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var accountID, roleID string
		var r membership.Role
		if err := rows.Scan(&accountID, &roleID, &r.Name, &r.Description, &r.Active); err != nil {
			return err
		}
		r.ID = membership.ID(roleID)
		if i, ok := index[membership.ID(accountID)]; ok {
			accounts[i].Roles = append(accounts[i].Roles, r)
		}
	}
	return rows.Err()
}

func scanRole(row *sql.Row) (membership.Role, error) {
	var r membership.Role
	var id string
	if err := row.Scan(&id, &r.Name, &r.Description, &r.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return membership.Role{}, membership.ErrNotFound
		}
		return membership.Role{}, err
	}
	r.ID = membership.ID(id)
	return r, nil
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
