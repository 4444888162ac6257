package membership

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Gateway is the persistence contract for accounts, roles and memberships.
//
// AssignRole and RemoveRole are idempotent: assigning a held role or removing
// an absent edge succeeds without change. CreateRole is find-or-create on the
// role name and must be atomic, so concurrent callers converge on one role.
//
// DeleteRole removes the role row only and keeps a tombstone that
// FindDeletedRole reads back. Memberships referencing the role stay until the
// role/deleted cascade removes them.
type Gateway interface {
	FindRoleByName(ctx context.Context, name string) (Role, error)
	CreateRole(ctx context.Context, role Role) (Role, error)
	AssignRole(ctx context.Context, accountID, roleID ID) error
	RemoveRole(ctx context.Context, accountID, roleID ID) error
	FindAccountsByRoleID(ctx context.Context, roleID ID) ([]Account, error)

	FindAccountByID(ctx context.Context, id ID) (Account, error)
	FindRoleByID(ctx context.Context, id ID) (Role, error)
	FindDeletedRole(ctx context.Context, id ID) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	RolesForAccount(ctx context.Context, accountID ID) ([]Role, error)

	CreateAccount(ctx context.Context, a Account) (Account, error)
	UpdateAccount(ctx context.Context, a Account) (Account, error)
	DeleteAccount(ctx context.Context, id ID) error
	UpdateRole(ctx context.Context, role Role) (Role, error)
	DeleteRole(ctx context.Context, id ID) (Role, error)
}
