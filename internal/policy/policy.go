// Package policy holds the two membership consistency rules: every new
// account gets the default role, and deleting a role strips it from every
// holder and re-grants a role to anyone left with none.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/k1networth/rolekeeper/internal/membership"
)

// Gateway is the subset of membership.Gateway the policies write through.
type Gateway interface {
	FindRoleByName(ctx context.Context, name string) (membership.Role, error)
	CreateRole(ctx context.Context, role membership.Role) (membership.Role, error)
	AssignRole(ctx context.Context, accountID, roleID membership.ID) error
	RemoveRole(ctx context.Context, accountID, roleID membership.ID) error
	FindAccountsByRoleID(ctx context.Context, roleID membership.ID) ([]membership.Account, error)
	RolesForAccount(ctx context.Context, accountID membership.ID) ([]membership.Role, error)

	FindRoleByID(ctx context.Context, id membership.ID) (membership.Role, error)
	FindDeletedRole(ctx context.Context, id membership.ID) (membership.Role, error)
}

type Config struct {
	DefaultRoleName        string
	DefaultRoleDescription string

	// FallbackRoleName is granted instead of the default role when the role
	// being cascaded is the default role itself. Empty disables the fallback.
	FallbackRoleName        string
	FallbackRoleDescription string
}

var ErrNoDefaultRole = errors.New("default role name is empty")

func (c Config) validate() error {
	if strings.TrimSpace(c.DefaultRoleName) == "" {
		return ErrNoDefaultRole
	}
	return nil
}

// Error is a failed gateway call made while applying a policy. It wraps the
// gateway error unchanged.
type Error struct {
	Op        string
	AccountID membership.ID
	RoleID    membership.ID
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("policy ")
	b.WriteString(e.Op)
	if !e.AccountID.IsZero() {
		fmt.Fprintf(&b, " account=%s", e.AccountID)
	}
	if !e.RoleID.IsZero() {
		fmt.Fprintf(&b, " role=%s", e.RoleID)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

type grant struct {
	name        string
	description string
}

// ensureRole makes acct hold the role named g.name, creating the role first
// when it does not exist, and mirrors the result in acct's local role set.
func ensureRole(ctx context.Context, gw Gateway, log *slog.Logger, acct *membership.Account, g grant) (membership.Role, error) {
	role, err := gw.FindRoleByName(ctx, g.name)
	switch {
	case errors.Is(err, membership.ErrNotFound):
		log.Warn("role_missing_creating", slog.String("role", g.name))
		role, err = gw.CreateRole(ctx, membership.Role{
			Name:        g.name,
			Description: g.description,
			Active:      true,
		})
		if err != nil {
			return membership.Role{}, &Error{Op: "create_role", AccountID: acct.ID, Err: err}
		}
		log.Info("role_created", slog.String("role", role.Name), slog.String("role_id", role.ID.String()))
	case err != nil:
		return membership.Role{}, &Error{Op: "find_role", AccountID: acct.ID, Err: err}
	}

	if err := gw.AssignRole(ctx, acct.ID, role.ID); err != nil {
		return membership.Role{}, &Error{Op: "assign_role", AccountID: acct.ID, RoleID: role.ID, Err: err}
	}
	acct.AddRole(role)
	return role, nil
}
