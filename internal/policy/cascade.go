package policy

import (
	"context"
	"errors"
	"log/slog"

	"github.com/k1networth/rolekeeper/internal/membership"
)

type Cascade struct {
	gw       Gateway
	cfg      Config
	defaults *DefaultRole
	log      *slog.Logger
}

func NewCascade(gw Gateway, defaults *DefaultRole, cfg Config, log *slog.Logger) (*Cascade, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Cascade{gw: gw, cfg: cfg, defaults: defaults, log: log}, nil
}

// CascadeRoleDeletion removes deleted from every account holding it and
// re-grants a role to accounts left with none. Accounts are processed
// independently; failures are joined and returned after the rest are done,
// so a redelivery only has the failed accounts left to fix.
func (p *Cascade) CascadeRoleDeletion(ctx context.Context, deleted membership.Role) error {
	affected, err := p.gw.FindAccountsByRoleID(ctx, deleted.ID)
	if err != nil {
		return &Error{Op: "find_accounts", RoleID: deleted.ID, Err: err}
	}

	log := p.log.With(slog.String("role_id", deleted.ID.String()), slog.String("role", deleted.Name))
	log.Info("cascade_start", slog.Int("affected", len(affected)))
	if len(affected) == 0 {
		return nil
	}

	regrant, err := p.regrantFor(ctx, deleted)
	if err != nil {
		return err
	}

	var errs []error
	fixed := 0
	for i := range affected {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := p.cleanAccount(ctx, log, &affected[i], deleted, regrant); err != nil {
			log.Error("cascade_account_failed",
				slog.String("account_id", affected[i].ID.String()),
				slog.String("err", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		fixed++
	}

	if len(errs) > 0 {
		log.Error("cascade_incomplete", slog.Int("fixed", fixed), slog.Int("failed", len(affected)-fixed))
		return errors.Join(errs...)
	}
	log.Info("cascade_done", slog.Int("fixed", fixed))
	return nil
}

// regrantFor decides which role accounts left without roles receive. When
// the deleted role is the default role, re-creating it would undo the
// deletion, so the fallback role is used instead. A nil grant means the
// account is left without roles.
func (p *Cascade) regrantFor(ctx context.Context, deleted membership.Role) (*grant, error) {
	def := &grant{name: p.cfg.DefaultRoleName, description: p.cfg.DefaultRoleDescription}

	name := deleted.Name
	if name == "" {
		var err error
		if name, err = p.deletedRoleName(ctx, deleted.ID); err != nil {
			return nil, err
		}
	}
	if name != p.cfg.DefaultRoleName {
		return def, nil
	}

	fb := p.cfg.FallbackRoleName
	if fb == "" || fb == p.cfg.DefaultRoleName {
		p.log.Warn("default_role_deleted_no_fallback",
			slog.String("role_id", deleted.ID.String()),
			slog.String("default_role", p.cfg.DefaultRoleName),
		)
		return nil, nil
	}
	p.log.Warn("default_role_deleted_using_fallback",
		slog.String("role_id", deleted.ID.String()),
		slog.String("fallback_role", fb),
	)
	return &grant{name: fb, description: p.cfg.FallbackRoleDescription}, nil
}

// deletedRoleName looks the name up by id: the live row if the event beat the
// deletion, otherwise the tombstone. An unknown name is returned empty and
// never matches the default role.
func (p *Cascade) deletedRoleName(ctx context.Context, id membership.ID) (string, error) {
	role, err := p.gw.FindRoleByID(ctx, id)
	if err == nil {
		return role.Name, nil
	}
	if !errors.Is(err, membership.ErrNotFound) {
		return "", &Error{Op: "find_role", RoleID: id, Err: err}
	}

	role, err = p.gw.FindDeletedRole(ctx, id)
	switch {
	case err == nil:
		return role.Name, nil
	case errors.Is(err, membership.ErrNotFound):
		p.log.Warn("deleted_role_name_unknown", slog.String("role_id", id.String()))
		return "", nil
	default:
		return "", &Error{Op: "find_deleted_role", RoleID: id, Err: err}
	}
}

// cleanAccount removes the edge in storage and then decides the re-grant from
// the stored role set read back afterwards. The copy from the holder lookup may
// already be stale when another cascade runs for a different role of the same
// account.
func (p *Cascade) cleanAccount(ctx context.Context, log *slog.Logger, acct *membership.Account, deleted membership.Role, regrant *grant) error {
	if err := p.gw.RemoveRole(ctx, acct.ID, deleted.ID); err != nil {
		return &Error{Op: "remove_role", AccountID: acct.ID, RoleID: deleted.ID, Err: err}
	}

	stored, err := p.gw.RolesForAccount(ctx, acct.ID)
	if errors.Is(err, membership.ErrNotFound) {
		log.Info("cascade_account_gone", slog.String("account_id", acct.ID.String()))
		return nil
	}
	if err != nil {
		return &Error{Op: "read_roles", AccountID: acct.ID, Err: err}
	}
	acct.Roles = withoutRole(stored, deleted.ID)

	log.Info("cascade_account_updated",
		slog.String("account_id", acct.ID.String()),
		slog.Int("remaining_roles", len(acct.Roles)),
	)

	if len(acct.Roles) > 0 {
		return nil
	}
	if regrant == nil {
		log.Warn("account_left_without_roles", slog.String("account_id", acct.ID.String()))
		return nil
	}
	if regrant.name == p.cfg.DefaultRoleName && p.defaults != nil {
		return p.defaults.EnsureDefaultRole(ctx, acct)
	}
	_, err = ensureRole(ctx, p.gw, p.log, acct, *regrant)
	return err
}

func withoutRole(roles []membership.Role, id membership.ID) []membership.Role {
	out := make([]membership.Role, 0, len(roles))
	for _, r := range roles {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}
