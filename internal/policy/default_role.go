package policy

import (
	"context"
	"log/slog"

	"github.com/k1networth/rolekeeper/internal/membership"
)

type DefaultRole struct {
	gw  Gateway
	cfg Config
	log *slog.Logger
}

func NewDefaultRole(gw Gateway, cfg Config, log *slog.Logger) (*DefaultRole, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &DefaultRole{gw: gw, cfg: cfg, log: log}, nil
}

// EnsureDefaultRole grants the configured default role to acct. Running it
// again for the same account leaves a single membership.
func (p *DefaultRole) EnsureDefaultRole(ctx context.Context, acct *membership.Account) error {
	role, err := ensureRole(ctx, p.gw, p.log, acct, grant{
		name:        p.cfg.DefaultRoleName,
		description: p.cfg.DefaultRoleDescription,
	})
	if err != nil {
		return err
	}
	p.log.Info("default_role_assigned",
		slog.String("account_id", acct.ID.String()),
		slog.String("username", acct.Username),
		slog.String("role_id", role.ID.String()),
	)
	return nil
}
