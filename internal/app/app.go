// Package app wires configuration into the components each command runs.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/k1networth/rolekeeper/internal/dispatch"
	"github.com/k1networth/rolekeeper/internal/inbox"
	"github.com/k1networth/rolekeeper/internal/membership"
	"github.com/k1networth/rolekeeper/internal/notify"
	"github.com/k1networth/rolekeeper/internal/outbox"
	"github.com/k1networth/rolekeeper/internal/policy"
	"github.com/k1networth/rolekeeper/internal/shared/config"
	"github.com/k1networth/rolekeeper/internal/shared/db"
	"github.com/k1networth/rolekeeper/internal/shared/kafkax"
)

// OpenDatabase opens the pool and applies migrations when asked to.
func OpenDatabase(ctx context.Context, cfg config.Config, log *slog.Logger) (*sql.DB, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	pg, err := db.OpenPostgres(ctx, db.PostgresConfig{
		DatabaseURL:  cfg.DatabaseURL,
		MaxOpenConns: cfg.DBMaxOpenConns,
	})
	if err != nil {
		return nil, err
	}
	if cfg.MigrateOnStart {
		if err := db.Migrate(ctx, pg); err != nil {
			_ = pg.Close()
			return nil, err
		}
		log.Info("db_migrated")
	}
	return pg, nil
}

func PolicyConfig(cfg config.Config) policy.Config {
	return policy.Config{
		DefaultRoleName:         cfg.DefaultRoleName,
		DefaultRoleDescription:  cfg.DefaultRoleDescription,
		FallbackRoleName:        cfg.FallbackRoleName,
		FallbackRoleDescription: cfg.FallbackRoleDescription,
	}
}

// NewDispatcher builds both policies over gw and routes events to them.
func NewDispatcher(gw membership.Gateway, cfg config.Config, log *slog.Logger) (*dispatch.Dispatcher, error) {
	pcfg := PolicyConfig(cfg)
	defaults, err := policy.NewDefaultRole(gw, pcfg, log)
	if err != nil {
		return nil, err
	}
	cascade, err := policy.NewCascade(gw, defaults, pcfg, log)
	if err != nil {
		return nil, err
	}
	return dispatch.New(defaults, cascade, log), nil
}

// NewInbox picks the processed-events backend. The returned close func
// releases any client it opened.
func NewInbox(ctx context.Context, cfg config.Config, pg *sql.DB) (inbox.Store, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(cfg.InboxBackend) {
	case "", "postgres":
		return inbox.NewPostgresStore(pg), noop, nil
	case "redis":
		if cfg.RedisURL == "" {
			return nil, noop, fmt.Errorf("INBOX_BACKEND=redis needs REDIS_URL")
		}
		client, err := inbox.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, noop, err
		}
		return inbox.NewRedisStore(client, cfg.InboxTTL), client.Close, nil
	case "none":
		return inbox.Nop{}, noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown INBOX_BACKEND %q", cfg.InboxBackend)
	}
}

// NewProducer returns a producer for topic on the configured brokers.
func NewProducer(cfg config.Config, topic string) *kafkax.Producer {
	return kafkax.NewProducer(kafkax.ProducerConfig{
		Brokers:      cfg.KafkaBrokers,
		Topic:        topic,
		ClientID:     cfg.KafkaClientID,
		WriteTimeout: cfg.PublishTimeout,
	})
}

// NewNotifier returns the outbound notifier for NOTIFY_MODE. The close func
// releases the producer in direct mode.
func NewNotifier(cfg config.Config, pg *sql.DB, log *slog.Logger) (notify.Notifier, func() error, error) {
	switch strings.ToLower(cfg.NotifyMode) {
	case "", "direct":
		if err := cfg.RequireKafka(); err != nil {
			return nil, nil, err
		}
		p := NewProducer(cfg, cfg.KafkaTopic)
		return notify.NewKafkaNotifier(p, cfg.KafkaTopic, cfg.PublishTimeout, log), p.Close, nil
	case "outbox":
		return notify.NewOutboxNotifier(outbox.NewStore(pg), cfg.KafkaTopic, log), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown NOTIFY_MODE %q", cfg.NotifyMode)
	}
}
