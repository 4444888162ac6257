package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/k1networth/rolekeeper/internal/app"
	"github.com/k1networth/rolekeeper/internal/dispatch"
	"github.com/k1networth/rolekeeper/internal/membership/postgres"
	"github.com/k1networth/rolekeeper/internal/shared/config"
	"github.com/k1networth/rolekeeper/internal/shared/db"
	"github.com/k1networth/rolekeeper/internal/shared/events"
	"github.com/k1networth/rolekeeper/internal/shared/logger"
)

const appName = "rolectl"

// readInput reads the named file, or stdin for "" and "-".
func readInput(cmd *cobra.Command, args []string, idx int) ([]byte, error) {
	if len(args) <= idx || args[idx] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(args[idx])
}

type checkResult struct {
	EventID     string `json:"eventId"`
	EventType   string `json:"eventType"`
	Subject     string `json:"subject"`
	Payload     string `json:"payload"`
	Recognized  bool   `json:"recognized"`
	PayloadType string `json:"payloadType,omitempty"`
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check [file]",
		Short: "Parse an envelope and decode its payload without touching storage",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args, 0)
			if err != nil {
				return err
			}
			env, err := events.Parse(raw)
			if err != nil {
				return err
			}
			p, err := dispatch.Decode(env)
			if err != nil {
				return err
			}

			res := checkResult{EventID: env.ID, EventType: env.EventType, Subject: env.Subject, Payload: "ok"}
			switch v := p.(type) {
			case dispatch.AccountCreated:
				res.Recognized, res.PayloadType = true, "account"
				res.Payload = "account " + v.Account.ID.String()
			case dispatch.RoleDeleted:
				res.Recognized, res.PayloadType = true, "role"
				res.Payload = "role " + v.Role.ID.String()
			case dispatch.Unrecognized:
				res.Payload = fmt.Sprintf("%d bytes ignored", len(v.Raw))
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}

func dispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch [file]",
		Short: "Run one envelope through the policies against the configured database",
		Long: `Run one envelope through the policies against the configured database.

Use it to replay an event taken from the dead-letter topic. The policies are
idempotent, so replaying an event that was already applied changes nothing.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args, 0)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := logger.NewWithWriter(cmd.ErrOrStderr(), appName, cfg.AppEnv, cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pg, err := app.OpenDatabase(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = pg.Close() }()

			d, err := app.NewDispatcher(postgres.New(pg, cfg.GatewayTimeout), cfg, log)
			if err != nil {
				return err
			}
			if err := d.HandleMessage(ctx, raw); err != nil {
				var de *dispatch.Error
				if errors.As(err, &de) {
					return fmt.Errorf("%s failure: %w", de.Kind, de.Err)
				}
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return err
		},
	}
}

func publishCmd() *cobra.Command {
	var topic string
	cmd := &cobra.Command{
		Use:   "publish <eventType> <subject> [file]",
		Short: "Publish an event whose data is read from a file or stdin",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args, 2)
			if err != nil {
				return err
			}
			var data json.RawMessage
			if err := json.Unmarshal(raw, &data); err != nil {
				return fmt.Errorf("data is not valid json: %w", err)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.RequireKafka(); err != nil {
				return err
			}
			if topic == "" {
				topic = cfg.KafkaTopic
			}
			log := logger.NewWithWriter(cmd.ErrOrStderr(), appName, cfg.AppEnv, cfg.LogLevel)

			p := app.NewProducer(cfg, topic)
			defer func() { _ = p.Close() }()

			env, err := events.New(args[0], args[1], data)
			if err != nil {
				return err
			}
			env.Topic = topic
			value, err := json.Marshal(env)
			if err != nil {
				return err
			}
			if err := p.Produce(cmd.Context(), []byte(env.Subject), value, cfg.PublishTimeout); err != nil {
				return fmt.Errorf("publish %s: %w", env.EventType, err)
			}
			log.Info("event_published", "event_id", env.ID, "topic", topic)
			_, err = fmt.Fprintln(cmd.OutOrStdout(), env.ID)
			return err
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "topic to publish to (default KAFKA_TOPIC)")
	return cmd
}

func migrateCmd() *cobra.Command {
	var list bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if list {
				names, err := db.MigrationNames()
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cfg.MigrateOnStart = true
			log := logger.NewWithWriter(cmd.ErrOrStderr(), appName, cfg.AppEnv, cfg.LogLevel)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pg, err := app.OpenDatabase(ctx, cfg, log)
			if err != nil {
				return err
			}
			return pg.Close()
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "print migration names without applying them")
	return cmd
}
