package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/k1networth/rolekeeper/internal/account"
	"github.com/k1networth/rolekeeper/internal/app"
	"github.com/k1networth/rolekeeper/internal/membership/postgres"
	"github.com/k1networth/rolekeeper/internal/shared/config"
	"github.com/k1networth/rolekeeper/internal/shared/httpx"
	"github.com/k1networth/rolekeeper/internal/shared/logger"
	"github.com/k1networth/rolekeeper/internal/shared/otelx"
)

const appName = "account-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_error", slog.String("err", err.Error()))
		os.Exit(2)
	}
	log := logger.New(appName, cfg.AppEnv, cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("service_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otelx.Setup(ctx, appName, cfg.AppEnv, cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	pg, err := app.OpenDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = pg.Close() }()

	notifier, closeNotifier, err := app.NewNotifier(cfg, pg, log)
	if err != nil {
		return err
	}
	defer func() { _ = closeNotifier() }()

	h := &account.Handler{
		Log:      log,
		Gateway:  postgres.New(pg, cfg.GatewayTimeout),
		Notifier: notifier,
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	router := httpx.NewRouter(httpx.RouterConfig{
		Log:      log,
		Registry: reg,
		Ready:    pg.PingContext,
	}, h.Mount)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info("service_start", slog.String("notify_mode", cfg.NotifyMode))
	return httpx.Serve(ctx, log, srv, 10*time.Second)
}
