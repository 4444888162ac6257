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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/k1networth/rolekeeper/internal/app"
	"github.com/k1networth/rolekeeper/internal/outbox"
	"github.com/k1networth/rolekeeper/internal/shared/config"
	"github.com/k1networth/rolekeeper/internal/shared/httpx"
	"github.com/k1networth/rolekeeper/internal/shared/logger"
)

const appName = "outbox-relay"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_error", slog.String("err", err.Error()))
		os.Exit(2)
	}
	log := logger.New(appName, cfg.AppEnv, cfg.LogLevel)

	if err := cfg.RequireKafka(); err != nil {
		log.Error("config_error", slog.String("err", err.Error()))
		os.Exit(2)
	}

	if err := run(cfg, log); err != nil {
		log.Error("relay_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pg, err := app.OpenDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := pg.Close(); err != nil {
			log.Error("db_close_failed", slog.String("err", err.Error()))
		}
	}()

	producer := app.NewProducer(cfg, cfg.KafkaTopic)
	defer func() { _ = producer.Close() }()

	reg := prometheus.NewRegistry()
	relay := outbox.NewRelay(outbox.NewStore(pg), producer, outbox.RelayConfig{
		BatchSize:         cfg.OutboxBatchSize,
		PollInterval:      cfg.OutboxPollInterval,
		ProcessingTimeout: cfg.OutboxProcessingTimeout,
		MaxAttempts:       cfg.OutboxMaxAttempts,
		PublishTimeout:    cfg.PublishTimeout,
	}, outbox.NewMetrics(reg), log)

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpx.Serve(gctx, log, metricsSrv, 5*time.Second) })
	g.Go(func() error { return relay.Run(gctx) })
	return g.Wait()
}
