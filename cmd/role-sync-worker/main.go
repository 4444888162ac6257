package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/k1networth/rolekeeper/internal/app"
	"github.com/k1networth/rolekeeper/internal/membership/postgres"
	"github.com/k1networth/rolekeeper/internal/shared/config"
	"github.com/k1networth/rolekeeper/internal/shared/httpx"
	"github.com/k1networth/rolekeeper/internal/shared/kafkax"
	"github.com/k1networth/rolekeeper/internal/shared/logger"
	"github.com/k1networth/rolekeeper/internal/shared/otelx"
	"github.com/k1networth/rolekeeper/internal/worker"
)

const appName = "role-sync-worker"

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
		log.Error("worker_failed", slog.String("err", err.Error()))
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
	defer func() {
		if err := pg.Close(); err != nil {
			log.Error("db_close_failed", slog.String("err", err.Error()))
		}
	}()

	gw := postgres.New(pg, cfg.GatewayTimeout)
	dispatcher, err := app.NewDispatcher(gw, cfg, log)
	if err != nil {
		return err
	}

	in, closeInbox, err := app.NewInbox(ctx, cfg, pg)
	if err != nil {
		return err
	}
	defer func() { _ = closeInbox() }()

	var deadLetter worker.DeadLetter
	if cfg.KafkaDeadLetterTopic != "" {
		p := app.NewProducer(cfg, cfg.KafkaDeadLetterTopic)
		defer func() { _ = p.Close() }()
		deadLetter = p
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := worker.NewMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	wcfg := worker.Config{
		MaxAttempts:    cfg.RedeliveryMaxAttempts,
		InitialBackoff: cfg.RedeliveryInitialBackoff,
		MaxBackoff:     cfg.RedeliveryMaxBackoff,
		PublishTimeout: cfg.PublishTimeout,
	}

	log.Info("consumers_start",
		slog.String("topic", cfg.KafkaTopic),
		slog.String("group_id", cfg.KafkaGroupID),
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.String("inbox", cfg.InboxBackend),
		slog.String("dead_letter_topic", cfg.KafkaDeadLetterTopic),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpx.Serve(gctx, log, metricsSrv, 5*time.Second)
	})
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		g.Go(func() error {
			consumer := kafkax.NewConsumer(kafkax.ConsumerConfig{
				Brokers:     cfg.KafkaBrokers,
				Topic:       cfg.KafkaTopic,
				GroupID:     cfg.KafkaGroupID,
				StartOffset: cfg.KafkaStartOffset,
			})
			defer func() { _ = consumer.Close() }()

			w := worker.New(consumer, dispatcher, in, deadLetter, metrics, wcfg, log.With(slog.Int("worker", i)))
			return w.Run(gctx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("worker_shutdown")
	return err
}
