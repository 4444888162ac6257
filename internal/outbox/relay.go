package outbox

import (
	"context"
	"log/slog"
	"time"
)

// Publisher sends one message. kafkax.Producer satisfies it.
type Publisher interface {
	Produce(ctx context.Context, key, value []byte, timeout time.Duration) error
}

// RelayStore is the part of Store the relay needs.
type RelayStore interface {
	ResetStuck(ctx context.Context, processingTimeout time.Duration) (int64, error)
	ClaimPending(ctx context.Context, batchSize int) ([]Event, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, nextRetryAt time.Time, errMsg string) error
	MarkDead(ctx context.Context, id int64, errMsg string) error
	LagSeconds(ctx context.Context) (float64, error)
}

type RelayConfig struct {
	BatchSize         int
	PollInterval      time.Duration
	ProcessingTimeout time.Duration
	MaxAttempts       int
	PublishTimeout    time.Duration
	RetryBase         time.Duration
	RetryMax          time.Duration
}

type Relay struct {
	store   RelayStore
	pub     Publisher
	cfg     RelayConfig
	metrics *Metrics
	log     *slog.Logger
	now     func() time.Time
}

func NewRelay(store RelayStore, pub Publisher, cfg RelayConfig, metrics *Metrics, log *slog.Logger) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 5 * time.Minute
	}
	return &Relay{store: store, pub: pub, cfg: cfg, metrics: metrics, log: log, now: time.Now}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.log.Info("relay_start",
		slog.Int("batch_size", r.cfg.BatchSize),
		slog.String("poll_interval", r.cfg.PollInterval.String()),
		slog.String("processing_timeout", r.cfg.ProcessingTimeout.String()),
		slog.Int("max_attempts", r.cfg.MaxAttempts),
	)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay_shutdown")
			return nil
		case <-ticker.C:
			r.Poll(ctx)
		}
	}
}

// Poll runs one relay cycle and returns how many events were published.
func (r *Relay) Poll(ctx context.Context) int {
	r.metrics.Polls.Inc()

	if n, err := r.store.ResetStuck(ctx, r.cfg.ProcessingTimeout); err != nil {
		r.metrics.StoreErrors.WithLabelValues("requeue").Inc()
		r.log.Error("outbox_requeue_failed", slog.String("err", err.Error()))
	} else if n > 0 {
		r.metrics.Requeued.Add(float64(n))
		r.log.Warn("outbox_requeued_stuck", slog.Int64("count", n))
	}

	evs, err := r.store.ClaimPending(ctx, r.cfg.BatchSize)
	if err != nil {
		r.metrics.StoreErrors.WithLabelValues("claim").Inc()
		r.log.Error("outbox_claim_failed", slog.String("err", err.Error()))
		return 0
	}
	r.metrics.Claimed.Add(float64(len(evs)))

	sent := 0
	for _, e := range evs {
		if r.publish(ctx, e) {
			sent++
		}
	}

	if lag, err := r.store.LagSeconds(ctx); err == nil {
		r.metrics.LagSeconds.Set(lag)
	}
	return sent
}

func (r *Relay) publish(ctx context.Context, e Event) bool {
	log := r.log.With(
		slog.Int64("id", e.ID),
		slog.String("event_id", e.EventID),
		slog.String("event_type", e.EventType),
		slog.Int("attempts", e.Attempts),
	)

	if err := r.pub.Produce(ctx, []byte(e.Subject), e.Payload, r.cfg.PublishTimeout); err != nil {
		r.metrics.Failed.WithLabelValues(e.EventType).Inc()

		if e.Attempts >= r.cfg.MaxAttempts {
			r.metrics.Dead.WithLabelValues(e.EventType).Inc()
			log.Error("outbox_event_dead", slog.String("err", err.Error()))
			if err := r.store.MarkDead(ctx, e.ID, err.Error()); err != nil {
				r.metrics.StoreErrors.WithLabelValues("mark_dead").Inc()
				log.Error("outbox_mark_dead_failed", slog.String("err", err.Error()))
			}
			return false
		}

		next := r.now().Add(r.retryDelay(e.Attempts))
		log.Warn("outbox_publish_failed", slog.String("err", err.Error()), slog.Time("next_retry_at", next))
		if err := r.store.MarkFailed(ctx, e.ID, next, err.Error()); err != nil {
			r.metrics.StoreErrors.WithLabelValues("mark_failed").Inc()
			log.Error("outbox_mark_failed_failed", slog.String("err", err.Error()))
		}
		return false
	}

	if err := r.store.MarkSent(ctx, e.ID); err != nil {
		// The row is requeued by ResetStuck and sent again; consumers dedupe
		// by envelope id.
		r.metrics.StoreErrors.WithLabelValues("mark_sent").Inc()
		log.Error("outbox_mark_sent_failed", slog.String("err", err.Error()))
		return false
	}
	r.metrics.Published.WithLabelValues(e.EventType).Inc()
	log.Info("outbox_event_published")
	return true
}

// retryDelay doubles from RetryBase per attempt, capped at RetryMax.
func (r *Relay) retryDelay(attempts int) time.Duration {
	d := r.cfg.RetryBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= r.cfg.RetryMax {
			return r.cfg.RetryMax
		}
	}
	return d
}
