// Package worker consumes identity events from Kafka and feeds them to the
// dispatcher. It owns the acknowledge decision: an offset is committed once
// the event is handled, dropped as fatal, or dead-lettered.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"

	"github.com/k1networth/rolekeeper/internal/dispatch"
	"github.com/k1networth/rolekeeper/internal/inbox"
	"github.com/k1networth/rolekeeper/internal/shared/events"
)

// Consumer is satisfied by kafkax.Consumer.
type Consumer interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Reopen()
}

type Handler interface {
	Dispatch(ctx context.Context, env events.Envelope) error
}

// DeadLetter is satisfied by kafkax.Producer.
type DeadLetter interface {
	ProduceWithHeaders(ctx context.Context, key, value []byte, headers []kafka.Header, timeout time.Duration) error
}

type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PublishTimeout time.Duration
	// ReopenAfter consecutive fetch failures the reader is recreated.
	ReopenAfter int
}

type Worker struct {
	consumer   Consumer
	handler    Handler
	inbox      inbox.Store
	deadLetter DeadLetter
	metrics    *Metrics
	cfg        Config
	log        *slog.Logger
}

var ErrDeadLetter = errors.New("dead-letter publish failed")

// New builds a worker. deadLetter may be nil, in which case exhausted
// events are logged and acknowledged.
func New(consumer Consumer, handler Handler, in inbox.Store, deadLetter DeadLetter, metrics *Metrics, cfg Config, log *slog.Logger) *Worker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.ReopenAfter <= 0 {
		cfg.ReopenAfter = 5
	}
	if in == nil {
		in = inbox.Nop{}
	}
	return &Worker{
		consumer:   consumer,
		handler:    handler,
		inbox:      in,
		deadLetter: deadLetter,
		metrics:    metrics,
		cfg:        cfg,
		log:        log,
	}
}

// Run consumes until ctx is cancelled. It returns an error only when a
// message can neither be handled nor dead-lettered; the caller should exit so
// the group rebalances and the message is redelivered.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("consumer_start", slog.Int("max_attempts", w.cfg.MaxAttempts))

	failures := 0
	for {
		msg, err := w.consumer.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.log.Info("consumer_shutdown")
				return nil
			}
			failures++
			w.log.Error("kafka_fetch_failed", slog.String("err", err.Error()), slog.Int("consecutive", failures))
			if failures >= w.cfg.ReopenAfter {
				w.log.Warn("kafka_reader_reopen")
				w.consumer.Reopen()
				failures = 0
			}
			if !sleep(ctx, 300*time.Millisecond) {
				w.log.Info("consumer_shutdown")
				return nil
			}
			continue
		}
		failures = 0

		commit, err := w.Process(ctx, msg)
		if err != nil {
			if ctx.Err() != nil {
				w.log.Info("consumer_shutdown")
				return nil
			}
			return err
		}
		if !commit {
			continue
		}
		if err := w.consumer.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				w.log.Info("consumer_shutdown")
				return nil
			}
			w.log.Error("kafka_commit_failed", slog.Int64("offset", msg.Offset), slog.String("err", err.Error()))
		}
	}
}

// Process handles one message and reports whether its offset may be
// committed.
func (w *Worker) Process(ctx context.Context, msg kafka.Message) (bool, error) {
	env, err := events.Parse(msg.Value)
	if err != nil {
		w.log.Error("event_dropped",
			slog.String("reason", "malformed"),
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
			slog.String("err", err.Error()),
		)
		w.metrics.Processed.WithLabelValues("unknown", statusMalformed).Inc()
		return true, nil
	}

	log := w.log.With(slog.String("event_id", env.ID), slog.String("event_type", env.EventType))

	if env.ID != "" {
		ok, err := w.inbox.StartProcessing(ctx, inbox.Entry{
			EventID:   env.ID,
			EventType: env.EventType,
			Subject:   env.Subject,
			Payload:   env.Data,
		})
		switch {
		case err != nil:
			log.Warn("inbox_unavailable", slog.String("err", err.Error()))
		case !ok:
			log.Info("event_skip_done")
			w.metrics.Processed.WithLabelValues(env.EventType, statusDuplicate).Inc()
			return true, nil
		}
	}

	attempts, err := w.dispatch(ctx, env, log)
	if err == nil {
		w.markDone(ctx, env, log)
		w.metrics.Processed.WithLabelValues(env.EventType, statusOK).Inc()
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	if !dispatch.IsRetryable(err) {
		w.markDone(ctx, env, log)
		w.metrics.Processed.WithLabelValues(env.EventType, statusDropped).Inc()
		return true, nil
	}

	w.markFailed(ctx, env, err, log)
	log.Error("event_retries_exhausted", slog.Int("attempts", attempts), slog.String("err", err.Error()))

	if w.deadLetter == nil {
		w.metrics.Processed.WithLabelValues(env.EventType, statusFailed).Inc()
		return true, nil
	}
	if dlErr := w.publishDeadLetter(ctx, msg, err, attempts); dlErr != nil {
		log.Error("dead_letter_failed", slog.String("err", dlErr.Error()))
		w.metrics.Processed.WithLabelValues(env.EventType, statusFailed).Inc()
		return false, errors.Join(ErrDeadLetter, dlErr)
	}
	log.Warn("event_dead_lettered", slog.Int("attempts", attempts))
	w.metrics.DeadLettered.WithLabelValues(env.EventType).Inc()
	w.metrics.Processed.WithLabelValues(env.EventType, statusDeadLettered).Inc()
	return true, nil
}

// dispatch runs the handler, redelivering retryable failures in place with
// exponential backoff. Fatal errors stop at once.
func (w *Worker) dispatch(ctx context.Context, env events.Envelope, log *slog.Logger) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialBackoff
	b.MaxInterval = w.cfg.MaxBackoff

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := w.handler.Dispatch(ctx, env)
		if err != nil && !dispatch.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(w.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.metrics.Redeliveries.WithLabelValues(env.EventType).Inc()
			log.Warn("event_redelivery",
				slog.Int("attempt", attempts),
				slog.String("next_in", next.String()),
				slog.String("err", err.Error()),
			)
		}),
	)
	return attempts, err
}

func (w *Worker) publishDeadLetter(ctx context.Context, msg kafka.Message, cause error, attempts int) error {
	headers := append([]kafka.Header{}, msg.Headers...)
	headers = append(headers,
		kafka.Header{Key: "x-error", Value: []byte(cause.Error())},
		kafka.Header{Key: "x-attempts", Value: []byte(strconv.Itoa(attempts))},
		kafka.Header{Key: "x-source-topic", Value: []byte(msg.Topic)},
		kafka.Header{Key: "x-source-partition", Value: []byte(strconv.Itoa(msg.Partition))},
		kafka.Header{Key: "x-source-offset", Value: []byte(strconv.FormatInt(msg.Offset, 10))},
	)
	return w.deadLetter.ProduceWithHeaders(ctx, msg.Key, msg.Value, headers, w.cfg.PublishTimeout)
}

func (w *Worker) markDone(ctx context.Context, env events.Envelope, log *slog.Logger) {
	if env.ID == "" {
		return
	}
	if err := w.inbox.MarkDone(ctx, env.ID); err != nil {
		log.Warn("inbox_mark_done_failed", slog.String("err", err.Error()))
	}
}

func (w *Worker) markFailed(ctx context.Context, env events.Envelope, cause error, log *slog.Logger) {
	if env.ID == "" {
		return
	}
	if err := w.inbox.MarkFailed(ctx, env.ID, cause.Error()); err != nil {
		log.Warn("inbox_mark_failed_failed", slog.String("err", err.Error()))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
