// Package dispatch routes parsed envelopes to the membership policies.
package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/k1networth/rolekeeper/internal/membership"
	"github.com/k1networth/rolekeeper/internal/shared/events"
)

const tracerName = "github.com/k1networth/rolekeeper/internal/dispatch"

type AccountPolicy interface {
	EnsureDefaultRole(ctx context.Context, acct *membership.Account) error
}

type RolePolicy interface {
	CascadeRoleDeletion(ctx context.Context, deleted membership.Role) error
}

// HandlerFunc handles one decoded payload.
type HandlerFunc func(ctx context.Context, env events.Envelope, p Payload) error

type Dispatcher struct {
	handlers map[string]HandlerFunc
	log      *slog.Logger
	tracer   trace.Tracer
}

func New(accounts AccountPolicy, roles RolePolicy, log *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]HandlerFunc),
		log:      log,
		tracer:   otel.Tracer(tracerName),
	}
	d.Handle(events.TypeAccountCreated, func(ctx context.Context, _ events.Envelope, p Payload) error {
		acct := p.(AccountCreated).Account
		return accounts.EnsureDefaultRole(ctx, &acct)
	})
	d.Handle(events.TypeRoleDeleted, func(ctx context.Context, _ events.Envelope, p Payload) error {
		return roles.CascadeRoleDeletion(ctx, p.(RoleDeleted).Role)
	})
	return d
}

// Handle registers fn for eventType, replacing any earlier handler. Types
// without a typed payload receive Unrecognized.
func (d *Dispatcher) Handle(eventType string, fn HandlerFunc) {
	d.handlers[eventType] = fn
}

// HandleMessage parses raw and dispatches it. A malformed envelope is a
// fatal error and reaches no handler.
func (d *Dispatcher) HandleMessage(ctx context.Context, raw []byte) error {
	env, err := events.Parse(raw)
	if err != nil {
		var me *events.MalformedEventError
		id := ""
		if errors.As(err, &me) {
			id = me.EventID
		}
		d.log.Error("event_malformed", slog.String("event_id", id), slog.String("err", err.Error()))
		return &Error{Kind: KindFatal, EventID: id, Err: err}
	}
	return d.Dispatch(ctx, env)
}

func (d *Dispatcher) Dispatch(ctx context.Context, env events.Envelope) error {
	ctx, span := d.tracer.Start(ctx, "dispatch "+env.EventType,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("event.id", env.ID),
			attribute.String("event.type", env.EventType),
			attribute.String("event.subject", env.Subject),
		),
	)
	defer span.End()

	log := d.log.With(
		slog.String("event_id", env.ID),
		slog.String("event_type", env.EventType),
		slog.String("subject", env.Subject),
	)

	fn, ok := d.handlers[env.EventType]
	if !ok {
		log.Info("event_ignored", slog.Int("data_bytes", len(env.Data)))
		return nil
	}

	p, err := Decode(env)
	if err != nil {
		log.Error("event_dropped", slog.String("reason", "invalid_payload"), slog.String("err", err.Error()))
		span.SetStatus(codes.Error, "invalid payload")
		return &Error{Kind: KindFatal, EventID: env.ID, EventType: env.EventType, Err: err}
	}
	if err := d.run(ctx, env, p, fn); err != nil {
		kind := classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind.String())
		log.Error("event_failed", slog.String("kind", kind.String()), slog.String("err", err.Error()))
		return &Error{Kind: kind, EventID: env.ID, EventType: env.EventType, Err: err}
	}

	log.Debug("event_handled")
	return nil
}

func (d *Dispatcher) run(ctx context.Context, env events.Envelope, p Payload, fn HandlerFunc) error {
	ctx, span := d.tracer.Start(ctx, "policy "+p.EventType())
	defer span.End()

	if err := fn(ctx, env, p); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}
