// Package notify carries audit records and notifications out of the engine:
// to the structured log, and to webhooks.
package notify

import (
	"context"

	"go.uber.org/zap"

	"ipmf/internal/domain"
	"ipmf/internal/engine"
)

// AuditLog writes one structured line per audit record.
type AuditLog struct {
	Logger *zap.Logger
}

func (a AuditLog) Record(_ context.Context, ev domain.AuditEvent) {
	if a.Logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("entity", ev.Entity),
		zap.String("entity_id", ev.EntityID),
		zap.String("action", ev.Action),
		zap.String("actor", ev.ActorID),
		zap.String("role", string(ev.ActorRole)),
		zap.String("ts", ev.Timestamp),
	}
	if ev.Denied {
		a.Logger.Warn("audit denied", append(fields, zap.String("reason", ev.Reason))...)
		return
	}
	if ev.Comment != "" {
		fields = append(fields, zap.String("comment", ev.Comment))
	}
	a.Logger.Info("audit", append(fields, zap.String("from", ev.From), zap.String("to", ev.To))...)
}

// NotificationLog writes notifications to the log, for deployments with no
// webhook configured.
type NotificationLog struct {
	Logger *zap.Logger
}

func (l NotificationLog) Publish(_ context.Context, n domain.Notification) {
	if l.Logger == nil {
		return
	}
	roles := make([]string, len(n.Roles))
	for i, r := range n.Roles {
		roles[i] = string(r)
	}
	l.Logger.Info("notification",
		zap.String("type", n.Type),
		zap.String("priority", n.Priority),
		zap.Strings("recipients", n.Recipients),
		zap.Strings("roles", roles),
		zap.String("title", n.Title),
		zap.String("entity_id", n.EntityID),
	)
}

// Fanout publishes to every emitter in order.
type Fanout []engine.NotificationEmitter

func (f Fanout) Publish(ctx context.Context, n domain.Notification) {
	for _, e := range f {
		e.Publish(ctx, n)
	}
}

var (
	_ engine.AuditEmitter        = AuditLog{}
	_ engine.NotificationEmitter = NotificationLog{}
	_ engine.NotificationEmitter = Fanout{}
	_ engine.NotificationEmitter = (*Dispatcher)(nil)
)
