package engine

//go:generate mockgen -destination=mocks/emitters.go -package=mocks ipmf/internal/engine AuditEmitter,NotificationEmitter

import (
	"context"

	"ipmf/internal/domain"
)

// AuditEmitter receives one record per attempted transition, denied ones
// included. Implementations must not block the caller for long.
type AuditEmitter interface {
	Record(ctx context.Context, ev domain.AuditEvent)
}

// NotificationEmitter receives the recipients and message of a transition
// that someone else has to act on.
type NotificationEmitter interface {
	Publish(ctx context.Context, n domain.Notification)
}

type NopAudit struct{}

func (NopAudit) Record(context.Context, domain.AuditEvent) {}

type NopNotifier struct{}

func (NopNotifier) Publish(context.Context, domain.Notification) {}
