package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"ipmf/internal/config"
	"ipmf/internal/domain"
	"ipmf/internal/engine/auth"
	"ipmf/internal/engine/ledger"
	"ipmf/internal/events"
	"ipmf/internal/repo"
)

// Engine runs every workflow transition. Each mutation reads, guards, writes
// and appends its trail entry inside one transaction; audit records and
// notifications are handed to the collaborators only after commit.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Policy auth.Policy
	Audit  AuditEmitter
	Notify NotificationEmitter
	Logger *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Audit:  NopAudit{},
		Notify: NopNotifier{},
		Logger: zap.NewNop(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) stamp() string {
	return e.now().Format(time.RFC3339)
}

func (e Engine) cfg() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

func (e Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) ledger() ledger.Ledger {
	c := e.cfg()
	return ledger.Ledger{
		Repo:        e.Repo,
		Enforcement: c.Budget.Enforcement,
		Attempts:    c.Budget.ReservationAttempts,
		Now:         e.now,
	}
}

// Actors exposes the actor registry bound to the engine clock.
func (e Engine) Actors() auth.Service {
	return auth.Service{Repo: e.Repo, Now: e.now}
}

// change describes one transition for the trail and the audit collaborator.
type change struct {
	Entity  string
	ID      string
	Action  string
	From    string
	To      string
	Comment string
	Payload events.EventPayload
}

// outbox collects what must be emitted once the transaction commits.
type outbox struct {
	audits []domain.AuditEvent
	notes  []domain.Notification
}

func (o *outbox) notify(n domain.Notification) {
	o.notes = append(o.notes, n)
}

func (e Engine) record(ctx context.Context, tx *sql.Tx, ob *outbox, actor domain.Actor, c change) error {
	payload := events.EventPayload{"actor_role": string(actor.Role)}
	if c.From != "" {
		payload["from"] = c.From
	}
	if c.To != "" {
		payload["to"] = c.To
	}
	if c.Comment != "" {
		payload["comment"] = c.Comment
	}
	for k, v := range c.Payload {
		payload[k] = v
	}
	if err := e.events().Append(ctx, tx, c.Entity+"."+c.Action, c.Entity, c.ID, actor.ID, payload); err != nil {
		return err
	}
	ob.audits = append(ob.audits, domain.AuditEvent{
		Entity:    c.Entity,
		EntityID:  c.ID,
		Action:    c.Action,
		From:      c.From,
		To:        c.To,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Timestamp: e.stamp(),
		Comment:   c.Comment,
	})
	return nil
}

func (e Engine) flush(ctx context.Context, ob *outbox) {
	audit := e.Audit
	if audit == nil {
		audit = NopAudit{}
	}
	notifier := e.Notify
	if notifier == nil {
		notifier = NopNotifier{}
	}
	for _, a := range ob.audits {
		audit.Record(ctx, a)
		e.logger().Info("transition",
			zap.String("entity", a.Entity),
			zap.String("entity_id", a.EntityID),
			zap.String("action", a.Action),
			zap.String("from", a.From),
			zap.String("to", a.To),
			zap.String("actor", a.ActorID),
		)
	}
	ts := e.stamp()
	for _, n := range ob.notes {
		if n.CreatedAt == "" {
			n.CreatedAt = ts
		}
		if n.Priority == "" {
			n.Priority = "normale"
		}
		notifier.Publish(ctx, n)
	}
}

// commit closes the transaction and flushes the outbox.
func (e Engine) commit(ctx context.Context, tx *sql.Tx, ob *outbox) error {
	if err := tx.Commit(); err != nil {
		return err
	}
	e.flush(ctx, ob)
	return nil
}

// deny records a refused attempt. The originating transaction is already
// rolled back, so the trail entry gets a transaction of its own.
func (e Engine) deny(ctx context.Context, actor domain.Actor, entity, id, action string, err error) {
	var de *domain.Error
	if !errors.As(err, &de) || de.Kind == domain.KindNotFound {
		return
	}
	reason := de.Reason
	if reason == "" {
		reason = string(de.Kind)
	}
	e.logger().Info("transition denied",
		zap.String("entity", entity),
		zap.String("entity_id", id),
		zap.String("action", action),
		zap.String("actor", actor.ID),
		zap.String("role", string(actor.Role)),
		zap.String("kind", string(de.Kind)),
		zap.String("reason", reason),
	)
	if persistErr := e.persistDenial(ctx, actor, entity, id, action, de, reason); persistErr != nil {
		e.logger().Warn("persist denied transition", zap.String("entity_id", id), zap.Error(persistErr))
	}
	audit := e.Audit
	if audit == nil {
		audit = NopAudit{}
	}
	audit.Record(ctx, domain.AuditEvent{
		Entity:    entity,
		EntityID:  id,
		Action:    action,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Timestamp: e.stamp(),
		Denied:    true,
		Reason:    reason,
	})
}

func (e Engine) persistDenial(ctx context.Context, actor domain.Actor, entity, id, action string, de *domain.Error, reason string) error {
	if e.DB == nil {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	actorID := actor.ID
	if actorID == "" {
		actorID = "anonymous"
	}
	if err := e.events().Append(ctx, tx, entity+"."+action+".denied", entity, id, actorID, events.EventPayload{
		"actor_role": string(actor.Role),
		"kind":       string(de.Kind),
		"reason":     reason,
		"message":    de.Message,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// guard wraps the outcome of a transition, recording refusals.
func (e Engine) guard(ctx context.Context, actor domain.Actor, entity, id, action string, err error) error {
	if err != nil {
		e.deny(ctx, actor, entity, id, action, err)
	}
	return err
}

func notFound(err error, entity, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return domain.NotFound(entity, id)
	}
	return err
}

// parseInstant accepts RFC3339 timestamps and plain dates. A plain date means
// the start of that day, or its last second when endOfDay is set.
func parseInstant(field, s string, endOfDay bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, domain.Validationf("%s: %q is not a date (YYYY-MM-DD) or RFC3339 timestamp", field, s)
	}
	if endOfDay {
		d = d.Add(24*time.Hour - time.Second)
	}
	return d.UTC(), nil
}

func formatInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func requireText(field, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", domain.Validationf("%s is required", field)
	}
	return v, nil
}

func link(kind, id string) string {
	return fmt.Sprintf("/%s/%s", kind, id)
}
