package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"ipmf/internal/domain"
	"ipmf/internal/engine/auth"
	"ipmf/internal/events"
	"ipmf/internal/repo"
)

// RequestDeferral asks for a new deadline on an overdue or auto-failed task.
// A task carries at most one pending request.
func (e Engine) RequestDeferral(ctx context.Context, actor domain.Actor, taskID, dateDemandee, motif string) (domain.Deferral, error) {
	d, err := e.requestDeferral(ctx, actor, taskID, dateDemandee, motif)
	if err := e.guard(ctx, actor, "deferral", taskID, "request", err); err != nil {
		return domain.Deferral{}, err
	}
	return d, nil
}

func (e Engine) requestDeferral(ctx context.Context, actor domain.Actor, taskID, dateDemandee, motif string) (domain.Deferral, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deferral{}, err
	}
	defer tx.Rollback()

	t, err := e.loadTask(ctx, tx, taskID)
	if err != nil {
		return domain.Deferral{}, err
	}
	if !e.overdue(t) && !t.AutoFailed() {
		return domain.Deferral{}, domain.Statef("task %s is neither overdue nor failed; no deferral needed", t.Numero)
	}
	if err := e.Policy.CanTransition(actor, auth.Subject{
		Kind: "task", ID: t.ID, CreatorID: t.CreatedBy, Assignees: t.AgentsAssignes,
	}, auth.DeferralRequest); err != nil {
		return domain.Deferral{}, err
	}
	motif, err = requireText("motif", motif)
	if err != nil {
		return domain.Deferral{}, err
	}
	due, err := parseInstant("date_demandee", dateDemandee, true)
	if err != nil {
		return domain.Deferral{}, err
	}
	if !due.After(e.now()) {
		return domain.Deferral{}, domain.Validationf("date_demandee %s must be in the future", formatInstant(due))
	}
	d := domain.Deferral{
		ID:               uuid.NewString(),
		TaskID:           t.ID,
		Requester:        actor.ID,
		DateDemandee:     formatInstant(due),
		AncienneEcheance: t.DateEcheance,
		Motif:            motif,
		Statut:           domain.DeferralPending,
		CreatedAt:        e.stamp(),
		Version:          1,
	}
	if err := e.Repo.InsertDeferral(ctx, tx, d); err != nil {
		return domain.Deferral{}, err
	}
	var ob outbox
	if err := e.record(ctx, tx, &ob, actor, change{
		Entity: "deferral", ID: d.ID, Action: "request", To: string(d.Statut), Comment: motif,
		Payload: events.EventPayload{"task_id": t.ID, "date_demandee": d.DateDemandee, "ancienne_echeance": d.AncienneEcheance},
	}); err != nil {
		return domain.Deferral{}, err
	}
	ob.notify(domain.Notification{
		Roles:      []domain.Role{domain.RoleDG, domain.RoleAdmin},
		Title:      "Demande de report",
		Message:    fmt.Sprintf("%s demande un report de %s au %s: %s", actor.ID, t.Numero, d.DateDemandee, motif),
		Type:       "deferral.requested",
		Priority:   "haute",
		Link:       link("tasks", t.ID),
		EntityKind: "deferral",
		EntityID:   d.ID,
	})
	if err := e.commit(ctx, tx, &ob); err != nil {
		return domain.Deferral{}, err
	}
	return d, nil
}

// ApproveDeferral moves the task deadline and reopens a task the sweep had
// failed.
func (e Engine) ApproveDeferral(ctx context.Context, actor domain.Actor, id, comment string) (domain.Deferral, error) {
	return e.resolveDeferral(ctx, actor, id, auth.DeferralApprove, comment)
}

// RejectDeferral leaves the task as it is.
func (e Engine) RejectDeferral(ctx context.Context, actor domain.Actor, id, comment string) (domain.Deferral, error) {
	return e.resolveDeferral(ctx, actor, id, auth.DeferralReject, comment)
}

func (e Engine) resolveDeferral(ctx context.Context, actor domain.Actor, id string, tr auth.Transition, comment string) (domain.Deferral, error) {
	action := strings.TrimPrefix(string(tr), "deferral.")
	d, err := e.applyDeferralResolution(ctx, actor, id, tr, action, comment)
	if err := e.guard(ctx, actor, "deferral", id, action, err); err != nil {
		return domain.Deferral{}, err
	}
	return d, nil
}

func (e Engine) applyDeferralResolution(ctx context.Context, actor domain.Actor, id string, tr auth.Transition, action, comment string) (domain.Deferral, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Deferral{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDeferral(ctx, tx, id)
	if err != nil {
		return domain.Deferral{}, notFound(err, "deferral", id)
	}
	if d.Statut != domain.DeferralPending {
		return domain.Deferral{}, domain.Statef("deferral %s is already %s", d.ID, d.Statut)
	}
	t, err := e.loadTask(ctx, tx, d.TaskID)
	if err != nil {
		return domain.Deferral{}, err
	}
	if err := e.Policy.CanTransition(actor, auth.Subject{
		Kind: "deferral", ID: d.ID, CreatorID: t.CreatedBy, Assignees: t.AgentsAssignes, RequesterID: d.Requester,
	}, tr); err != nil {
		return domain.Deferral{}, err
	}
	ts := e.stamp()
	comment = strings.TrimSpace(comment)
	from := d.Statut
	expected := d.Version
	var ob outbox
	if tr == auth.DeferralApprove {
		if t.Statut != domain.TaskRunning && !t.AutoFailed() {
			return domain.Deferral{}, domain.Statef("task %s is %s; its deadline can no longer move", t.Numero, t.Statut)
		}
		if d.DateDemandee <= ts {
			return domain.Deferral{}, domain.Validationf("requested deadline %s has already passed", d.DateDemandee)
		}
		taskFrom := t.Statut
		taskExpected := t.Version
		reopened := t.AutoFailed()
		t.DateEcheance = d.DateDemandee
		if reopened {
			t.Statut = domain.TaskRunning
			t.Resultat = domain.ResultNone
			t.DateFinReelle = ""
		}
		t.UpdatedAt = ts
		if err := e.Repo.UpdateTask(ctx, tx, t, taskExpected); err != nil {
			return domain.Deferral{}, err
		}
		taskAction := "reschedule"
		if reopened {
			taskAction = "reopen"
		}
		if err := e.record(ctx, tx, &ob, actor, change{
			Entity: "task", ID: t.ID, Action: taskAction, From: string(taskFrom), To: string(t.Statut),
			Payload: events.EventPayload{"deferral_id": d.ID, "date_echeance": t.DateEcheance, "ancienne_echeance": d.AncienneEcheance},
		}); err != nil {
			return domain.Deferral{}, err
		}
		d.Statut = domain.DeferralApproved
	} else {
		d.Statut = domain.DeferralRejected
	}
	d.Responder, d.RespondedAt, d.CommentaireReponse = actor.ID, ts, comment
	if err := e.Repo.UpdateDeferral(ctx, tx, d, expected); err != nil {
		return domain.Deferral{}, err
	}
	d.Version = expected + 1
	if err := e.record(ctx, tx, &ob, actor, change{
		Entity: "deferral", ID: d.ID, Action: action, From: string(from), To: string(d.Statut), Comment: comment,
		Payload: events.EventPayload{"task_id": t.ID},
	}); err != nil {
		return domain.Deferral{}, err
	}
	title := "Report accordé"
	msg := fmt.Sprintf("%s: nouvelle échéance %s", t.Numero, d.DateDemandee)
	if d.Statut == domain.DeferralRejected {
		title = "Report refusé"
		msg = fmt.Sprintf("%s: demande de report refusée par %s", t.Numero, actor.ID)
	}
	ob.notify(domain.Notification{
		Recipients: []string{d.Requester},
		Title:      title,
		Message:    msg,
		Type:       "deferral." + string(d.Statut),
		Link:       link("tasks", t.ID),
		EntityKind: "deferral",
		EntityID:   d.ID,
	})
	if err := e.commit(ctx, tx, &ob); err != nil {
		return domain.Deferral{}, err
	}
	return d, nil
}

func (e Engine) GetDeferral(ctx context.Context, id string) (domain.Deferral, error) {
	d, err := e.Repo.GetDeferral(ctx, nil, id)
	return d, notFound(err, "deferral", id)
}

func (e Engine) ListDeferrals(ctx context.Context, f repo.DeferralFilters) ([]domain.Deferral, error) {
	return e.Repo.ListDeferrals(ctx, f)
}
