package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ipmf/internal/domain"
	"ipmf/internal/engine/auth"
	"ipmf/internal/events"
	"ipmf/internal/repo"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	Titre          string           `json:"titre" validate:"required,max=200"`
	Description    string           `json:"description"`
	Priorite       string           `json:"priorite" validate:"omitempty,oneof=basse moyenne haute urgente"`
	DateDebut      string           `json:"date_debut"`
	DateEcheance   string           `json:"date_echeance" validate:"required"`
	AgentsAssignes []string         `json:"agents_assignes" validate:"required,min=1,dive,required"`
	BudgetAlloue   *decimal.Decimal `json:"budget_alloue"`
}

func (e Engine) CreateTask(ctx context.Context, actor domain.Actor, opts TaskCreateOptions) (domain.Task, error) {
	t, err := e.createTask(ctx, actor, opts)
	if err := e.guard(ctx, actor, "task", "", "create", err); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) createTask(ctx context.Context, actor domain.Actor, opts TaskCreateOptions) (domain.Task, error) {
	if err := e.Policy.CanTransition(actor, auth.Subject{Kind: "task"}, auth.TaskCreate); err != nil {
		return domain.Task{}, err
	}
	opts.Titre = strings.TrimSpace(opts.Titre)
	if err := validateInput(opts); err != nil {
		return domain.Task{}, err
	}
	if opts.Priorite == "" {
		opts.Priorite = "moyenne"
	}
	now := e.now()
	due, err := parseInstant("date_echeance", opts.DateEcheance, true)
	if err != nil {
		return domain.Task{}, err
	}
	if !due.After(now) {
		return domain.Task{}, domain.Validationf("date_echeance %s must be in the future", formatInstant(due))
	}
	var start string
	if strings.TrimSpace(opts.DateDebut) != "" {
		s, err := parseInstant("date_debut", opts.DateDebut, false)
		if err != nil {
			return domain.Task{}, err
		}
		if !s.Before(due) {
			return domain.Task{}, domain.Validationf("date_debut must precede date_echeance")
		}
		start = formatInstant(s)
	}
	var budget decimal.NullDecimal
	if opts.BudgetAlloue != nil {
		if err := checkMoney("budget_alloue", *opts.BudgetAlloue); err != nil {
			return domain.Task{}, err
		}
		budget = decimal.NullDecimal{Decimal: *opts.BudgetAlloue, Valid: true}
	}
	ts := formatInstant(now)
	t := domain.Task{
		ID:             uuid.NewString(),
		Titre:          opts.Titre,
		Description:    opts.Description,
		Priorite:       opts.Priorite,
		Statut:         domain.TaskCreated,
		DateDebut:      start,
		DateEcheance:   formatInstant(due),
		BudgetAlloue:   budget,
		AgentsAssignes: dedupe(opts.AgentsAssignes),
		CreatedBy:      actor.ID,
		CreatedAt:      ts,
		UpdatedAt:      ts,
		Version:        1,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if t.Numero, err = e.Repo.NextNumero(ctx, tx, "TSK", now.Year()); err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	payload := events.EventPayload{"numero": t.Numero, "agents_assignes": t.AgentsAssignes, "date_echeance": t.DateEcheance}
	if budget.Valid {
		if _, err := e.ledger().Open(ctx, tx, t.ID, budget.Decimal); err != nil {
			return domain.Task{}, err
		}
		payload["budget_alloue"] = budget.Decimal.String()
	}
	var ob outbox
	if err := e.record(ctx, tx, &ob, actor, change{
		Entity: "task", ID: t.ID, Action: "create", To: string(t.Statut), Payload: payload,
	}); err != nil {
		return domain.Task{}, err
	}
	ob.notify(domain.Notification{
		Recipients: t.AgentsAssignes,
		Title:      "Nouvelle mission assignée",
		Message:    fmt.Sprintf("%s: %s, échéance %s", t.Numero, t.Titre, t.DateEcheance),
		Type:       "task.assigned",
		Priority:   taskPriority(t),
		Link:       link("tasks", t.ID),
		EntityKind: "task",
		EntityID:   t.ID,
	})
	if err := e.commit(ctx, tx, &ob); err != nil {
		return domain.Task{}, err
	}
	return e.GetTask(ctx, t.ID)
}

// ensureTaskTransition returns the target status of a lifecycle action. A task
// failed by the sweep leaves its terminal state only through an approved
// deferral.
func ensureTaskTransition(t domain.Task, tr auth.Transition) (domain.TaskStatus, error) {
	if t.AutoFailed() {
		return "", domain.Statef("task %s failed automatically; only an approved deferral can reopen it", t.Numero)
	}
	allowed := map[auth.Transition]struct {
		from []domain.TaskStatus
		to   domain.TaskStatus
	}{
		auth.TaskStart:    {[]domain.TaskStatus{domain.TaskCreated}, domain.TaskRunning},
		auth.TaskComplete: {[]domain.TaskStatus{domain.TaskRunning}, domain.TaskFinished},
		auth.TaskValidate: {[]domain.TaskStatus{domain.TaskFinished}, domain.TaskValidated},
		auth.TaskRework:   {[]domain.TaskStatus{domain.TaskFinished}, domain.TaskRunning},
		auth.TaskCancel:   {[]domain.TaskStatus{domain.TaskCreated, domain.TaskRunning, domain.TaskFinished}, domain.TaskCancelled},
	}
	rule, ok := allowed[tr]
	if ok {
		for _, from := range rule.from {
			if t.Statut == from {
				return rule.to, nil
			}
		}
	}
	return "", domain.Statef("cannot %s task %s in state %s", strings.TrimPrefix(string(tr), "task."), t.Numero, t.Statut)
}

// taskStep is one lifecycle action: apply validates the input and mutates the
// task, notes builds what to tell the other parties.
type taskStep struct {
	transition auth.Transition
	comment    string
	apply      func(t *domain.Task, ts string) error
	// settle runs in the transition's transaction once the task row is written.
	settle func(ctx context.Context, tx *sql.Tx, t domain.Task, payload events.EventPayload) error
	notes      func(t domain.Task, actor domain.Actor) []domain.Notification
}

func (e Engine) stepTask(ctx context.Context, actor domain.Actor, id string, step taskStep) (domain.Task, error) {
	action := strings.TrimPrefix(string(step.transition), "task.")
	err := e.applyTaskStep(ctx, actor, id, action, step)
	if err := e.guard(ctx, actor, "task", id, action, err); err != nil {
		return domain.Task{}, err
	}
	return e.GetTask(ctx, id)
}

func (e Engine) applyTaskStep(ctx context.Context, actor domain.Actor, id, action string, step taskStep) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTask(ctx, tx, id)
	if err != nil {
		return notFound(err, "task", id)
	}
	from := t.Statut
	to, err := ensureTaskTransition(t, step.transition)
	if err != nil {
		return err
	}
	if err := e.Policy.CanTransition(actor, auth.Subject{
		Kind: "task", ID: t.ID, CreatorID: t.CreatedBy, Assignees: t.AgentsAssignes,
	}, step.transition); err != nil {
		return err
	}
	ts := e.stamp()
	expected := t.Version
	if step.apply != nil {
		if err := step.apply(&t, ts); err != nil {
			return err
		}
	}
	t.Statut = to
	t.UpdatedAt = ts
	if err := e.Repo.UpdateTask(ctx, tx, t, expected); err != nil {
		return err
	}
	payload := events.EventPayload{"numero": t.Numero}
	if step.settle != nil {
		if err := step.settle(ctx, tx, t, payload); err != nil {
			return err
		}
	}
	var ob outbox
	if err := e.record(ctx, tx, &ob, actor, change{
		Entity: "task", ID: t.ID, Action: action, From: string(from), To: string(to),
		Comment: strings.TrimSpace(step.comment), Payload: payload,
	}); err != nil {
		return err
	}
	if step.notes != nil {
		for _, n := range step.notes(t, actor) {
			ob.notify(n)
		}
	}
	return e.commit(ctx, tx, &ob)
}

func (e Engine) StartTask(ctx context.Context, actor domain.Actor, id string) (domain.Task, error) {
	return e.stepTask(ctx, actor, id, taskStep{
		transition: auth.TaskStart,
		apply: func(t *domain.Task, ts string) error {
			t.DateDebutReelle = ts
			return nil
		},
		notes: func(t domain.Task, actor domain.Actor) []domain.Notification {
			return []domain.Notification{taskNotification(t, others([]string{t.CreatedBy}, actor.ID),
				"Mission démarrée", fmt.Sprintf("%s démarrée par %s", t.Numero, actor.ID))}
		},
	})
}

// CompleteTask closes a running task with a success result. The report is
// mandatory.
func (e Engine) CompleteTask(ctx context.Context, actor domain.Actor, id, rapport, pieceJointe string) (domain.Task, error) {
	return e.stepTask(ctx, actor, id, taskStep{
		transition: auth.TaskComplete,
		apply: func(t *domain.Task, ts string) error {
			r, err := requireText("rapport", rapport)
			if err != nil {
				return err
			}
			t.Rapport = r
			t.PieceJointe = strings.TrimSpace(pieceJointe)
			t.Resultat = domain.ResultSuccess
			t.DateFinReelle = ts
			return nil
		},
		notes: func(t domain.Task, actor domain.Actor) []domain.Notification {
			n := taskNotification(t, others([]string{t.CreatedBy}, actor.ID),
				"Mission à valider", fmt.Sprintf("%s terminée par %s", t.Numero, actor.ID))
			n.Roles = []domain.Role{domain.RoleDG}
			return []domain.Notification{n}
		},
	})
}

func (e Engine) ValidateTask(ctx context.Context, actor domain.Actor, id, comment string) (domain.Task, error) {
	return e.stepTask(ctx, actor, id, taskStep{
		transition: auth.TaskValidate,
		comment:    comment,
		apply: func(t *domain.Task, ts string) error {
			if t.Resultat != domain.ResultSuccess {
				return domain.Statef("task %s has no successful completion to validate", t.Numero)
			}
			t.ValidatedBy, t.ValidatedAt = actor.ID, ts
			t.CommentaireValidation = strings.TrimSpace(comment)
			return nil
		},
		notes: func(t domain.Task, actor domain.Actor) []domain.Notification {
			return []domain.Notification{taskNotification(t, t.AgentsAssignes,
				"Mission validée", fmt.Sprintf("%s validée par %s", t.Numero, actor.ID))}
		},
	})
}

// RejectTaskToRework sends a completed task back to the assignees. The comment
// is mandatory.
func (e Engine) RejectTaskToRework(ctx context.Context, actor domain.Actor, id, comment string) (domain.Task, error) {
	return e.stepTask(ctx, actor, id, taskStep{
		transition: auth.TaskRework,
		comment:    comment,
		apply: func(t *domain.Task, ts string) error {
			c, err := requireText("commentaire", comment)
			if err != nil {
				return err
			}
			t.CommentaireValidation = c
			t.Resultat = domain.ResultNone
			t.DateFinReelle = ""
			return nil
		},
		notes: func(t domain.Task, actor domain.Actor) []domain.Notification {
			n := taskNotification(t, t.AgentsAssignes,
				"Mission à reprendre", fmt.Sprintf("%s renvoyée par %s: %s", t.Numero, actor.ID, t.CommentaireValidation))
			n.Priority = "haute"
			return []domain.Notification{n}
		},
	})
}

// CancelTask closes a task for good. Reservations still held by its pending
// expenses go back to the ledger; amounts already validated stay spent.
func (e Engine) CancelTask(ctx context.Context, actor domain.Actor, id, motif string) (domain.Task, error) {
	return e.stepTask(ctx, actor, id, taskStep{
		transition: auth.TaskCancel,
		comment:    motif,
		apply: func(t *domain.Task, ts string) error {
			t.MotifAnnulation = strings.TrimSpace(motif)
			return nil
		},
		settle: e.releaseHeld,
		notes: func(t domain.Task, actor domain.Actor) []domain.Notification {
			return []domain.Notification{taskNotification(t, t.AgentsAssignes,
				"Mission annulée", fmt.Sprintf("%s annulée par %s", t.Numero, actor.ID))}
		},
	})
}

func (e Engine) releaseHeld(ctx context.Context, tx *sql.Tx, t domain.Task, payload events.EventPayload) error {
	held, err := e.Repo.HeldExpenses(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	released := make([]string, 0, len(held))
	for _, x := range held {
		if err := e.ledger().Release(ctx, tx, t.ID, x.Montant, false); err != nil {
			return err
		}
		expected := x.Version
		x.BudgetReserved = false
		x.UpdatedAt = e.stamp()
		if err := e.Repo.UpdateExpense(ctx, tx, x, expected); err != nil {
			return err
		}
		released = append(released, x.Numero)
	}
	if len(released) > 0 {
		payload["released_expenses"] = released
	}
	return nil
}

// AmendTaskBudget sets or changes the allocation of a task still in progress.
func (e Engine) AmendTaskBudget(ctx context.Context, actor domain.Actor, id string, allocated decimal.Decimal) (domain.Task, error) {
	err := e.amendTaskBudget(ctx, actor, id, allocated)
	if err := e.guard(ctx, actor, "task", id, "amend_budget", err); err != nil {
		return domain.Task{}, err
	}
	return e.GetTask(ctx, id)
}

func (e Engine) amendTaskBudget(ctx context.Context, actor domain.Actor, id string, allocated decimal.Decimal) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTask(ctx, tx, id)
	if err != nil {
		return notFound(err, "task", id)
	}
	if t.Terminal() {
		return domain.Statef("task %s is closed; its budget can no longer change", t.Numero)
	}
	if err := e.Policy.CanTransition(actor, auth.Subject{Kind: "task", ID: t.ID, CreatorID: t.CreatedBy, Assignees: t.AgentsAssignes}, auth.TaskAmendBudget); err != nil {
		return err
	}
	if err := checkMoney("budget_alloue", allocated); err != nil {
		return err
	}
	previous := ""
	if t.BudgetAlloue.Valid {
		previous = t.BudgetAlloue.Decimal.String()
	}
	if _, err := e.ledger().Amend(ctx, tx, t.ID, allocated); err != nil {
		return err
	}
	expected := t.Version
	t.BudgetAlloue = decimal.NullDecimal{Decimal: allocated, Valid: true}
	t.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateTask(ctx, tx, t, expected); err != nil {
		return err
	}
	var ob outbox
	if err := e.record(ctx, tx, &ob, actor, change{
		Entity: "task", ID: t.ID, Action: "amend_budget", From: previous, To: allocated.String(),
		Payload: events.EventPayload{"numero": t.Numero},
	}); err != nil {
		return err
	}
	return e.commit(ctx, tx, &ob)
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, nil, id)
	if err != nil {
		return domain.Task{}, notFound(err, "task", id)
	}
	if err := e.decorateTask(ctx, &t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	list, err := e.Repo.ListTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if err := e.decorateTask(ctx, &list[i]); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// decorateTask fills the fields derived from the clock, the checklist and the
// open deferral request.
func (e Engine) decorateTask(ctx context.Context, t *domain.Task) error {
	subtasks, err := e.Repo.ListSubtasks(ctx, nil, t.ID)
	if err != nil {
		return err
	}
	t.Subtasks = subtasks
	t.Pourcentage = progress(*t)
	t.EstEnRetard = e.overdue(*t)
	d, err := e.Repo.PendingDeferral(ctx, nil, t.ID)
	switch {
	case err == nil:
		t.PendingDeferral = &d
	case errors.Is(err, repo.ErrNotFound):
		t.PendingDeferral = nil
	default:
		return err
	}
	return nil
}

// overdue reports a running task past its deadline.
func (e Engine) overdue(t domain.Task) bool {
	if t.Statut != domain.TaskRunning {
		return false
	}
	due, err := time.Parse(time.RFC3339, t.DateEcheance)
	return err == nil && e.now().After(due)
}

func progress(t domain.Task) int {
	if len(t.Subtasks) == 0 {
		if t.Statut == domain.TaskValidated || (t.Statut == domain.TaskFinished && t.Resultat == domain.ResultSuccess) {
			return 100
		}
		return 0
	}
	done := 0
	for _, st := range t.Subtasks {
		if st.EstTerminee {
			done++
		}
	}
	return done * 100 / len(t.Subtasks)
}

func taskNotification(t domain.Task, recipients []string, title, msg string) domain.Notification {
	return domain.Notification{
		Recipients: recipients,
		Title:      title,
		Message:    msg,
		Type:       "task." + string(t.Statut),
		Priority:   taskPriority(t),
		Link:       link("tasks", t.ID),
		EntityKind: "task",
		EntityID:   t.ID,
	}
}

func taskPriority(t domain.Task) string {
	switch t.Priorite {
	case "haute", "urgente":
		return "haute"
	default:
		return "normale"
	}
}

func dedupe(ids []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// others drops the acting party from a recipient list.
func others(ids []string, actorID string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != actorID {
			out = append(out, id)
		}
	}
	return out
}

func (e Engine) loadTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, tx, id)
	return t, notFound(err, "task", id)
}
