package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ipmf/internal/config"
	"ipmf/internal/domain"
	"ipmf/internal/engine/auth"
	"ipmf/internal/events"
	"ipmf/internal/repo"
)

// ExpenseCreateOptions are the submitter-provided fields of an expense.
// Montant is always derived from Quantite and PrixUnitaire.
type ExpenseCreateOptions struct {
	Motif        string          `json:"motif" validate:"required,max=500"`
	Categorie    string          `json:"categorie" validate:"required,oneof=fonctionnement investissement personnel formation mission autre"`
	Quantite     int64           `json:"quantite" validate:"gt=0"`
	PrixUnitaire decimal.Decimal `json:"prix_unitaire" validate:"money"`
	Commentaire  string          `json:"commentaire"`
	Justificatif string          `json:"justificatif"`
	TacheID      string          `json:"tache_id"`
}

func (e Engine) CreateExpense(ctx context.Context, actor domain.Actor, opts ExpenseCreateOptions) (domain.Expense, error) {
	x, err := e.createExpense(ctx, actor, opts, "")
	if err := e.guard(ctx, actor, "expense", "", "create", err); err != nil {
		return domain.Expense{}, err
	}
	return x, nil
}

// ResubmitExpense files a rejected expense again as a new entity linked to the
// original. Only the original submitter may resubmit.
func (e Engine) ResubmitExpense(ctx context.Context, actor domain.Actor, id string) (domain.Expense, error) {
	x, err := e.resubmitExpense(ctx, actor, id)
	if err := e.guard(ctx, actor, "expense", id, "resubmit", err); err != nil {
		return domain.Expense{}, err
	}
	return x, nil
}

func (e Engine) resubmitExpense(ctx context.Context, actor domain.Actor, id string) (domain.Expense, error) {
	orig, err := e.Repo.GetExpense(ctx, nil, id)
	if err != nil {
		return domain.Expense{}, notFound(err, "expense", id)
	}
	if orig.Statut != domain.ExpenseRejected {
		return domain.Expense{}, domain.Statef("expense %s is %s; only rejected expenses can be resubmitted", orig.Numero, orig.Statut)
	}
	if actor.ID != orig.CreatedBy {
		return domain.Expense{}, domain.Permissionf(domain.ReasonRole, "only %s can resubmit expense %s", orig.CreatedBy, orig.Numero)
	}
	return e.createExpense(ctx, actor, ExpenseCreateOptions{
		Motif:        orig.Motif,
		Categorie:    orig.Categorie,
		Quantite:     orig.Quantite,
		PrixUnitaire: orig.PrixUnitaire,
		Commentaire:  orig.Commentaire,
		Justificatif: orig.Justificatif,
		TacheID:      orig.TacheID,
	}, orig.ID)
}

func (e Engine) createExpense(ctx context.Context, actor domain.Actor, opts ExpenseCreateOptions, resubmittedFrom string) (domain.Expense, error) {
	if actor.ID == "" || actor.Role == domain.RoleSystem {
		return domain.Expense{}, domain.Permissionf(domain.ReasonRole, "a registered actor must submit expenses")
	}
	opts.Motif = strings.TrimSpace(opts.Motif)
	opts.TacheID = strings.TrimSpace(opts.TacheID)
	if err := validateInput(opts); err != nil {
		return domain.Expense{}, err
	}
	threshold := e.cfg().Finance.Threshold()
	now := e.now()
	ts := formatInstant(now)
	montant := opts.PrixUnitaire.Mul(decimal.NewFromInt(opts.Quantite))
	x := domain.Expense{
		ID:                    uuid.NewString(),
		Motif:                 opts.Motif,
		Categorie:             opts.Categorie,
		Quantite:              opts.Quantite,
		PrixUnitaire:          opts.PrixUnitaire,
		Montant:               montant,
		Commentaire:           opts.Commentaire,
		Justificatif:          opts.Justificatif,
		Statut:                domain.ExpensePending,
		CreatedBy:             actor.ID,
		TacheID:               opts.TacheID,
		NecessiteValidationDG: montant.GreaterThanOrEqual(threshold),
		ResubmittedFrom:       resubmittedFrom,
		CreatedAt:             ts,
		UpdatedAt:             ts,
		Version:               1,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Expense{}, err
	}
	defer tx.Rollback()

	var task domain.Task
	if x.TacheID != "" {
		task, err = e.Repo.GetTask(ctx, tx, x.TacheID)
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Expense{}, domain.Validationf("tache_id: task %s does not exist", x.TacheID)
		}
		if err != nil {
			return domain.Expense{}, err
		}
		if task.Statut == domain.TaskCancelled {
			return domain.Expense{}, domain.Statef("task %s is cancelled and accepts no expenses", task.Numero)
		}
	}
	if x.Numero, err = e.Repo.NextNumero(ctx, tx, "DEP", now.Year()); err != nil {
		return domain.Expense{}, err
	}
	if task.BudgetAlloue.Valid {
		res, err := e.ledger().Reserve(ctx, tx, task.ID, x.Montant)
		if err != nil {
			return domain.Expense{}, err
		}
		x.BudgetReserved = res.Reserved
		if !res.Reserved {
			x.BudgetWarning = fmt.Sprintf("amount %s exceeds the remaining budget %s of task %s; manual approval required",
				x.Montant, res.Remaining, task.Numero)
		}
	}
	if err := e.Repo.InsertExpense(ctx, tx, x); err != nil {
		return domain.Expense{}, err
	}
	var ob outbox
	payload := events.EventPayload{
		"numero":                  x.Numero,
		"montant":                 x.Montant.String(),
		"necessite_validation_dg": x.NecessiteValidationDG,
		"budget_reserved":         x.BudgetReserved,
	}
	if x.TacheID != "" {
		payload["tache_id"] = x.TacheID
	}
	if resubmittedFrom != "" {
		payload["resubmitted_from"] = resubmittedFrom
	}
	if x.BudgetWarning != "" {
		payload["budget_warning"] = x.BudgetWarning
	}
	if err := e.record(ctx, tx, &ob, actor, change{
		Entity: "expense", ID: x.ID, Action: "create", To: string(x.Statut), Comment: x.Commentaire, Payload: payload,
	}); err != nil {
		return domain.Expense{}, err
	}
	if e.fastPathEligible(x, task) {
		if err := e.fastPath(ctx, tx, &ob, &x); err != nil {
			return domain.Expense{}, err
		}
	} else {
		ob.notify(domain.Notification{
			Roles:      []domain.Role{domain.RoleComptable},
			Title:      "Nouvelle dépense à vérifier",
			Message:    fmt.Sprintf("%s soumise par %s: %s (%s)", x.Numero, actor.ID, x.Motif, x.Montant),
			Type:       "expense.submitted",
			Priority:   expensePriority(x),
			Link:       link("expenses", x.ID),
			EntityKind: "expense",
			EntityID:   x.ID,
		})
	}
	if err := e.commit(ctx, tx, &ob); err != nil {
		return domain.Expense{}, err
	}
	e.decorateExpense(&x)
	return x, nil
}

// fastPathEligible reports whether the system may approve an expense on the
// submitter's behalf: the budget covered it, it stays under the DG threshold,
// and the submitter works the running or validated task it is charged to.
func (e Engine) fastPathEligible(x domain.Expense, task domain.Task) bool {
	if e.cfg().Budget.FastPath == config.FastPathNone || e.cfg().Budget.FastPath == "" {
		return false
	}
	if !x.BudgetReserved || x.NecessiteValidationDG {
		return false
	}
	if task.Statut != domain.TaskRunning && task.Statut != domain.TaskValidated {
		return false
	}
	return task.IsAssigned(x.CreatedBy)
}

func (e Engine) fastPath(ctx context.Context, tx *sql.Tx, ob *outbox, x *domain.Expense) error {
	sys := domain.SystemActor
	ts := e.stamp()
	expected := x.Version
	steps := []domain.ExpenseStatus{domain.ExpenseVerified, domain.ExpenseValidated}
	if e.cfg().Budget.FastPath == config.FastPathPaid {
		steps = append(steps, domain.ExpensePaid)
	}
	for _, to := range steps {
		from := x.Statut
		var action string
		switch to {
		case domain.ExpenseVerified:
			action = "verify"
			x.VerifiedAt, x.VerifiedBy = ts, sys.ID
		case domain.ExpenseValidated:
			action = "validate"
			booked, err := e.ledger().Commit(ctx, tx, x.TacheID, x.Montant, x.BudgetReserved)
			if err != nil {
				return err
			}
			x.BudgetReserved = false
			x.BudgetCommitted = booked
			x.ValidatedAt, x.ValidatedBy = ts, sys.ID
		case domain.ExpensePaid:
			action = "pay"
			x.PaidAt, x.PaidBy = ts, sys.ID
		}
		x.Statut = to
		if err := e.record(ctx, tx, ob, sys, change{
			Entity: "expense", ID: x.ID, Action: action, From: string(from), To: string(to),
			Comment: "approved within task budget", Payload: events.EventPayload{"fast_path": true},
		}); err != nil {
			return err
		}
	}
	x.ApprovedBySystem = true
	x.UpdatedAt = ts
	if err := e.Repo.UpdateExpense(ctx, tx, *x, expected); err != nil {
		return err
	}
	x.Version = expected + 1
	if x.Statut == domain.ExpensePaid {
		ob.notify(domain.Notification{
			Recipients: []string{x.CreatedBy},
			Title:      "Dépense payée",
			Message:    fmt.Sprintf("%s (%s) a été approuvée et payée sur le budget de la mission", x.Numero, x.Montant),
			Type:       "expense.paid",
			Link:       link("expenses", x.ID),
			EntityKind: "expense",
			EntityID:   x.ID,
		})
	} else {
		ob.notify(domain.Notification{
			Roles:      []domain.Role{domain.RoleCaisse},
			Title:      "Dépense à payer",
			Message:    fmt.Sprintf("%s (%s) a été validée sur le budget de la mission", x.Numero, x.Montant),
			Type:       "expense.validated",
			Link:       link("expenses", x.ID),
			EntityKind: "expense",
			EntityID:   x.ID,
		})
	}
	return nil
}

func (e Engine) VerifyExpense(ctx context.Context, actor domain.Actor, id, comment string) (domain.Expense, error) {
	return e.reviewExpense(ctx, actor, id, auth.ExpenseVerify, comment)
}

func (e Engine) ValidateExpense(ctx context.Context, actor domain.Actor, id, comment string) (domain.Expense, error) {
	return e.reviewExpense(ctx, actor, id, auth.ExpenseValidate, comment)
}

func (e Engine) PayExpense(ctx context.Context, actor domain.Actor, id, comment string) (domain.Expense, error) {
	return e.reviewExpense(ctx, actor, id, auth.ExpensePay, comment)
}

// RejectExpense closes an expense for good; motif is mandatory.
func (e Engine) RejectExpense(ctx context.Context, actor domain.Actor, id, motif string) (domain.Expense, error) {
	return e.reviewExpense(ctx, actor, id, auth.ExpenseReject, motif)
}

func (e Engine) reviewExpense(ctx context.Context, actor domain.Actor, id string, t auth.Transition, comment string) (domain.Expense, error) {
	action := strings.TrimPrefix(string(t), "expense.")
	x, err := e.applyExpenseReview(ctx, actor, id, t, action, comment)
	if err := e.guard(ctx, actor, "expense", id, action, err); err != nil {
		return domain.Expense{}, err
	}
	return x, nil
}

func nextExpenseStatus(from domain.ExpenseStatus, t auth.Transition) (domain.ExpenseStatus, bool) {
	switch t {
	case auth.ExpenseVerify:
		return domain.ExpenseVerified, from == domain.ExpensePending
	case auth.ExpenseValidate:
		return domain.ExpenseValidated, from == domain.ExpenseVerified
	case auth.ExpensePay:
		return domain.ExpensePaid, from == domain.ExpenseValidated
	case auth.ExpenseReject:
		return domain.ExpenseRejected, from == domain.ExpensePending || from == domain.ExpenseVerified || from == domain.ExpenseValidated
	}
	return "", false
}

func (e Engine) applyExpenseReview(ctx context.Context, actor domain.Actor, id string, t auth.Transition, action, comment string) (domain.Expense, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Expense{}, err
	}
	defer tx.Rollback()

	x, err := e.Repo.GetExpense(ctx, tx, id)
	if err != nil {
		return domain.Expense{}, notFound(err, "expense", id)
	}
	from := x.Statut
	to, ok := nextExpenseStatus(from, t)
	if !ok {
		return domain.Expense{}, domain.Statef("cannot %s expense %s in state %s", action, x.Numero, from)
	}
	if x.TacheID != "" && t != auth.ExpenseReject {
		task, err := e.Repo.GetTask(ctx, tx, x.TacheID)
		if err != nil {
			return domain.Expense{}, notFound(err, "task", x.TacheID)
		}
		if task.Statut == domain.TaskCancelled {
			return domain.Expense{}, domain.Statef("task %s is cancelled; expense %s can only be rejected", task.Numero, x.Numero)
		}
	}
	if err := e.Policy.CanTransition(actor, auth.Subject{
		Kind: "expense", ID: x.ID, CreatorID: x.CreatedBy, RequiresDG: x.NecessiteValidationDG,
	}, t); err != nil {
		return domain.Expense{}, err
	}
	comment = strings.TrimSpace(comment)
	ts := e.stamp()
	expected := x.Version
	switch t {
	case auth.ExpenseVerify:
		x.VerifiedAt, x.VerifiedBy = ts, actor.ID
	case auth.ExpenseValidate:
		if x.TacheID != "" {
			booked, err := e.ledger().Commit(ctx, tx, x.TacheID, x.Montant, x.BudgetReserved)
			if err != nil {
				return domain.Expense{}, err
			}
			x.BudgetCommitted = booked
		}
		x.BudgetReserved = false
		x.ValidatedAt, x.ValidatedBy = ts, actor.ID
		x.CommentaireValidation = comment
	case auth.ExpensePay:
		x.PaidAt, x.PaidBy = ts, actor.ID
	case auth.ExpenseReject:
		if comment == "" {
			return domain.Expense{}, domain.Validationf("motif_rejet is required to reject an expense")
		}
		switch {
		case x.BudgetCommitted:
			if err := e.ledger().Release(ctx, tx, x.TacheID, x.Montant, true); err != nil {
				return domain.Expense{}, err
			}
		case x.BudgetReserved:
			if err := e.ledger().Release(ctx, tx, x.TacheID, x.Montant, false); err != nil {
				return domain.Expense{}, err
			}
		}
		x.BudgetCommitted, x.BudgetReserved = false, false
		x.RejectedAt, x.RejectedBy = ts, actor.ID
		x.MotifRejet = comment
	}
	x.Statut = to
	x.UpdatedAt = ts
	if err := e.Repo.UpdateExpense(ctx, tx, x, expected); err != nil {
		return domain.Expense{}, err
	}
	x.Version = expected + 1

	var ob outbox
	if err := e.record(ctx, tx, &ob, actor, change{
		Entity: "expense", ID: x.ID, Action: action, From: string(from), To: string(to), Comment: comment,
		Payload: events.EventPayload{"numero": x.Numero, "montant": x.Montant.String()},
	}); err != nil {
		return domain.Expense{}, err
	}
	ob.notify(expenseNotification(x, t, actor))
	if err := e.commit(ctx, tx, &ob); err != nil {
		return domain.Expense{}, err
	}
	e.decorateExpense(&x)
	return x, nil
}

func expenseNotification(x domain.Expense, t auth.Transition, actor domain.Actor) domain.Notification {
	n := domain.Notification{
		Type:       "expense." + string(x.Statut),
		Priority:   expensePriority(x),
		Link:       link("expenses", x.ID),
		EntityKind: "expense",
		EntityID:   x.ID,
	}
	switch t {
	case auth.ExpenseVerify:
		n.Roles = []domain.Role{domain.RoleComptable}
		if x.NecessiteValidationDG {
			n.Roles = []domain.Role{domain.RoleDG}
		}
		n.Title = "Dépense à valider"
		n.Message = fmt.Sprintf("%s (%s) vérifiée par %s", x.Numero, x.Montant, actor.ID)
	case auth.ExpenseValidate:
		n.Roles = []domain.Role{domain.RoleCaisse}
		n.Title = "Dépense à payer"
		n.Message = fmt.Sprintf("%s (%s) validée par %s", x.Numero, x.Montant, actor.ID)
	case auth.ExpensePay:
		n.Recipients = []string{x.CreatedBy}
		n.Title = "Dépense payée"
		n.Message = fmt.Sprintf("%s (%s) a été payée", x.Numero, x.Montant)
	case auth.ExpenseReject:
		n.Recipients = []string{x.CreatedBy}
		n.Title = "Dépense rejetée"
		n.Message = fmt.Sprintf("%s rejetée par %s: %s", x.Numero, actor.ID, x.MotifRejet)
		n.Priority = "haute"
	}
	return n
}

func expensePriority(x domain.Expense) string {
	if x.NecessiteValidationDG {
		return "haute"
	}
	return "normale"
}

func (e Engine) GetExpense(ctx context.Context, id string) (domain.Expense, error) {
	x, err := e.Repo.GetExpense(ctx, nil, id)
	if err != nil {
		return domain.Expense{}, notFound(err, "expense", id)
	}
	e.decorateExpense(&x)
	return x, nil
}

func (e Engine) ListExpenses(ctx context.Context, f repo.ExpenseFilters) ([]domain.Expense, error) {
	list, err := e.Repo.ListExpenses(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range list {
		e.decorateExpense(&list[i])
	}
	return list, nil
}

// decorateExpense flags pending expenses by age.
func (e Engine) decorateExpense(x *domain.Expense) {
	x.EnAlerte, x.EnRetard = false, false
	if x.Statut != domain.ExpensePending {
		return
	}
	created, err := time.Parse(time.RFC3339, x.CreatedAt)
	if err != nil {
		return
	}
	age := e.now().Sub(created)
	cfg := e.cfg().Expenses
	switch {
	case age >= days(cfg.OverdueAfterDays):
		x.EnRetard = true
	case age >= days(cfg.AlertAfterDays):
		x.EnAlerte = true
	}
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
