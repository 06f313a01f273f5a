package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ipmf/internal/domain"
	"ipmf/internal/engine/auth"
	"ipmf/internal/events"
	"ipmf/internal/repo"
)

type IncomeCreateOptions struct {
	Motif        string          `json:"motif" validate:"required,max=500"`
	Montant      decimal.Decimal `json:"montant" validate:"money"`
	ModePaiement string          `json:"mode_paiement" validate:"required,oneof=especes virement cheque carte mobile"`
	DateEntree   string          `json:"date_entree" validate:"required"`
	Commentaire  string          `json:"commentaire"`
	Justificatif string          `json:"justificatif"`
}

func (e Engine) CreateIncome(ctx context.Context, actor domain.Actor, opts IncomeCreateOptions) (domain.Income, error) {
	in, err := e.createIncome(ctx, actor, opts)
	if err := e.guard(ctx, actor, "income", "", "create", err); err != nil {
		return domain.Income{}, err
	}
	return in, nil
}

func (e Engine) createIncome(ctx context.Context, actor domain.Actor, opts IncomeCreateOptions) (domain.Income, error) {
	if err := e.Policy.CanTransition(actor, auth.Subject{Kind: "income"}, auth.IncomeCreate); err != nil {
		return domain.Income{}, err
	}
	opts.Motif = strings.TrimSpace(opts.Motif)
	if err := validateInput(opts); err != nil {
		return domain.Income{}, err
	}
	fin := e.cfg().Finance
	if opts.Montant.LessThan(fin.MinIncome()) || opts.Montant.GreaterThan(fin.MaxIncome()) {
		return domain.Income{}, domain.Validationf("montant %s must be between %s and %s", opts.Montant, fin.MinIncome(), fin.MaxIncome())
	}
	entered, err := parseInstant("date_entree", opts.DateEntree, false)
	if err != nil {
		return domain.Income{}, err
	}
	now := e.now()
	if entered.Format("2006-01-02") > now.Format("2006-01-02") {
		return domain.Income{}, domain.Validationf("date_entree %s is in the future", entered.Format("2006-01-02"))
	}
	ts := formatInstant(now)
	in := domain.Income{
		ID:           uuid.NewString(),
		Motif:        opts.Motif,
		Montant:      opts.Montant,
		ModePaiement: opts.ModePaiement,
		DateEntree:   entered.Format("2006-01-02"),
		Commentaire:  opts.Commentaire,
		Justificatif: opts.Justificatif,
		Statut:       domain.IncomePending,
		CreatedBy:    actor.ID,
		CreatedAt:    ts,
		UpdatedAt:    ts,
		Version:      1,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Income{}, err
	}
	defer tx.Rollback()

	if in.Numero, err = e.Repo.NextNumero(ctx, tx, "ENT", now.Year()); err != nil {
		return domain.Income{}, err
	}
	if err := e.Repo.InsertIncome(ctx, tx, in); err != nil {
		return domain.Income{}, err
	}
	var ob outbox
	if err := e.record(ctx, tx, &ob, actor, change{
		Entity: "income", ID: in.ID, Action: "create", To: string(in.Statut), Comment: in.Commentaire,
		Payload: events.EventPayload{"numero": in.Numero, "montant": in.Montant.String(), "mode_paiement": in.ModePaiement},
	}); err != nil {
		return domain.Income{}, err
	}
	ob.notify(domain.Notification{
		Roles:      []domain.Role{domain.RoleComptable},
		Title:      "Nouvelle entrée à confirmer",
		Message:    fmt.Sprintf("%s enregistrée par %s: %s (%s)", in.Numero, actor.ID, in.Motif, in.Montant),
		Type:       "income.submitted",
		Link:       link("incomes", in.ID),
		EntityKind: "income",
		EntityID:   in.ID,
	})
	if err := e.commit(ctx, tx, &ob); err != nil {
		return domain.Income{}, err
	}
	return in, nil
}

func (e Engine) ConfirmIncome(ctx context.Context, actor domain.Actor, id, comment string) (domain.Income, error) {
	return e.transitionIncome(ctx, actor, id, auth.IncomeConfirm, comment)
}

// CancelIncome closes a pending income; motif is mandatory.
func (e Engine) CancelIncome(ctx context.Context, actor domain.Actor, id, motif string) (domain.Income, error) {
	return e.transitionIncome(ctx, actor, id, auth.IncomeCancel, motif)
}

func (e Engine) transitionIncome(ctx context.Context, actor domain.Actor, id string, t auth.Transition, comment string) (domain.Income, error) {
	action := strings.TrimPrefix(string(t), "income.")
	in, err := e.applyIncomeTransition(ctx, actor, id, t, action, comment)
	if err := e.guard(ctx, actor, "income", id, action, err); err != nil {
		return domain.Income{}, err
	}
	return in, nil
}

func (e Engine) applyIncomeTransition(ctx context.Context, actor domain.Actor, id string, t auth.Transition, action, comment string) (domain.Income, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Income{}, err
	}
	defer tx.Rollback()

	in, err := e.Repo.GetIncome(ctx, tx, id)
	if err != nil {
		return domain.Income{}, notFound(err, "income", id)
	}
	from := in.Statut
	if from != domain.IncomePending {
		return domain.Income{}, domain.Statef("cannot %s income %s in state %s", action, in.Numero, from)
	}
	if err := e.Policy.CanTransition(actor, auth.Subject{Kind: "income", ID: in.ID, CreatorID: in.CreatedBy}, t); err != nil {
		return domain.Income{}, err
	}
	comment = strings.TrimSpace(comment)
	ts := e.stamp()
	expected := in.Version
	n := domain.Notification{
		Recipients: []string{in.CreatedBy},
		Link:       link("incomes", in.ID),
		EntityKind: "income",
		EntityID:   in.ID,
	}
	switch t {
	case auth.IncomeConfirm:
		in.Statut = domain.IncomeConfirmed
		in.ConfirmedAt, in.ConfirmedBy = ts, actor.ID
		n.Title, n.Type = "Entrée confirmée", "income.confirmee"
		n.Message = fmt.Sprintf("%s (%s) confirmée par %s", in.Numero, in.Montant, actor.ID)
	case auth.IncomeCancel:
		if comment == "" {
			return domain.Income{}, domain.Validationf("motif_annulation is required to cancel an income")
		}
		in.Statut = domain.IncomeCancelled
		in.CancelledAt, in.CancelledBy = ts, actor.ID
		in.MotifAnnulation = comment
		n.Title, n.Type = "Entrée annulée", "income.annulee"
		n.Message = fmt.Sprintf("%s annulée par %s: %s", in.Numero, actor.ID, comment)
	}
	in.UpdatedAt = ts
	if err := e.Repo.UpdateIncome(ctx, tx, in, expected); err != nil {
		return domain.Income{}, err
	}
	in.Version = expected + 1

	var ob outbox
	if err := e.record(ctx, tx, &ob, actor, change{
		Entity: "income", ID: in.ID, Action: action, From: string(from), To: string(in.Statut), Comment: comment,
		Payload: events.EventPayload{"numero": in.Numero},
	}); err != nil {
		return domain.Income{}, err
	}
	if in.CreatedBy != actor.ID {
		ob.notify(n)
	}
	if err := e.commit(ctx, tx, &ob); err != nil {
		return domain.Income{}, err
	}
	return in, nil
}

func (e Engine) GetIncome(ctx context.Context, id string) (domain.Income, error) {
	in, err := e.Repo.GetIncome(ctx, nil, id)
	return in, notFound(err, "income", id)
}

func (e Engine) ListIncomes(ctx context.Context, f repo.IncomeFilters) ([]domain.Income, error) {
	return e.Repo.ListIncomes(ctx, f)
}
