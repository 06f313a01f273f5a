package engine_test

import (
	"errors"
	"testing"

	"ipmf/internal/domain"
	"ipmf/internal/engine"
	"ipmf/internal/repo"
)

func incomeOpts(montant string) engine.IncomeCreateOptions {
	return engine.IncomeCreateOptions{
		Motif:        "Subvention",
		Montant:      dec(montant),
		ModePaiement: "virement",
		DateEntree:   "2023-12-28",
	}
}

func TestIncomeConfirm(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateIncome(env.Ctx, agent, incomeOpts("50000")); !errors.Is(err, domain.ErrRole) {
		t.Fatalf("agent recording income: %v", err)
	}
	in, err := env.Engine.CreateIncome(env.Ctx, caisse, incomeOpts("50000"))
	if err != nil {
		t.Fatal(err)
	}
	if in.Numero != "ENT-2024-001" || in.Statut != domain.IncomePending || in.DateEntree != "2023-12-28" {
		t.Fatalf("unexpected income %+v", in)
	}
	in, err = env.Engine.ConfirmIncome(env.Ctx, comptable, in.ID, "")
	if err != nil || in.Statut != domain.IncomeConfirmed || in.ConfirmedBy != comptable.ID {
		t.Fatalf("confirm: %v %+v", err, in)
	}
	if _, err := env.Engine.CancelIncome(env.Ctx, dg, in.ID, "erreur"); !errors.Is(err, domain.ErrState) {
		t.Fatalf("cancel confirmed: %v", err)
	}
}

func TestIncomeCancelRequiresMotif(t *testing.T) {
	env := newTestEnv(t)
	in, err := env.Engine.CreateIncome(env.Ctx, comptable, incomeOpts("2000"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CancelIncome(env.Ctx, dg, in.ID, ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("cancel without motif: %v", err)
	}
	in, err = env.Engine.CancelIncome(env.Ctx, dg, in.ID, "chèque sans provision")
	if err != nil || in.Statut != domain.IncomeCancelled || in.MotifAnnulation == "" {
		t.Fatalf("cancel: %v %+v", err, in)
	}
	list, err := env.Engine.ListIncomes(env.Ctx, repo.IncomeFilters{Statut: string(domain.IncomeCancelled)})
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %d %v", len(list), err)
	}
}

func TestIncomeValidation(t *testing.T) {
	env := newTestEnv(t)
	future := incomeOpts("2000")
	future.DateEntree = "2024-02-01"
	badMode := incomeOpts("2000")
	badMode.ModePaiement = "troc"
	cases := map[string]engine.IncomeCreateOptions{
		"below minimum":   incomeOpts("500"),
		"future date":     future,
		"bad mode":        badMode,
		"zero amount":     incomeOpts("0"),
		"sub-cent amount": incomeOpts("2000.005"),
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := env.Engine.CreateIncome(env.Ctx, caisse, opts); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}
