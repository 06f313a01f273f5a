package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"ipmf/internal/config"
	"ipmf/internal/db"
	"ipmf/internal/domain"
	"ipmf/internal/engine"
	"ipmf/internal/migrate"
	"ipmf/internal/repo"
)

var (
	admin     = domain.Actor{ID: "adm", Role: domain.RoleAdmin}
	dg        = domain.Actor{ID: "dg1", Role: domain.RoleDG}
	dg2       = domain.Actor{ID: "dg2", Role: domain.RoleDG}
	comptable = domain.Actor{ID: "cpt", Role: domain.RoleComptable}
	caisse    = domain.Actor{ID: "csh", Role: domain.RoleCaisse}
	agent     = domain.Actor{ID: "ag1", Role: domain.RoleAgent}
	agent2    = domain.Actor{ID: "ag2", Role: domain.RoleAgent}
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	for _, m := range mutate {
		m(cfg)
	}
	env := &testEnv{Ctx: context.Background()}
	now := epoch
	env.clock = &now
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return *env.clock }
	env.Engine = eng
	return env
}

func (env *testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (env *testEnv) task(t *testing.T, budget string, assignees ...string) domain.Task {
	t.Helper()
	if len(assignees) == 0 {
		assignees = []string{agent.ID}
	}
	opts := engine.TaskCreateOptions{
		Titre:          "Mission terrain",
		DateEcheance:   "2024-01-10",
		AgentsAssignes: assignees,
	}
	if budget != "" {
		b := dec(budget)
		opts.BudgetAlloue = &b
	}
	task, err := env.Engine.CreateTask(env.Ctx, dg, opts)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (env *testEnv) runningTask(t *testing.T, budget string, assignees ...string) domain.Task {
	t.Helper()
	task := env.task(t, budget, assignees...)
	task, err := env.Engine.StartTask(env.Ctx, agent, task.ID)
	if err != nil {
		t.Fatalf("start task: %v", err)
	}
	return task
}

func (env *testEnv) expense(t *testing.T, by domain.Actor, qty int64, prix, taskID string) domain.Expense {
	t.Helper()
	x, err := env.Engine.CreateExpense(env.Ctx, by, engine.ExpenseCreateOptions{
		Motif:        "Carburant",
		Categorie:    "mission",
		Quantite:     qty,
		PrixUnitaire: dec(prix),
		TacheID:      taskID,
	})
	if err != nil {
		t.Fatalf("create expense: %v", err)
	}
	return x
}

func (env *testEnv) budget(t *testing.T, taskID string) domain.LedgerEntry {
	t.Helper()
	l, err := env.Engine.BudgetFor(env.Ctx, taskID)
	if err != nil {
		t.Fatalf("budget: %v", err)
	}
	return l
}

func TestScenarioA_ExpenseConsumesTaskBudget(t *testing.T) {
	env := newTestEnv(t)
	task := env.runningTask(t, "500000")
	x := env.expense(t, agent, 2, "100000", task.ID)
	if !x.Montant.Equal(dec("200000")) {
		t.Fatalf("montant = %s", x.Montant)
	}
	if !x.BudgetReserved || x.BudgetWarning != "" {
		t.Fatalf("expected reservation without warning, got %+v", x)
	}
	if l := env.budget(t, task.ID); !l.Remaining.Equal(dec("300000")) {
		t.Fatalf("remaining after reservation = %s", l.Remaining)
	}

	var err error
	if x, err = env.Engine.VerifyExpense(env.Ctx, comptable, x.ID, "ok"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if x, err = env.Engine.ValidateExpense(env.Ctx, comptable, x.ID, ""); err != nil {
		t.Fatalf("validate: %v", err)
	}
	l := env.budget(t, task.ID)
	if !l.Remaining.Equal(dec("300000")) || !l.Spent.Equal(dec("200000")) || !l.Reserved.IsZero() {
		t.Fatalf("ledger after commit = %+v", l)
	}
	if x, err = env.Engine.PayExpense(env.Ctx, caisse, x.ID, ""); err != nil || x.Statut != domain.ExpensePaid {
		t.Fatalf("pay: %v %s", err, x.Statut)
	}
}

func TestScenarioB_SelfApprovalRefused(t *testing.T) {
	env := newTestEnv(t)
	x := env.expense(t, comptable, 1, "5000", "")
	_, err := env.Engine.VerifyExpense(env.Ctx, comptable, x.ID, "")
	if !errors.Is(err, domain.ErrSelfApproval) {
		t.Fatalf("expected self-approval, got %v", err)
	}
	if errors.Is(err, domain.ErrRole) {
		t.Fatalf("self-approval must be distinguishable from a role mismatch")
	}
	got, _ := env.Engine.GetExpense(env.Ctx, x.ID)
	if got.Statut != domain.ExpensePending {
		t.Fatalf("status changed to %s", got.Statut)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, repo.EventFilters{Type: "expense.verify.denied"})
	if err != nil || len(evts) != 1 {
		t.Fatalf("expected one denial event, got %d (%v)", len(evts), err)
	}
}

func TestScenarioC_DGThresholdValidation(t *testing.T) {
	env := newTestEnv(t)
	x := env.expense(t, agent, 1, "750000", "")
	if !x.NecessiteValidationDG {
		t.Fatalf("expected DG validation above threshold")
	}
	if _, err := env.Engine.VerifyExpense(env.Ctx, comptable, x.ID, ""); err != nil {
		t.Fatalf("verify: %v", err)
	}
	_, err := env.Engine.ValidateExpense(env.Ctx, comptable, x.ID, "")
	if !errors.Is(err, domain.ErrRole) {
		t.Fatalf("expected role error, got %v", err)
	}
	x, err = env.Engine.ValidateExpense(env.Ctx, dg, x.ID, "accord")
	if err != nil {
		t.Fatalf("dg validate: %v", err)
	}
	if x.Statut != domain.ExpenseValidated || x.ValidatedBy != dg.ID {
		t.Fatalf("unexpected expense %+v", x)
	}
}

func TestScenarioD_SweepFailsOverdueTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.runningTask(t, "")
	env.advance(10 * 24 * time.Hour)

	res, err := env.Engine.SweepOverdue(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(res.Failed) != 1 || res.Failed[0] != task.ID {
		t.Fatalf("unexpected sweep result %+v", res)
	}
	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Statut != domain.TaskFinished || got.Resultat != domain.ResultAutoFailed || got.DateFinReelle == "" {
		t.Fatalf("unexpected task after sweep %+v", got)
	}
	_, err = env.Engine.CompleteTask(env.Ctx, agent, task.ID, "rapport", "")
	if !errors.Is(err, domain.ErrState) {
		t.Fatalf("expected state error, got %v", err)
	}
}

func TestScenarioE_ConcurrentReservations(t *testing.T) {
	for _, mode := range []string{config.EnforcementSoft, config.EnforcementHard} {
		t.Run(mode, func(t *testing.T) {
			env := newTestEnv(t, func(c *config.Config) { c.Budget.Enforcement = mode })
			task := env.runningTask(t, "100000")

			results := make([]domain.Expense, 2)
			errs := make([]error, 2)
			var g errgroup.Group
			for i := 0; i < 2; i++ {
				i := i
				g.Go(func() error {
					results[i], errs[i] = env.Engine.CreateExpense(env.Ctx, agent, engine.ExpenseCreateOptions{
						Motif: "Hébergement", Categorie: "mission", Quantite: 1, PrixUnitaire: dec("60000"), TacheID: task.ID,
					})
					return nil
				})
			}
			_ = g.Wait()

			reserved, refused := 0, 0
			for i := range results {
				switch {
				case errs[i] == nil && results[i].BudgetReserved:
					reserved++
				case errs[i] == nil && results[i].BudgetWarning != "":
					if mode == config.EnforcementHard {
						t.Fatalf("hard mode must not fall back to manual approval")
					}
					refused++
				case errors.Is(errs[i], domain.ErrBudgetExceeded):
					if mode == config.EnforcementSoft {
						t.Fatalf("soft mode must not fail the submission")
					}
					refused++
				default:
					t.Fatalf("unexpected outcome %+v %v", results[i], errs[i])
				}
			}
			if reserved != 1 || refused != 1 {
				t.Fatalf("reserved=%d refused=%d", reserved, refused)
			}
			l := env.budget(t, task.ID)
			if !l.Reserved.Equal(dec("60000")) || !l.Remaining.Equal(dec("40000")) {
				t.Fatalf("ledger %+v", l)
			}
		})
	}
}

func TestTerminalExpenseStatesRejectTransitions(t *testing.T) {
	env := newTestEnv(t)
	paid := env.expense(t, agent, 1, "1000", "")
	var err error
	for _, step := range []func() (domain.Expense, error){
		func() (domain.Expense, error) { return env.Engine.VerifyExpense(env.Ctx, comptable, paid.ID, "") },
		func() (domain.Expense, error) { return env.Engine.ValidateExpense(env.Ctx, admin, paid.ID, "") },
		func() (domain.Expense, error) { return env.Engine.PayExpense(env.Ctx, caisse, paid.ID, "") },
	} {
		if paid, err = step(); err != nil {
			t.Fatalf("chain: %v", err)
		}
	}
	rejected := env.expense(t, agent, 1, "1000", "")
	if _, err := env.Engine.RejectExpense(env.Ctx, comptable, rejected.ID, "doublon"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	for _, id := range []string{paid.ID, rejected.ID} {
		if _, err := env.Engine.VerifyExpense(env.Ctx, admin, id, ""); !errors.Is(err, domain.ErrState) {
			t.Fatalf("verify on terminal: %v", err)
		}
		if _, err := env.Engine.RejectExpense(env.Ctx, admin, id, "late"); !errors.Is(err, domain.ErrState) {
			t.Fatalf("reject on terminal: %v", err)
		}
	}
}

func TestRejectRequiresMotifAndReleasesBudget(t *testing.T) {
	env := newTestEnv(t)
	task := env.runningTask(t, "100000")
	x := env.expense(t, agent, 1, "30000", task.ID)
	if _, err := env.Engine.RejectExpense(env.Ctx, comptable, x.ID, "  "); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := env.Engine.RejectExpense(env.Ctx, comptable, x.ID, "hors périmètre"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if l := env.budget(t, task.ID); !l.Remaining.Equal(dec("100000")) || !l.Reserved.IsZero() {
		t.Fatalf("reservation not released: %+v", l)
	}

	y := env.expense(t, agent, 1, "40000", task.ID)
	for _, step := range []func() (domain.Expense, error){
		func() (domain.Expense, error) { return env.Engine.VerifyExpense(env.Ctx, comptable, y.ID, "") },
		func() (domain.Expense, error) { return env.Engine.ValidateExpense(env.Ctx, comptable, y.ID, "") },
	} {
		if _, err := step(); err != nil {
			t.Fatal(err)
		}
	}
	if l := env.budget(t, task.ID); !l.Spent.Equal(dec("40000")) {
		t.Fatalf("spent = %s", l.Spent)
	}
	if _, err := env.Engine.RejectExpense(env.Ctx, dg, y.ID, "justificatif invalide"); err != nil {
		t.Fatalf("reject validated: %v", err)
	}
	if l := env.budget(t, task.ID); !l.Spent.IsZero() || !l.Remaining.Equal(dec("100000")) {
		t.Fatalf("spend not reversed: %+v", l)
	}
}

func TestExpenseValidationErrors(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]engine.ExpenseCreateOptions{
		"missing motif":  {Categorie: "mission", Quantite: 1, PrixUnitaire: dec("10")},
		"zero quantity":  {Motif: "x", Categorie: "mission", Quantite: 0, PrixUnitaire: dec("10")},
		"negative price": {Motif: "x", Categorie: "mission", Quantite: 1, PrixUnitaire: dec("-10")},
		"sub-cent price": {Motif: "x", Categorie: "mission", Quantite: 3, PrixUnitaire: dec("0.3333333")},
		"bad category":   {Motif: "x", Categorie: "loisirs", Quantite: 1, PrixUnitaire: dec("10")},
		"unknown task":   {Motif: "x", Categorie: "mission", Quantite: 1, PrixUnitaire: dec("10"), TacheID: "nope"},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := env.Engine.CreateExpense(env.Ctx, agent, opts); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestAmountsAreKeptInCents(t *testing.T) {
	env := newTestEnv(t)
	x := env.expense(t, agent, 2, "12.500", "")
	if !x.Montant.Equal(dec("25")) {
		t.Fatalf("montant = %s", x.Montant)
	}
	_, err := env.Engine.CreateExpense(env.Ctx, agent, engine.ExpenseCreateOptions{
		Motif: "x", Categorie: "mission", Quantite: 3, PrixUnitaire: dec("0.3333333"),
	})
	var derr *domain.Error
	if !errors.As(err, &derr) || derr.Kind != domain.KindValidation {
		t.Fatalf("sub-cent price: %v", err)
	}
	if fields, _ := derr.Details["fields"].([]string); len(fields) != 1 || fields[0] != "prix_unitaire" {
		t.Fatalf("fields = %v", derr.Details["fields"])
	}
}

func TestMontantIsDerivedAndImmutable(t *testing.T) {
	env := newTestEnv(t)
	x := env.expense(t, agent, 3, "1250.50", "")
	if !x.Montant.Equal(dec("3751.5")) {
		t.Fatalf("montant = %s", x.Montant)
	}
	if _, err := env.Engine.VerifyExpense(env.Ctx, comptable, x.ID, ""); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.GetExpense(env.Ctx, x.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Montant.Equal(got.PrixUnitaire.Mul(decimal.NewFromInt(got.Quantite))) || !got.Montant.Equal(x.Montant) {
		t.Fatalf("montant drifted: %+v", got)
	}
	if got.Numero != "DEP-2024-001" {
		t.Fatalf("numero = %s", got.Numero)
	}
}

func TestRecordedApproversNeverEqualCreator(t *testing.T) {
	env := newTestEnv(t)
	x := env.expense(t, comptable, 1, "1000", "")
	if _, err := env.Engine.VerifyExpense(env.Ctx, admin, x.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ValidateExpense(env.Ctx, comptable, x.ID, ""); !errors.Is(err, domain.ErrSelfApproval) {
		t.Fatalf("expected self-approval, got %v", err)
	}
	x, err := env.Engine.ValidateExpense(env.Ctx, admin, x.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	x, err = env.Engine.PayExpense(env.Ctx, caisse, x.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	for _, by := range []string{x.VerifiedBy, x.ValidatedBy, x.PaidBy} {
		if by == x.CreatedBy {
			t.Fatalf("approver %s equals creator", by)
		}
	}
}

func TestExpenseAgeingFlags(t *testing.T) {
	env := newTestEnv(t)
	x := env.expense(t, agent, 1, "1000", "")
	env.advance(4 * 24 * time.Hour)
	got, _ := env.Engine.GetExpense(env.Ctx, x.ID)
	if !got.EnAlerte || got.EnRetard {
		t.Fatalf("expected alert flag after 4 days: %+v", got)
	}
	env.advance(4 * 24 * time.Hour)
	got, _ = env.Engine.GetExpense(env.Ctx, x.ID)
	if got.EnAlerte || !got.EnRetard {
		t.Fatalf("expected overdue flag after 8 days: %+v", got)
	}
}

func TestResubmitRejectedExpense(t *testing.T) {
	env := newTestEnv(t)
	x := env.expense(t, agent, 2, "500", "")
	if _, err := env.Engine.ResubmitExpense(env.Ctx, agent, x.ID); !errors.Is(err, domain.ErrState) {
		t.Fatalf("resubmit pending: %v", err)
	}
	if _, err := env.Engine.RejectExpense(env.Ctx, comptable, x.ID, "montant erroné"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResubmitExpense(env.Ctx, agent2, x.ID); !errors.Is(err, domain.ErrPermission) {
		t.Fatalf("resubmit by other actor: %v", err)
	}
	y, err := env.Engine.ResubmitExpense(env.Ctx, agent, x.ID)
	if err != nil {
		t.Fatal(err)
	}
	if y.ID == x.ID || y.ResubmittedFrom != x.ID || y.Statut != domain.ExpensePending {
		t.Fatalf("unexpected resubmission %+v", y)
	}
	orig, _ := env.Engine.GetExpense(env.Ctx, x.ID)
	if orig.Statut != domain.ExpenseRejected {
		t.Fatalf("original reopened: %s", orig.Statut)
	}
}

func TestFastPathSkipsToValidated(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Budget.FastPath = config.FastPathValidated })
	task := env.runningTask(t, "100000")
	x := env.expense(t, agent, 1, "20000", task.ID)
	if x.Statut != domain.ExpenseValidated || !x.ApprovedBySystem || x.VerifiedBy != domain.SystemActor.ID {
		t.Fatalf("unexpected fast path result %+v", x)
	}
	if l := env.budget(t, task.ID); !l.Spent.Equal(dec("20000")) || !l.Reserved.IsZero() {
		t.Fatalf("ledger %+v", l)
	}

	outsider := env.expense(t, agent2, 1, "20000", task.ID)
	if outsider.Statut != domain.ExpensePending {
		t.Fatalf("non-assignee expense took the fast path")
	}
	over := env.expense(t, agent, 1, "90000", task.ID)
	if over.Statut != domain.ExpensePending || over.BudgetWarning == "" {
		t.Fatalf("over-budget expense took the fast path: %+v", over)
	}
}

func TestFastPathSkipsToPaid(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Budget.FastPath = config.FastPathPaid })
	task := env.runningTask(t, "100000")
	x := env.expense(t, agent, 1, "20000", task.ID)
	if x.Statut != domain.ExpensePaid || x.PaidBy != domain.SystemActor.ID {
		t.Fatalf("unexpected fast path result %+v", x)
	}
	n, err := env.Engine.Repo.CountEvents(env.Ctx, nil, "expense.pay", x.ID)
	if err != nil || n != 1 {
		t.Fatalf("pay events = %d (%v)", n, err)
	}
}

func TestHardCapNeverOverspends(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Budget.Enforcement = config.EnforcementHard })
	task := env.runningTask(t, "100000")
	var g errgroup.Group
	for i := 0; i < 5; i++ {
		g.Go(func() error {
			_, err := env.Engine.CreateExpense(env.Ctx, agent, engine.ExpenseCreateOptions{
				Motif: "Repas", Categorie: "mission", Quantite: 1, PrixUnitaire: dec("30000"), TacheID: task.ID,
			})
			if err != nil && !errors.Is(err, domain.ErrBudgetExceeded) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	l := env.budget(t, task.ID)
	if l.Reserved.Add(l.Spent).GreaterThan(l.Allocated) {
		t.Fatalf("ledger overspent: %+v", l)
	}
	if !l.Reserved.Equal(dec("90000")) {
		t.Fatalf("reserved = %s", l.Reserved)
	}
}

func TestListExpensesFilters(t *testing.T) {
	env := newTestEnv(t)
	task := env.runningTask(t, "")
	env.expense(t, agent, 1, "100", task.ID)
	env.expense(t, agent2, 1, "100", "")
	list, err := env.Engine.ListExpenses(env.Ctx, repo.ExpenseFilters{TacheID: task.ID})
	if err != nil || len(list) != 1 {
		t.Fatalf("by task: %d %v", len(list), err)
	}
	list, err = env.Engine.ListExpenses(env.Ctx, repo.ExpenseFilters{Statut: string(domain.ExpensePending)})
	if err != nil || len(list) != 2 {
		t.Fatalf("by status: %d %v", len(list), err)
	}
}
