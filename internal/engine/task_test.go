package engine_test

import (
	"errors"
	"testing"
	"time"

	"ipmf/internal/domain"
	"ipmf/internal/engine"
	"ipmf/internal/repo"
)

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "")
	if task.Statut != domain.TaskCreated || task.Numero != "TSK-2024-001" || task.Priorite != "moyenne" {
		t.Fatalf("unexpected task %+v", task)
	}
	if _, err := env.Engine.StartTask(env.Ctx, agent2, task.ID); !errors.Is(err, domain.ErrRole) {
		t.Fatalf("start by outsider: %v", err)
	}
	task, err := env.Engine.StartTask(env.Ctx, agent, task.ID)
	if err != nil || task.Statut != domain.TaskRunning || task.DateDebutReelle == "" {
		t.Fatalf("start: %v %+v", err, task)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, agent, task.ID, "", ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("complete without report: %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, dg, task.ID, "fait", ""); !errors.Is(err, domain.ErrPermission) {
		t.Fatalf("complete by non-assignee: %v", err)
	}
	task, err = env.Engine.CompleteTask(env.Ctx, agent, task.ID, "Inventaire réalisé", "rapport.pdf")
	if err != nil || task.Statut != domain.TaskFinished || task.Resultat != domain.ResultSuccess || task.Pourcentage != 100 {
		t.Fatalf("complete: %v %+v", err, task)
	}
	if _, err := env.Engine.ValidateTask(env.Ctx, dg, task.ID, ""); !errors.Is(err, domain.ErrSelfApproval) {
		t.Fatalf("creator validating own task: %v", err)
	}
	if _, err := env.Engine.ValidateTask(env.Ctx, comptable, task.ID, ""); !errors.Is(err, domain.ErrRole) {
		t.Fatalf("comptable validating task: %v", err)
	}
	if _, err := env.Engine.RejectTaskToRework(env.Ctx, dg2, task.ID, ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("rework without comment: %v", err)
	}
	task, err = env.Engine.RejectTaskToRework(env.Ctx, dg2, task.ID, "photos manquantes")
	if err != nil || task.Statut != domain.TaskRunning || task.Resultat != domain.ResultNone || task.DateFinReelle != "" {
		t.Fatalf("rework: %v %+v", err, task)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, agent, task.ID, "photos ajoutées", ""); err != nil {
		t.Fatal(err)
	}
	task, err = env.Engine.ValidateTask(env.Ctx, dg2, task.ID, "bon travail")
	if err != nil || task.Statut != domain.TaskValidated || task.ValidatedBy != dg2.ID {
		t.Fatalf("validate: %v %+v", err, task)
	}
	if _, err := env.Engine.CancelTask(env.Ctx, dg2, task.ID, ""); !errors.Is(err, domain.ErrState) {
		t.Fatalf("cancel validated: %v", err)
	}
}

func TestCancelTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.runningTask(t, "")
	if _, err := env.Engine.CancelTask(env.Ctx, agent, task.ID, "stop"); !errors.Is(err, domain.ErrRole) {
		t.Fatalf("cancel by agent: %v", err)
	}
	task, err := env.Engine.CancelTask(env.Ctx, admin, task.ID, "projet abandonné")
	if err != nil || task.Statut != domain.TaskCancelled || task.MotifAnnulation != "projet abandonné" {
		t.Fatalf("cancel: %v %+v", err, task)
	}
	if _, err := env.Engine.StartTask(env.Ctx, admin, task.ID); !errors.Is(err, domain.ErrState) {
		t.Fatalf("start cancelled: %v", err)
	}
	_, err = env.Engine.CreateExpense(env.Ctx, agent, engine.ExpenseCreateOptions{
		Motif: "x", Categorie: "mission", Quantite: 1, PrixUnitaire: dec("10"), TacheID: task.ID,
	})
	if !errors.Is(err, domain.ErrState) {
		t.Fatalf("expense on cancelled task: %v", err)
	}
}

func TestAutoFailedTaskIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	task := env.runningTask(t, "")
	env.advance(15 * 24 * time.Hour)
	if _, err := env.Engine.SweepOverdue(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CancelTask(env.Ctx, admin, task.ID, ""); !errors.Is(err, domain.ErrState) {
		t.Fatalf("cancel auto-failed: %v", err)
	}
	if _, err := env.Engine.ValidateTask(env.Ctx, dg2, task.ID, ""); !errors.Is(err, domain.ErrState) {
		t.Fatalf("validate auto-failed: %v", err)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	fraction := dec("1500.125")
	cases := map[string]engine.TaskCreateOptions{
		"sub-cent budget": {Titre: "x", DateEcheance: "2024-02-01", AgentsAssignes: []string{"ag1"}, BudgetAlloue: &fraction},
		"no assignee":     {Titre: "x", DateEcheance: "2024-02-01"},
		"past deadline":   {Titre: "x", DateEcheance: "2023-12-01", AgentsAssignes: []string{"ag1"}},
		"bad priority":    {Titre: "x", DateEcheance: "2024-02-01", AgentsAssignes: []string{"ag1"}, Priorite: "extreme"},
		"bad date":        {Titre: "x", DateEcheance: "demain", AgentsAssignes: []string{"ag1"}},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := env.Engine.CreateTask(env.Ctx, dg, opts); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if _, err := env.Engine.CreateTask(env.Ctx, agent, engine.TaskCreateOptions{
		Titre: "x", DateEcheance: "2024-02-01", AgentsAssignes: []string{"ag1"},
	}); !errors.Is(err, domain.ErrRole) {
		t.Fatalf("agent creating task: %v", err)
	}
}

func TestAmendTaskBudget(t *testing.T) {
	env := newTestEnv(t)
	task := env.runningTask(t, "")
	if _, err := env.Engine.BudgetFor(env.Ctx, task.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("budget of unbudgeted task: %v", err)
	}
	task, err := env.Engine.AmendTaskBudget(env.Ctx, dg, task.ID, dec("50000"))
	if err != nil || !task.BudgetAlloue.Valid {
		t.Fatalf("amend: %v %+v", err, task)
	}
	env.expense(t, agent, 1, "20000", task.ID)
	if _, err := env.Engine.AmendTaskBudget(env.Ctx, dg, task.ID, dec("80000")); err != nil {
		t.Fatal(err)
	}
	if l := env.budget(t, task.ID); !l.Remaining.Equal(dec("60000")) {
		t.Fatalf("remaining = %s", l.Remaining)
	}
	if _, err := env.Engine.AmendTaskBudget(env.Ctx, agent, task.ID, dec("1")); !errors.Is(err, domain.ErrRole) {
		t.Fatalf("agent amending budget: %v", err)
	}
	if _, err := env.Engine.AmendTaskBudget(env.Ctx, dg, task.ID, dec("90000.001")); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("sub-cent allocation: %v", err)
	}
	if l := env.budget(t, task.ID); !l.Allocated.Equal(dec("80000")) {
		t.Fatalf("allocated = %s", l.Allocated)
	}
}

func TestCancelReleasesHeldReservations(t *testing.T) {
	env := newTestEnv(t)
	task := env.runningTask(t, "100000")
	held := env.expense(t, agent, 1, "30000", task.ID)
	verified := env.expense(t, agent, 1, "20000", task.ID)
	validated := env.expense(t, agent, 1, "10000", task.ID)
	if _, err := env.Engine.VerifyExpense(env.Ctx, comptable, verified.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.VerifyExpense(env.Ctx, comptable, validated.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ValidateExpense(env.Ctx, admin, validated.ID, ""); err != nil {
		t.Fatal(err)
	}
	if l := env.budget(t, task.ID); !l.Reserved.Equal(dec("50000")) || !l.Spent.Equal(dec("10000")) {
		t.Fatalf("before cancel: %+v", l)
	}

	if _, err := env.Engine.CancelTask(env.Ctx, admin, task.ID, "projet abandonné"); err != nil {
		t.Fatal(err)
	}
	if l := env.budget(t, task.ID); !l.Reserved.IsZero() || !l.Spent.Equal(dec("10000")) || !l.Remaining.Equal(dec("90000")) {
		t.Fatalf("after cancel: %+v", l)
	}
	got, err := env.Engine.GetExpense(env.Ctx, held.ID)
	if err != nil || got.BudgetReserved {
		t.Fatalf("held expense still reserved: %v %+v", err, got)
	}

	if _, err := env.Engine.VerifyExpense(env.Ctx, comptable, held.ID, ""); !errors.Is(err, domain.ErrState) {
		t.Fatalf("verify on cancelled task: %v", err)
	}
	if _, err := env.Engine.ValidateExpense(env.Ctx, admin, verified.ID, ""); !errors.Is(err, domain.ErrState) {
		t.Fatalf("validate on cancelled task: %v", err)
	}
	if _, err := env.Engine.PayExpense(env.Ctx, caisse, validated.ID, ""); !errors.Is(err, domain.ErrState) {
		t.Fatalf("pay on cancelled task: %v", err)
	}
	if _, err := env.Engine.RejectExpense(env.Ctx, comptable, held.ID, "mission annulée"); err != nil {
		t.Fatalf("reject on cancelled task: %v", err)
	}
	if l := env.budget(t, task.ID); !l.Reserved.IsZero() || !l.Spent.Equal(dec("10000")) {
		t.Fatalf("reject after cancel moved the ledger: %+v", l)
	}
}

func TestChecklistIsIndependentOfStatus(t *testing.T) {
	env := newTestEnv(t)
	task := env.runningTask(t, "", agent.ID, agent2.ID)
	a, err := env.Engine.AddSubtask(env.Ctx, agent, task.ID, "Collecter les factures", "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := env.Engine.AddSubtask(env.Ctx, dg, task.ID, "Rédiger le rapport", agent2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddSubtask(env.Ctx, caisse, task.ID, "x", ""); !errors.Is(err, domain.ErrPermission) {
		t.Fatalf("outsider adding subtask: %v", err)
	}
	if _, err := env.Engine.AddSubtask(env.Ctx, agent, task.ID, " ", ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty subtask title: %v", err)
	}
	st, err := env.Engine.ToggleSubtask(env.Ctx, agent2, a.ID)
	if err != nil || !st.EstTerminee || st.CompletedAt == "" {
		t.Fatalf("toggle: %v %+v", err, st)
	}
	got, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if got.Pourcentage != 50 || got.Statut != domain.TaskRunning || len(got.Subtasks) != 2 {
		t.Fatalf("unexpected task %+v", got)
	}
	if _, err := env.Engine.ToggleSubtask(env.Ctx, agent, b.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = env.Engine.GetTask(env.Ctx, task.ID)
	if got.Pourcentage != 100 || got.Statut != domain.TaskRunning {
		t.Fatalf("checklist completion must not move the task: %+v", got)
	}
	if err := env.Engine.DeleteSubtask(env.Ctx, agent, b.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteSubtask(env.Ctx, agent, b.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("delete twice: %v", err)
	}
	got, _ = env.Engine.GetTask(env.Ctx, task.ID)
	if got.Pourcentage != 100 || len(got.Subtasks) != 1 {
		t.Fatalf("after delete %+v", got)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	late := env.runningTask(t, "")
	onTime, err := env.Engine.CreateTask(env.Ctx, dg, engine.TaskCreateOptions{
		Titre: "Long terme", DateEcheance: "2024-03-01", AgentsAssignes: []string{agent.ID},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.StartTask(env.Ctx, agent, onTime.ID); err != nil {
		t.Fatal(err)
	}
	env.advance(12 * 24 * time.Hour)
	if got, _ := env.Engine.GetTask(env.Ctx, late.ID); !got.EstEnRetard {
		t.Fatalf("expected est_en_retard before sweep")
	}

	first, err := env.Engine.SweepOverdue(env.Ctx)
	if err != nil || len(first.Failed) != 1 {
		t.Fatalf("first sweep: %v %+v", err, first)
	}
	before, _ := env.Engine.GetTask(env.Ctx, late.ID)
	second, err := env.Engine.SweepOverdue(env.Ctx)
	if err != nil || len(second.Failed) != 0 {
		t.Fatalf("second sweep: %v %+v", err, second)
	}
	after, _ := env.Engine.GetTask(env.Ctx, late.ID)
	if before.Version != after.Version || before.Statut != after.Statut || before.DateFinReelle != after.DateFinReelle {
		t.Fatalf("sweep not idempotent: %+v vs %+v", before, after)
	}
	n, err := env.Engine.Repo.CountEvents(env.Ctx, nil, "task.auto_fail", late.ID)
	if err != nil || n != 1 {
		t.Fatalf("auto_fail events = %d (%v)", n, err)
	}
	if got, _ := env.Engine.GetTask(env.Ctx, onTime.ID); got.Statut != domain.TaskRunning {
		t.Fatalf("task within deadline was failed")
	}
}

func TestSweepLosesToEarlierCompletion(t *testing.T) {
	env := newTestEnv(t)
	task := env.runningTask(t, "")
	env.advance(10 * 24 * time.Hour)
	if _, err := env.Engine.CompleteTask(env.Ctx, agent, task.ID, "fini de justesse", ""); err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.SweepOverdue(env.Ctx)
	if err != nil || len(res.Failed) != 0 {
		t.Fatalf("sweep: %v %+v", err, res)
	}
	got, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if got.Resultat != domain.ResultSuccess {
		t.Fatalf("completion overwritten: %+v", got)
	}
}

func TestListTasksByAssignee(t *testing.T) {
	env := newTestEnv(t)
	env.task(t, "", agent.ID)
	env.task(t, "", agent2.ID)
	env.task(t, "", agent.ID, agent2.ID)
	list, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{Assignee: agent2.ID})
	if err != nil || len(list) != 2 {
		t.Fatalf("by assignee: %d %v", len(list), err)
	}
}
