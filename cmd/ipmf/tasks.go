package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"ipmf/internal/domain"
	"ipmf/internal/engine"
	"ipmf/internal/repo"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage missions and their checklist",
		Long:  "Tasks flow creee -> en_cours -> terminee -> validee; a validator may send a finished task back to en_cours. A running task past its deadline is failed by the sweep.",
	}
	cmd.AddCommand(taskCreateCmd())
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskGetCmd())
	cmd.AddCommand(taskStartCmd())
	cmd.AddCommand(taskCompleteCmd())
	cmd.AddCommand(taskStepCmd("validate", "Validate a finished task", func(ctx context.Context, e engine.Engine, a domain.Actor, id, text string) (domain.Task, error) {
		return e.ValidateTask(ctx, a, id, text)
	}))
	cmd.AddCommand(taskStepCmd("rework", "Send a finished task back to work (--comment required)", func(ctx context.Context, e engine.Engine, a domain.Actor, id, text string) (domain.Task, error) {
		return e.RejectTaskToRework(ctx, a, id, text)
	}))
	cmd.AddCommand(taskStepCmd("cancel", "Cancel a task (--comment is the motif)", func(ctx context.Context, e engine.Engine, a domain.Actor, id, text string) (domain.Task, error) {
		return e.CancelTask(ctx, a, id, text)
	}))
	cmd.AddCommand(taskBudgetCmd())
	cmd.AddCommand(subtaskCmd())
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var budget string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if budget != "" {
				b, err := decimal.NewFromString(budget)
				if err != nil {
					return domain.Validationf("--budget: %q is not a decimal amount", budget)
				}
				opts.BudgetAlloue = &b
			}
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, a domain.Actor) error {
				t, err := e.CreateTask(ctx, a, opts)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Titre, "titre", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Priorite, "priorite", "", "basse|moyenne|haute|urgente")
	cmd.Flags().StringVar(&opts.DateDebut, "debut", "", "planned start (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringVar(&opts.DateEcheance, "echeance", "", "deadline (YYYY-MM-DD or RFC3339)")
	cmd.Flags().StringArrayVar(&opts.AgentsAssignes, "agent", nil, "assigned actor id (repeatable)")
	cmd.Flags().StringVar(&budget, "budget", "", "allocated budget; opens the task ledger")
	for _, name := range []string{"titre", "echeance", "agent"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.Actor) error {
				items, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if wantJSON() {
					return printJSON(items)
				}
				tw := newTable("Numero", "Titre", "Statut", "Resultat", "Echeance", "Agents", "%", "Retard")
				for _, t := range items {
					tw.AppendRow([]any{t.Numero, t.Titre, t.Statut, t.Resultat, t.DateEcheance, joinIDs(t.AgentsAssignes), t.Pourcentage, yesNo(t.EstEnRetard)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Statut, "statut", "", "status filter")
	cmd.Flags().StringVar(&f.Assignee, "agent", "", "assignee filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task with its checklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.Actor) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				if err := printTask(t); err != nil || wantJSON() {
					return err
				}
				printChecklist(t)
				return nil
			})
		},
	}
}

func taskStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Start a created task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, a domain.Actor) error {
				t, err := e.StartTask(ctx, a, args[0])
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

func taskCompleteCmd() *cobra.Command {
	var rapport, piece string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a running task with its report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, a domain.Actor) error {
				t, err := e.CompleteTask(ctx, a, args[0], rapport, piece)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&rapport, "rapport", "", "completion report")
	cmd.Flags().StringVar(&piece, "piece", "", "attachment reference")
	_ = cmd.MarkFlagRequired("rapport")
	return cmd
}

func taskStepCmd(use, short string, run func(context.Context, engine.Engine, domain.Actor, string, string) (domain.Task, error)) *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, a domain.Actor) error {
				t, err := run(ctx, e, a, args[0], text)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&text, "comment", "", "comment or motif")
	return cmd
}

func taskBudgetCmd() *cobra.Command {
	var amend string
	cmd := &cobra.Command{
		Use:   "budget <id>",
		Short: "Show the task ledger, or change its allocation with --set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, a domain.Actor) error {
				if amend != "" {
					v, err := decimal.NewFromString(amend)
					if err != nil {
						return domain.Validationf("--set: %q is not a decimal amount", amend)
					}
					if _, err := e.AmendTaskBudget(ctx, a, args[0], v); err != nil {
						return err
					}
				}
				l, err := e.BudgetFor(ctx, args[0])
				if err != nil {
					return err
				}
				return printRecord(l, [][2]string{
					{"Tache", l.TaskID},
					{"Alloue", money(l.Allocated)},
					{"Reserve", money(l.Reserved)},
					{"Depense", money(l.Spent)},
					{"Solde", money(l.Balance())},
					{"Mis a jour", ago(l.UpdatedAt)},
				})
			})
		},
	}
	cmd.Flags().StringVar(&amend, "set", "", "new allocated budget")
	return cmd
}

func subtaskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "check", Short: "Edit a task checklist"}

	var assignee string
	add := &cobra.Command{
		Use:   "add <task-id> <titre>",
		Short: "Add a checklist item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, a domain.Actor) error {
				st, err := e.AddSubtask(ctx, a, args[0], args[1], assignee)
				if err != nil {
					return err
				}
				return printRecord(st, [][2]string{{"ID", st.ID}, {"Tache", st.TaskID}, {"Titre", st.Titre}, {"Assigne", st.Assignee}})
			})
		},
	}
	add.Flags().StringVar(&assignee, "agent", "", "actor responsible for the item")

	toggle := &cobra.Command{
		Use:   "toggle <id>",
		Short: "Flip a checklist item between done and open",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, a domain.Actor) error {
				st, err := e.ToggleSubtask(ctx, a, args[0])
				if err != nil {
					return err
				}
				return printRecord(st, [][2]string{{"ID", st.ID}, {"Titre", st.Titre}, {"Terminee", yesNo(st.EstTerminee)}})
			})
		},
	}

	remove := &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a checklist item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, a domain.Actor) error {
				return e.DeleteSubtask(ctx, a, args[0])
			})
		},
	}
	cmd.AddCommand(add, toggle, remove)
	return cmd
}

func deferralCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deferral",
		Short: "Negotiate a new deadline for an overdue task",
	}

	var date, motif string
	request := &cobra.Command{
		Use:   "request <task-id>",
		Short: "Ask for a new deadline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, a domain.Actor) error {
				d, err := e.RequestDeferral(ctx, a, args[0], date, motif)
				if err != nil {
					return err
				}
				return printDeferral(d)
			})
		},
	}
	request.Flags().StringVar(&date, "date", "", "requested deadline (YYYY-MM-DD or RFC3339)")
	request.Flags().StringVar(&motif, "motif", "", "reason for the delay")
	_ = request.MarkFlagRequired("date")
	_ = request.MarkFlagRequired("motif")

	var f repo.DeferralFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List deferral requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.Actor) error {
				items, err := e.ListDeferrals(ctx, f)
				if err != nil {
					return err
				}
				if wantJSON() {
					return printJSON(items)
				}
				tw := newTable("ID", "Tache", "Demandeur", "Ancienne", "Demandee", "Statut", "Repondu par")
				for _, d := range items {
					tw.AppendRow([]any{d.ID, d.TaskID, d.Requester, d.AncienneEcheance, d.DateDemandee, d.Statut, d.Responder})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	list.Flags().StringVar(&f.Statut, "statut", "", "status filter")
	list.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")

	cmd.AddCommand(request, list,
		deferralStepCmd("approve", "Approve a pending request and reopen the task", func(e engine.Engine) func(context.Context, domain.Actor, string, string) (domain.Deferral, error) {
			return e.ApproveDeferral
		}),
		deferralStepCmd("reject", "Reject a pending request", func(e engine.Engine) func(context.Context, domain.Actor, string, string) (domain.Deferral, error) {
			return e.RejectDeferral
		}),
	)
	return cmd
}

func deferralStepCmd(use, short string, pick func(engine.Engine) func(context.Context, domain.Actor, string, string) (domain.Deferral, error)) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, a domain.Actor) error {
				d, err := pick(e)(ctx, a, args[0], comment)
				if err != nil {
					return err
				}
				return printDeferral(d)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "response comment")
	return cmd
}

func printTask(t domain.Task) error {
	budget := ""
	if t.BudgetAlloue.Valid {
		budget = money(t.BudgetAlloue.Decimal)
	}
	rows := [][2]string{
		{"ID", t.ID},
		{"Numero", t.Numero},
		{"Titre", t.Titre},
		{"Priorite", t.Priorite},
		{"Statut", string(t.Statut)},
		{"Resultat", string(t.Resultat)},
		{"Echeance", t.DateEcheance},
		{"Agents", joinIDs(t.AgentsAssignes)},
		{"Budget", budget},
		{"Avancement", fmt.Sprintf("%d%%", t.Pourcentage)},
		{"En retard", yesNo(t.EstEnRetard)},
		{"Rapport", t.Rapport},
		{"Validee par", t.ValidatedBy},
		{"Motif d'annulation", t.MotifAnnulation},
	}
	if t.PendingDeferral != nil {
		rows = append(rows, [2]string{"Report demande", fmt.Sprintf("%s par %s", t.PendingDeferral.DateDemandee, t.PendingDeferral.Requester)})
	}
	return printRecord(t, rows)
}

// printChecklist renders the checklist under a completion bar.
func printChecklist(t domain.Task) {
	if len(t.Subtasks) == 0 {
		return
	}
	const width = 20
	filled := t.Pourcentage * width / 100
	fmt.Printf("Checklist [%s%s] %d%%\n", strings.Repeat("#", filled), strings.Repeat(".", width-filled), t.Pourcentage)
	for _, st := range t.Subtasks {
		mark := "[ ]"
		if st.EstTerminee {
			mark = "[x]"
		}
		line := fmt.Sprintf("  %s %s", mark, st.Titre)
		if st.Assignee != "" {
			line += " (" + st.Assignee + ")"
		}
		fmt.Println(line)
	}
}

func printDeferral(d domain.Deferral) error {
	return printRecord(d, [][2]string{
		{"ID", d.ID},
		{"Tache", d.TaskID},
		{"Demandeur", d.Requester},
		{"Ancienne echeance", d.AncienneEcheance},
		{"Date demandee", d.DateDemandee},
		{"Motif", d.Motif},
		{"Statut", string(d.Statut)},
		{"Repondu par", d.Responder},
		{"Commentaire", d.CommentaireReponse},
	})
}
