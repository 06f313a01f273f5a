package main

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"ipmf/internal/domain"
	"ipmf/internal/engine"
	"ipmf/internal/repo"
)

func expenseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expense",
		Short: "Submit and review expenses",
		Long:  "Expenses flow en_attente -> verifiee (comptable) -> validee (comptable, or DG at or above the threshold) -> payee (caisse). Nobody reviews an expense they submitted.",
	}
	cmd.AddCommand(expenseCreateCmd())
	cmd.AddCommand(expenseListCmd())
	cmd.AddCommand(expenseGetCmd())
	cmd.AddCommand(expenseStepCmd("verify", "Verify a submitted expense", func(ctx context.Context, e engine.Engine, a domain.Actor, id, text string) (domain.Expense, error) {
		return e.VerifyExpense(ctx, a, id, text)
	}))
	cmd.AddCommand(expenseStepCmd("validate", "Validate a verified expense", func(ctx context.Context, e engine.Engine, a domain.Actor, id, text string) (domain.Expense, error) {
		return e.ValidateExpense(ctx, a, id, text)
	}))
	cmd.AddCommand(expenseStepCmd("pay", "Record the payment of a validated expense", func(ctx context.Context, e engine.Engine, a domain.Actor, id, text string) (domain.Expense, error) {
		return e.PayExpense(ctx, a, id, text)
	}))
	cmd.AddCommand(expenseStepCmd("reject", "Reject an expense (--comment is the motif)", func(ctx context.Context, e engine.Engine, a domain.Actor, id, text string) (domain.Expense, error) {
		return e.RejectExpense(ctx, a, id, text)
	}))
	cmd.AddCommand(expenseStepCmd("resubmit", "Submit a corrected copy of a rejected expense", func(ctx context.Context, e engine.Engine, a domain.Actor, id, _ string) (domain.Expense, error) {
		return e.ResubmitExpense(ctx, a, id)
	}))
	return cmd
}

func expenseCreateCmd() *cobra.Command {
	var opts engine.ExpenseCreateOptions
	var prix string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit an expense",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := decimal.NewFromString(prix)
			if err != nil {
				return domain.Validationf("--prix: %q is not a decimal amount", prix)
			}
			opts.PrixUnitaire = p
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, a domain.Actor) error {
				x, err := e.CreateExpense(ctx, a, opts)
				if err != nil {
					return err
				}
				return printExpense(x)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Motif, "motif", "", "what the expense is for")
	cmd.Flags().StringVar(&opts.Categorie, "categorie", "", "fonctionnement|investissement|personnel|formation|mission|autre")
	cmd.Flags().Int64Var(&opts.Quantite, "quantite", 1, "quantity")
	cmd.Flags().StringVar(&prix, "prix", "", "unit price")
	cmd.Flags().StringVar(&opts.Commentaire, "comment", "", "comment")
	cmd.Flags().StringVar(&opts.Justificatif, "justificatif", "", "receipt reference")
	cmd.Flags().StringVar(&opts.TacheID, "task", "", "task the expense is charged to")
	_ = cmd.MarkFlagRequired("motif")
	_ = cmd.MarkFlagRequired("categorie")
	_ = cmd.MarkFlagRequired("prix")
	return cmd
}

func expenseListCmd() *cobra.Command {
	var f repo.ExpenseFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List expenses, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.Actor) error {
				items, err := e.ListExpenses(ctx, f)
				if err != nil {
					return err
				}
				if wantJSON() {
					return printJSON(items)
				}
				tw := newTable("Numero", "Motif", "Montant", "Statut", "Par", "DG", "Alerte", "Soumise")
				for _, x := range items {
					alert := ""
					switch {
					case x.EnRetard:
						alert = "retard"
					case x.EnAlerte:
						alert = "alerte"
					}
					tw.AppendRow([]any{x.Numero, x.Motif, money(x.Montant), x.Statut, x.CreatedBy, yesNo(x.NecessiteValidationDG), alert, ago(x.CreatedAt)})
				}
				tw.Render()
				fmt.Println(formatCount(len(items), "dépense(s)"))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Statut, "statut", "", "status filter")
	cmd.Flags().StringVar(&f.TacheID, "task", "", "task filter")
	cmd.Flags().StringVar(&f.CreatedBy, "created-by", "", "submitter filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func expenseGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an expense",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.Actor) error {
				x, err := e.GetExpense(ctx, args[0])
				if err != nil {
					return err
				}
				return printExpense(x)
			})
		},
	}
}

type expenseStep func(context.Context, engine.Engine, domain.Actor, string, string) (domain.Expense, error)

func expenseStepCmd(use, short string, run expenseStep) *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, a domain.Actor) error {
				x, err := run(ctx, e, a, args[0], text)
				if err != nil {
					return err
				}
				return printExpense(x)
			})
		},
	}
	if use != "resubmit" {
		cmd.Flags().StringVar(&text, "comment", "", "comment, or the motif of a rejection")
	}
	return cmd
}

func printExpense(x domain.Expense) error {
	return printRecord(x, [][2]string{
		{"ID", x.ID},
		{"Numero", x.Numero},
		{"Motif", x.Motif},
		{"Categorie", x.Categorie},
		{"Montant", fmt.Sprintf("%s (%d x %s)", money(x.Montant), x.Quantite, money(x.PrixUnitaire))},
		{"Statut", string(x.Statut)},
		{"Soumise par", x.CreatedBy},
		{"Tache", x.TacheID},
		{"Validation DG", yesNo(x.NecessiteValidationDG)},
		{"Budget reserve", yesNo(x.BudgetReserved)},
		{"Avertissement", x.BudgetWarning},
		{"Verifiee par", x.VerifiedBy},
		{"Validee par", x.ValidatedBy},
		{"Payee par", x.PaidBy},
		{"Rejetee par", x.RejectedBy},
		{"Motif du rejet", x.MotifRejet},
		{"Resoumise depuis", x.ResubmittedFrom},
		{"Creee", ago(x.CreatedAt)},
	})
}

func incomeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "income",
		Short: "Record and confirm incomes",
	}
	cmd.AddCommand(incomeCreateCmd())
	cmd.AddCommand(incomeListCmd())
	cmd.AddCommand(incomeGetCmd())
	cmd.AddCommand(incomeStepCmd("confirm", "Confirm a pending income", func(ctx context.Context, e engine.Engine, a domain.Actor, id, text string) (domain.Income, error) {
		return e.ConfirmIncome(ctx, a, id, text)
	}))
	cmd.AddCommand(incomeStepCmd("cancel", "Cancel a pending income (--comment is the motif)", func(ctx context.Context, e engine.Engine, a domain.Actor, id, text string) (domain.Income, error) {
		return e.CancelIncome(ctx, a, id, text)
	}))
	return cmd
}

func incomeCreateCmd() *cobra.Command {
	var opts engine.IncomeCreateOptions
	var montant string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Record an income",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := decimal.NewFromString(montant)
			if err != nil {
				return domain.Validationf("--montant: %q is not a decimal amount", montant)
			}
			opts.Montant = m
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, a domain.Actor) error {
				in, err := e.CreateIncome(ctx, a, opts)
				if err != nil {
					return err
				}
				return printIncome(in)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Motif, "motif", "", "origin of the income")
	cmd.Flags().StringVar(&montant, "montant", "", "amount")
	cmd.Flags().StringVar(&opts.ModePaiement, "mode", "", "especes|virement|cheque|carte|mobile")
	cmd.Flags().StringVar(&opts.DateEntree, "date", "", "date received (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Commentaire, "comment", "", "comment")
	cmd.Flags().StringVar(&opts.Justificatif, "justificatif", "", "receipt reference")
	for _, name := range []string{"motif", "montant", "mode", "date"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func incomeListCmd() *cobra.Command {
	var f repo.IncomeFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List incomes, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.Actor) error {
				items, err := e.ListIncomes(ctx, f)
				if err != nil {
					return err
				}
				if wantJSON() {
					return printJSON(items)
				}
				tw := newTable("Numero", "Motif", "Montant", "Mode", "Date", "Statut", "Par")
				total := decimal.Zero
				for _, in := range items {
					tw.AppendRow([]any{in.Numero, in.Motif, money(in.Montant), in.ModePaiement, in.DateEntree, in.Statut, in.CreatedBy})
					if in.Statut == domain.IncomeConfirmed {
						total = total.Add(in.Montant)
					}
				}
				tw.AppendFooter([]any{"", "Confirme", money(total)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Statut, "statut", "", "status filter")
	cmd.Flags().StringVar(&f.ModePaiement, "mode", "", "payment mode filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func incomeGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an income",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.Actor) error {
				in, err := e.GetIncome(ctx, args[0])
				if err != nil {
					return err
				}
				return printIncome(in)
			})
		},
	}
}

func incomeStepCmd(use, short string, run func(context.Context, engine.Engine, domain.Actor, string, string) (domain.Income, error)) *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e engine.Engine, a domain.Actor) error {
				in, err := run(ctx, e, a, args[0], text)
				if err != nil {
					return err
				}
				return printIncome(in)
			})
		},
	}
	cmd.Flags().StringVar(&text, "comment", "", "comment, or the motif of a cancellation")
	return cmd
}

func printIncome(in domain.Income) error {
	return printRecord(in, [][2]string{
		{"ID", in.ID},
		{"Numero", in.Numero},
		{"Motif", in.Motif},
		{"Montant", money(in.Montant)},
		{"Mode", in.ModePaiement},
		{"Date", in.DateEntree},
		{"Statut", string(in.Statut)},
		{"Enregistree par", in.CreatedBy},
		{"Confirmee par", in.ConfirmedBy},
		{"Annulee par", in.CancelledBy},
		{"Motif d'annulation", in.MotifAnnulation},
		{"Creee", ago(in.CreatedAt)},
	})
}
