package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"ipmf/internal/domain"
	"ipmf/internal/engine"
	"ipmf/internal/repo"
)

type idPath struct {
	ID string `path:"id"`
}

type transitionInput struct {
	ID   string            `path:"id"`
	Body TransitionRequest `required:"false"`
}

func registerExpenses(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-expense",
		Method:        http.MethodPost,
		Path:          "/expenses",
		Summary:       "Submit an expense",
		DefaultStatus: http.StatusCreated,
		Errors:        defaultErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateExpenseRequest
	}) (*out[ExpenseResponse], error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		prix, err := parseAmount("prix_unitaire", input.Body.PrixUnitaire)
		if err != nil {
			return nil, handleError(err)
		}
		x, err := e.CreateExpense(ctx, actor, engine.ExpenseCreateOptions{
			Motif:        input.Body.Motif,
			Categorie:    input.Body.Categorie,
			Quantite:     input.Body.Quantite,
			PrixUnitaire: prix,
			Commentaire:  input.Body.Commentaire,
			Justificatif: input.Body.Justificatif,
			TacheID:      input.Body.TacheID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(expenseResponse(x)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-expenses",
		Method:      http.MethodGet,
		Path:        "/expenses",
		Summary:     "List expenses, newest first",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		Statut    string `query:"statut" enum:"en_attente,verifiee,validee,payee,rejetee"`
		TacheID   string `query:"tache_id"`
		CreatedBy string `query:"created_by"`
		Limit     int    `query:"limit" default:"50"`
	}) (*out[[]ExpenseResponse], error) {
		if _, err := actorFromRequest(ctx, e); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListExpenses(ctx, repo.ExpenseFilters{
			Statut: input.Statut, TacheID: input.TacheID, CreatedBy: input.CreatedBy, Limit: normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapSlice(items, expenseResponse)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-expense",
		Method:      http.MethodGet,
		Path:        "/expenses/{id}",
		Summary:     "Get an expense",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *idPath) (*out[ExpenseResponse], error) {
		if _, err := actorFromRequest(ctx, e); err != nil {
			return nil, handleError(err)
		}
		x, err := e.GetExpense(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(expenseResponse(x)), nil
	})

	steps := []struct {
		action  string
		summary string
		run     func(context.Context, domain.Actor, string, TransitionRequest) (domain.Expense, error)
	}{
		{"verify", "Verify a submitted expense", func(ctx context.Context, a domain.Actor, id string, b TransitionRequest) (domain.Expense, error) {
			return e.VerifyExpense(ctx, a, id, b.Commentaire)
		}},
		{"validate", "Validate a verified expense", func(ctx context.Context, a domain.Actor, id string, b TransitionRequest) (domain.Expense, error) {
			return e.ValidateExpense(ctx, a, id, b.Commentaire)
		}},
		{"pay", "Record the payment of a validated expense", func(ctx context.Context, a domain.Actor, id string, b TransitionRequest) (domain.Expense, error) {
			return e.PayExpense(ctx, a, id, b.Commentaire)
		}},
		{"reject", "Reject an expense; motif required", func(ctx context.Context, a domain.Actor, id string, b TransitionRequest) (domain.Expense, error) {
			return e.RejectExpense(ctx, a, id, b.Motif)
		}},
		{"resubmit", "Submit a corrected copy of a rejected expense", func(ctx context.Context, a domain.Actor, id string, _ TransitionRequest) (domain.Expense, error) {
			return e.ResubmitExpense(ctx, a, id)
		}},
	}
	for _, step := range steps {
		run := step.run
		op := huma.Operation{
			OperationID: step.action + "-expense",
			Method:      http.MethodPost,
			Path:        "/expenses/{id}/" + step.action,
			Summary:     step.summary,
			Errors:      defaultErrors,
		}
		if step.action == "resubmit" {
			op.DefaultStatus = http.StatusCreated
		}
		huma.Register(api, op, func(ctx context.Context, input *transitionInput) (*out[ExpenseResponse], error) {
			actor, err := actorFromRequest(ctx, e)
			if err != nil {
				return nil, handleError(err)
			}
			x, err := run(ctx, actor, input.ID, input.Body)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(expenseResponse(x)), nil
		})
	}
}

func registerIncomes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-income",
		Method:        http.MethodPost,
		Path:          "/incomes",
		Summary:       "Record an income",
		DefaultStatus: http.StatusCreated,
		Errors:        defaultErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateIncomeRequest
	}) (*out[IncomeResponse], error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		montant, err := parseAmount("montant", input.Body.Montant)
		if err != nil {
			return nil, handleError(err)
		}
		in, err := e.CreateIncome(ctx, actor, engine.IncomeCreateOptions{
			Motif:        input.Body.Motif,
			Montant:      montant,
			ModePaiement: input.Body.ModePaiement,
			DateEntree:   input.Body.DateEntree,
			Commentaire:  input.Body.Commentaire,
			Justificatif: input.Body.Justificatif,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(incomeResponse(in)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-incomes",
		Method:      http.MethodGet,
		Path:        "/incomes",
		Summary:     "List incomes, newest first",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		Statut       string `query:"statut" enum:"en_attente,confirmee,annulee"`
		ModePaiement string `query:"mode_paiement"`
		Limit        int    `query:"limit" default:"50"`
	}) (*out[[]IncomeResponse], error) {
		if _, err := actorFromRequest(ctx, e); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListIncomes(ctx, repo.IncomeFilters{Statut: input.Statut, ModePaiement: input.ModePaiement, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapSlice(items, incomeResponse)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-income",
		Method:      http.MethodGet,
		Path:        "/incomes/{id}",
		Summary:     "Get an income",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *idPath) (*out[IncomeResponse], error) {
		if _, err := actorFromRequest(ctx, e); err != nil {
			return nil, handleError(err)
		}
		in, err := e.GetIncome(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(incomeResponse(in)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-income",
		Method:      http.MethodPost,
		Path:        "/incomes/{id}/confirm",
		Summary:     "Confirm a pending income",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *transitionInput) (*out[IncomeResponse], error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		in, err := e.ConfirmIncome(ctx, actor, input.ID, input.Body.Commentaire)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(incomeResponse(in)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-income",
		Method:      http.MethodPost,
		Path:        "/incomes/{id}/cancel",
		Summary:     "Cancel a pending income; motif required",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *transitionInput) (*out[IncomeResponse], error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		in, err := e.CancelIncome(ctx, actor, input.ID, input.Body.Motif)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(incomeResponse(in)), nil
	})
}
