package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"

	"ipmf/internal/domain"
	"ipmf/internal/engine"
	"ipmf/internal/repo"
)

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create a task",
		DefaultStatus: http.StatusCreated,
		Errors:        defaultErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest
	}) (*out[TaskResponse], error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.TaskCreateOptions{
			Titre:          input.Body.Titre,
			Description:    input.Body.Description,
			Priorite:       input.Body.Priorite,
			DateDebut:      input.Body.DateDebut,
			DateEcheance:   input.Body.DateEcheance,
			AgentsAssignes: input.Body.AgentsAssignes,
		}
		if input.Body.BudgetAlloue != nil {
			budget, err := parseAmount("budget_alloue", *input.Body.BudgetAlloue)
			if err != nil {
				return nil, handleError(err)
			}
			opts.BudgetAlloue = &budget
		}
		t, err := e.CreateTask(ctx, actor, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		Statut   string `query:"statut" enum:"creee,en_cours,terminee,validee,annulee"`
		Assignee string `query:"assignee"`
		Limit    int    `query:"limit" default:"50"`
	}) (*out[[]TaskResponse], error) {
		if _, err := actorFromRequest(ctx, e); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListTasks(ctx, repo.TaskFilters{Statut: input.Statut, Assignee: input.Assignee, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapSlice(items, taskResponse)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get a task with its checklist and pending deferral",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *idPath) (*out[TaskResponse], error) {
		if _, err := actorFromRequest(ctx, e); err != nil {
			return nil, handleError(err)
		}
		t, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(t)), nil
	})

	steps := []struct {
		action  string
		summary string
		run     func(context.Context, domain.Actor, string, TransitionRequest) (domain.Task, error)
	}{
		{"start", "Start a task", func(ctx context.Context, a domain.Actor, id string, _ TransitionRequest) (domain.Task, error) {
			return e.StartTask(ctx, a, id)
		}},
		{"validate", "Validate a completed task", func(ctx context.Context, a domain.Actor, id string, b TransitionRequest) (domain.Task, error) {
			return e.ValidateTask(ctx, a, id, b.Commentaire)
		}},
		{"rework", "Send a completed task back to work; commentaire required", func(ctx context.Context, a domain.Actor, id string, b TransitionRequest) (domain.Task, error) {
			return e.RejectTaskToRework(ctx, a, id, b.Commentaire)
		}},
		{"cancel", "Cancel a task", func(ctx context.Context, a domain.Actor, id string, b TransitionRequest) (domain.Task, error) {
			return e.CancelTask(ctx, a, id, b.Motif)
		}},
	}
	for _, step := range steps {
		run := step.run
		huma.Register(api, huma.Operation{
			OperationID: step.action + "-task",
			Method:      http.MethodPost,
			Path:        "/tasks/{id}/" + step.action,
			Summary:     step.summary,
			Errors:      defaultErrors,
		}, func(ctx context.Context, input *transitionInput) (*out[TaskResponse], error) {
			actor, err := actorFromRequest(ctx, e)
			if err != nil {
				return nil, handleError(err)
			}
			t, err := run(ctx, actor, input.ID, input.Body)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(taskResponse(t)), nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/complete",
		Summary:     "Complete a running task with its report",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body CompleteTaskRequest
	}) (*out[TaskResponse], error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.CompleteTask(ctx, actor, input.ID, input.Body.Rapport, input.Body.PieceJointe)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(taskResponse(t)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task-budget",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/budget",
		Summary:     "Budget balances of a task",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *idPath) (*out[BudgetResponse], error) {
		if _, err := actorFromRequest(ctx, e); err != nil {
			return nil, handleError(err)
		}
		l, err := e.BudgetFor(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(budgetResponse(l)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "amend-task-budget",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}/budget",
		Summary:     "Change the allocated budget of a task",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body AmendBudgetRequest
	}) (*out[BudgetResponse], error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		var allocated decimal.Decimal
		if allocated, err = parseAmount("budget_alloue", input.Body.BudgetAlloue); err != nil {
			return nil, handleError(err)
		}
		if _, err := e.AmendTaskBudget(ctx, actor, input.ID, allocated); err != nil {
			return nil, handleError(err)
		}
		l, err := e.BudgetFor(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(budgetResponse(l)), nil
	})
}

func registerSubtasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-subtask",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/subtasks",
		Summary:       "Add a checklist item",
		DefaultStatus: http.StatusCreated,
		Errors:        defaultErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body CreateSubtaskRequest
	}) (*out[SubtaskResponse], error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		st, err := e.AddSubtask(ctx, actor, input.ID, input.Body.Titre, input.Body.Assignee)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(subtaskResponse(st)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-subtask",
		Method:      http.MethodPost,
		Path:        "/subtasks/{id}/toggle",
		Summary:     "Flip a checklist item between done and open",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *idPath) (*out[SubtaskResponse], error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		st, err := e.ToggleSubtask(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(subtaskResponse(st)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-subtask",
		Method:        http.MethodDelete,
		Path:          "/subtasks/{id}",
		Summary:       "Remove a checklist item",
		DefaultStatus: http.StatusNoContent,
		Errors:        defaultErrors,
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteSubtask(ctx, actor, input.ID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerDeferrals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-deferral",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/deferrals",
		Summary:       "Ask for a new deadline on an overdue or failed task",
		DefaultStatus: http.StatusCreated,
		Errors:        defaultErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body RequestDeferralRequest
	}) (*out[DeferralResponse], error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.RequestDeferral(ctx, actor, input.ID, input.Body.DateDemandee, input.Body.Motif)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(deferralResponse(d)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deferrals",
		Method:      http.MethodGet,
		Path:        "/deferrals",
		Summary:     "List deferral requests",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `query:"task_id"`
		Statut string `query:"statut" enum:"en_attente,approuvee,rejetee"`
		Limit  int    `query:"limit" default:"50"`
	}) (*out[[]DeferralResponse], error) {
		if _, err := actorFromRequest(ctx, e); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListDeferrals(ctx, repo.DeferralFilters{TaskID: input.TaskID, Statut: input.Statut, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(mapSlice(items, deferralResponse)), nil
	})

	for action, run := range map[string]func(context.Context, domain.Actor, string, string) (domain.Deferral, error){
		"approve": e.ApproveDeferral,
		"reject":  e.RejectDeferral,
	} {
		run := run
		huma.Register(api, huma.Operation{
			OperationID: action + "-deferral",
			Method:      http.MethodPost,
			Path:        "/deferrals/{id}/" + action,
			Summary:     action + " a pending deferral request",
			Errors:      defaultErrors,
		}, func(ctx context.Context, input *transitionInput) (*out[DeferralResponse], error) {
			actor, err := actorFromRequest(ctx, e)
			if err != nil {
				return nil, handleError(err)
			}
			d, err := run(ctx, actor, input.ID, input.Body.Commentaire)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(deferralResponse(d)), nil
		})
	}
}
