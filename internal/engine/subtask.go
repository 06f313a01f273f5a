package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"ipmf/internal/domain"
	"ipmf/internal/engine/auth"
	"ipmf/internal/events"
)

// Checklist edits never touch the task status.

func (e Engine) AddSubtask(ctx context.Context, actor domain.Actor, taskID, titre, assignee string) (domain.Subtask, error) {
	st, err := e.addSubtask(ctx, actor, taskID, titre, assignee)
	if err := e.guard(ctx, actor, "subtask", taskID, "add", err); err != nil {
		return domain.Subtask{}, err
	}
	return st, nil
}

func (e Engine) addSubtask(ctx context.Context, actor domain.Actor, taskID, titre, assignee string) (domain.Subtask, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Subtask{}, err
	}
	defer tx.Rollback()

	t, err := e.loadTask(ctx, tx, taskID)
	if err != nil {
		return domain.Subtask{}, err
	}
	if err := e.Policy.CanTransition(actor, checklistSubject(t, ""), auth.TaskChecklist); err != nil {
		return domain.Subtask{}, err
	}
	titre, err = requireText("titre", titre)
	if err != nil {
		return domain.Subtask{}, err
	}
	st := domain.Subtask{
		ID:        uuid.NewString(),
		TaskID:    t.ID,
		Titre:     titre,
		Assignee:  strings.TrimSpace(assignee),
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertSubtask(ctx, tx, st); err != nil {
		return domain.Subtask{}, err
	}
	var ob outbox
	if err := e.record(ctx, tx, &ob, actor, change{
		Entity: "subtask", ID: st.ID, Action: "add",
		Payload: events.EventPayload{"task_id": t.ID, "titre": st.Titre, "assignee": st.Assignee},
	}); err != nil {
		return domain.Subtask{}, err
	}
	if st.Assignee != "" && st.Assignee != actor.ID {
		ob.notify(taskNotification(t, []string{st.Assignee}, "Nouvelle sous-tâche", t.Numero+": "+st.Titre))
	}
	return st, e.commit(ctx, tx, &ob)
}

// ToggleSubtask flips the completion flag of a checklist item.
func (e Engine) ToggleSubtask(ctx context.Context, actor domain.Actor, id string) (domain.Subtask, error) {
	st, err := e.toggleSubtask(ctx, actor, id)
	if err := e.guard(ctx, actor, "subtask", id, "toggle", err); err != nil {
		return domain.Subtask{}, err
	}
	return st, nil
}

func (e Engine) toggleSubtask(ctx context.Context, actor domain.Actor, id string) (domain.Subtask, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Subtask{}, err
	}
	defer tx.Rollback()

	st, err := e.Repo.GetSubtask(ctx, tx, id)
	if err != nil {
		return domain.Subtask{}, notFound(err, "subtask", id)
	}
	t, err := e.loadTask(ctx, tx, st.TaskID)
	if err != nil {
		return domain.Subtask{}, err
	}
	if err := e.Policy.CanTransition(actor, checklistSubject(t, st.Assignee), auth.TaskChecklist); err != nil {
		return domain.Subtask{}, err
	}
	st.EstTerminee = !st.EstTerminee
	st.CompletedAt = ""
	if st.EstTerminee {
		st.CompletedAt = e.stamp()
	}
	if err := e.Repo.UpdateSubtask(ctx, tx, st); err != nil {
		return domain.Subtask{}, notFound(err, "subtask", id)
	}
	var ob outbox
	if err := e.record(ctx, tx, &ob, actor, change{
		Entity: "subtask", ID: st.ID, Action: "toggle",
		Payload: events.EventPayload{"task_id": t.ID, "est_terminee": st.EstTerminee},
	}); err != nil {
		return domain.Subtask{}, err
	}
	return st, e.commit(ctx, tx, &ob)
}

func (e Engine) DeleteSubtask(ctx context.Context, actor domain.Actor, id string) error {
	return e.guard(ctx, actor, "subtask", id, "delete", e.deleteSubtask(ctx, actor, id))
}

func (e Engine) deleteSubtask(ctx context.Context, actor domain.Actor, id string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	st, err := e.Repo.GetSubtask(ctx, tx, id)
	if err != nil {
		return notFound(err, "subtask", id)
	}
	t, err := e.loadTask(ctx, tx, st.TaskID)
	if err != nil {
		return err
	}
	if err := e.Policy.CanTransition(actor, checklistSubject(t, ""), auth.TaskChecklist); err != nil {
		return err
	}
	if err := e.Repo.DeleteSubtask(ctx, tx, id); err != nil {
		return notFound(err, "subtask", id)
	}
	var ob outbox
	if err := e.record(ctx, tx, &ob, actor, change{
		Entity: "subtask", ID: st.ID, Action: "delete",
		Payload: events.EventPayload{"task_id": t.ID, "titre": st.Titre},
	}); err != nil {
		return err
	}
	return e.commit(ctx, tx, &ob)
}

func checklistSubject(t domain.Task, itemAssignee string) auth.Subject {
	assignees := t.AgentsAssignes
	if itemAssignee != "" {
		assignees = append(append([]string{}, assignees...), itemAssignee)
	}
	return auth.Subject{Kind: "task", ID: t.ID, CreatorID: t.CreatedBy, Assignees: assignees}
}
