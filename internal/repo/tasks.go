package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ipmf/internal/domain"
)

const taskColumns = `id,numero,titre,description,priorite,statut,resultat,rapport,piece_jointe,date_debut,date_echeance,
date_debut_reelle,date_fin_reelle,budget_alloue,created_by,validated_by,validated_at,commentaire_validation,motif_annulation,
created_at,updated_at,version`

func scanTask(s scanner) (domain.Task, error) {
	var t domain.Task
	err := s.Scan(&t.ID, &t.Numero, &t.Titre, &t.Description, &t.Priorite, &t.Statut, &t.Resultat, &t.Rapport, &t.PieceJointe, &t.DateDebut, &t.DateEcheance,
		&t.DateDebutReelle, &t.DateFinReelle, &t.BudgetAlloue, &t.CreatedBy, &t.ValidatedBy, &t.ValidatedAt, &t.CommentaireValidation, &t.MotifAnnulation,
		&t.CreatedAt, &t.UpdatedAt, &t.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

func budgetValue(t domain.Task) any {
	if !t.BudgetAlloue.Valid {
		return nil
	}
	return t.BudgetAlloue.Decimal.String()
}

// InsertTask stores the task and its assignee set.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	q := r.q(tx)
	_, err := q.ExecContext(ctx, `INSERT INTO tasks(id,numero,titre,description,priorite,statut,resultat,date_debut,date_echeance,budget_alloue,created_by,created_at,updated_at,version)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Numero, t.Titre, t.Description, t.Priorite, string(t.Statut), string(t.Resultat), t.DateDebut, t.DateEcheance, budgetValue(t), t.CreatedBy,
		t.CreatedAt, t.UpdatedAt, t.Version)
	if err != nil {
		return err
	}
	for _, a := range t.AgentsAssignes {
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO task_assignees(task_id, actor_id) VALUES (?,?)`, t.ID, a); err != nil {
			return err
		}
	}
	return nil
}

// UpdateTask writes the lifecycle columns if the row is still at expectedVersion.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task, expectedVersion int64) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET statut=?,resultat=?,rapport=?,piece_jointe=?,date_echeance=?,date_debut_reelle=?,date_fin_reelle=?,
budget_alloue=?,validated_by=?,validated_at=?,commentaire_validation=?,motif_annulation=?,updated_at=?,version=version+1
WHERE id=? AND version=?`,
		string(t.Statut), string(t.Resultat), t.Rapport, t.PieceJointe, t.DateEcheance, t.DateDebutReelle, t.DateFinReelle,
		budgetValue(t), t.ValidatedBy, t.ValidatedAt, t.CommentaireValidation, t.MotifAnnulation, t.UpdatedAt,
		t.ID, expectedVersion)
	if err != nil {
		return err
	}
	return casResult(res, "task", t.ID)
}

// FailOverdueTask closes a task the sweep found past its deadline. The guard is
// re-evaluated at write time so a task completed, deferred or already failed in
// the meantime is left untouched and false is returned.
func (r Repo) FailOverdueTask(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET statut=?,resultat=?,date_fin_reelle=?,updated_at=?,version=version+1
WHERE id=? AND statut=? AND date_echeance < ?`,
		string(domain.TaskFinished), string(domain.ResultAutoFailed), now, now,
		id, string(domain.TaskRunning), now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, err := scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	t.AgentsAssignes, err = r.ListAssignees(ctx, tx, id)
	return t, err
}

func (r Repo) ListAssignees(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT actor_id FROM task_assignees WHERE task_id=? ORDER BY actor_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type TaskFilters struct {
	Statut   string
	Assignee string
	// OverdueAt lists running tasks whose deadline is before this timestamp.
	OverdueAt string
	Limit     int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Statut != "" {
		clauses = append(clauses, "statut=?")
		args = append(args, f.Statut)
	}
	if f.Assignee != "" {
		clauses = append(clauses, "id IN (SELECT task_id FROM task_assignees WHERE actor_id=?)")
		args = append(args, f.Assignee)
	}
	if f.OverdueAt != "" {
		clauses = append(clauses, "statut=? AND date_echeance < ?")
		args = append(args, string(domain.TaskRunning), f.OverdueAt)
	}
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE %s ORDER BY date_echeance ASC, numero ASC LIMIT ?`, taskColumns, strings.Join(clauses, " AND "))
	args = append(args, normalizeLimit(f.Limit))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		if res[i].AgentsAssignes, err = r.ListAssignees(ctx, nil, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// OverdueTaskIDs lists running tasks whose deadline is before now.
func (r Repo) OverdueTaskIDs(ctx context.Context, now string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM tasks WHERE statut=? AND date_echeance < ? ORDER BY date_echeance ASC`, string(domain.TaskRunning), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanSubtask(s scanner) (domain.Subtask, error) {
	var st domain.Subtask
	err := s.Scan(&st.ID, &st.TaskID, &st.Titre, &st.EstTerminee, &st.Assignee, &st.CompletedAt, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return st, ErrNotFound
	}
	return st, err
}

func (r Repo) InsertSubtask(ctx context.Context, tx *sql.Tx, st domain.Subtask) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO subtasks(id,task_id,titre,est_terminee,assignee,completed_at,created_at) VALUES (?,?,?,?,?,?,?)`,
		st.ID, st.TaskID, st.Titre, boolInt(st.EstTerminee), st.Assignee, st.CompletedAt, st.CreatedAt)
	return err
}

func (r Repo) UpdateSubtask(ctx context.Context, tx *sql.Tx, st domain.Subtask) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE subtasks SET titre=?,est_terminee=?,assignee=?,completed_at=? WHERE id=?`,
		st.Titre, boolInt(st.EstTerminee), st.Assignee, st.CompletedAt, st.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteSubtask(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM subtasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetSubtask(ctx context.Context, tx *sql.Tx, id string) (domain.Subtask, error) {
	return scanSubtask(r.q(tx).QueryRowContext(ctx, `SELECT id,task_id,titre,est_terminee,assignee,completed_at,created_at FROM subtasks WHERE id=?`, id))
}

func (r Repo) ListSubtasks(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.Subtask, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,task_id,titre,est_terminee,assignee,completed_at,created_at FROM subtasks WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Subtask
	for rows.Next() {
		st, err := scanSubtask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}
