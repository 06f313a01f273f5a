package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ipmf/internal/domain"
)

const expenseColumns = `id,numero,motif,categorie,quantite,prix_unitaire,montant,commentaire,justificatif,statut,created_by,
COALESCE(tache_id,''),necessite_validation_dg,budget_reserved,budget_committed,approved_by_system,COALESCE(resubmitted_from,''),
verified_at,verified_by,validated_at,validated_by,paid_at,paid_by,rejected_at,rejected_by,motif_rejet,commentaire_validation,
created_at,updated_at,version`

func scanExpense(s scanner) (domain.Expense, error) {
	var x domain.Expense
	err := s.Scan(&x.ID, &x.Numero, &x.Motif, &x.Categorie, &x.Quantite, &x.PrixUnitaire, &x.Montant, &x.Commentaire, &x.Justificatif, &x.Statut, &x.CreatedBy,
		&x.TacheID, &x.NecessiteValidationDG, &x.BudgetReserved, &x.BudgetCommitted, &x.ApprovedBySystem, &x.ResubmittedFrom,
		&x.VerifiedAt, &x.VerifiedBy, &x.ValidatedAt, &x.ValidatedBy, &x.PaidAt, &x.PaidBy, &x.RejectedAt, &x.RejectedBy, &x.MotifRejet, &x.CommentaireValidation,
		&x.CreatedAt, &x.UpdatedAt, &x.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return x, ErrNotFound
	}
	return x, err
}

func (r Repo) InsertExpense(ctx context.Context, tx *sql.Tx, x domain.Expense) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO expenses(id,numero,motif,categorie,quantite,prix_unitaire,montant,commentaire,justificatif,statut,created_by,
tache_id,necessite_validation_dg,budget_reserved,budget_committed,approved_by_system,resubmitted_from,created_at,updated_at,version)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		x.ID, x.Numero, x.Motif, x.Categorie, x.Quantite, x.PrixUnitaire.String(), x.Montant.String(), x.Commentaire, x.Justificatif, string(x.Statut), x.CreatedBy,
		nullable(x.TacheID), boolInt(x.NecessiteValidationDG), boolInt(x.BudgetReserved), boolInt(x.BudgetCommitted), boolInt(x.ApprovedBySystem), nullable(x.ResubmittedFrom),
		x.CreatedAt, x.UpdatedAt, x.Version)
	return err
}

// UpdateExpense writes the workflow columns if the row is still at expectedVersion.
// Amount columns are never rewritten.
func (r Repo) UpdateExpense(ctx context.Context, tx *sql.Tx, x domain.Expense, expectedVersion int64) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE expenses SET statut=?,budget_reserved=?,budget_committed=?,approved_by_system=?,
verified_at=?,verified_by=?,validated_at=?,validated_by=?,paid_at=?,paid_by=?,rejected_at=?,rejected_by=?,motif_rejet=?,commentaire_validation=?,
updated_at=?,version=version+1
WHERE id=? AND version=?`,
		string(x.Statut), boolInt(x.BudgetReserved), boolInt(x.BudgetCommitted), boolInt(x.ApprovedBySystem),
		x.VerifiedAt, x.VerifiedBy, x.ValidatedAt, x.ValidatedBy, x.PaidAt, x.PaidBy, x.RejectedAt, x.RejectedBy, x.MotifRejet, x.CommentaireValidation,
		x.UpdatedAt, x.ID, expectedVersion)
	if err != nil {
		return err
	}
	return casResult(res, "expense", x.ID)
}

func (r Repo) GetExpense(ctx context.Context, tx *sql.Tx, id string) (domain.Expense, error) {
	return scanExpense(r.q(tx).QueryRowContext(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE id=?`, id))
}

type ExpenseFilters struct {
	Statut    string
	TacheID   string
	CreatedBy string
	Limit     int
}

func (r Repo) ListExpenses(ctx context.Context, f ExpenseFilters) ([]domain.Expense, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Statut != "" {
		clauses = append(clauses, "statut=?")
		args = append(args, f.Statut)
	}
	if f.TacheID != "" {
		clauses = append(clauses, "tache_id=?")
		args = append(args, f.TacheID)
	}
	if f.CreatedBy != "" {
		clauses = append(clauses, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	query := fmt.Sprintf(`SELECT %s FROM expenses WHERE %s ORDER BY created_at DESC, numero DESC LIMIT ?`, expenseColumns, strings.Join(clauses, " AND "))
	args = append(args, normalizeLimit(f.Limit))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Expense
	for rows.Next() {
		x, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, x)
	}
	return res, rows.Err()
}

// HeldExpenses lists the expenses of a task whose amount is still reserved on
// its ledger.
func (r Repo) HeldExpenses(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.Expense, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE tache_id=? AND budget_reserved=1 ORDER BY numero`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Expense
	for rows.Next() {
		x, err := scanExpense(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, x)
	}
	return res, rows.Err()
}
