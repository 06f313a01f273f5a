package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ipmf/internal/domain"
)

const incomeColumns = `id,numero,motif,montant,mode_paiement,date_entree,commentaire,justificatif,statut,created_by,
confirmed_at,confirmed_by,cancelled_at,cancelled_by,motif_annulation,created_at,updated_at,version`

func scanIncome(s scanner) (domain.Income, error) {
	var in domain.Income
	err := s.Scan(&in.ID, &in.Numero, &in.Motif, &in.Montant, &in.ModePaiement, &in.DateEntree, &in.Commentaire, &in.Justificatif, &in.Statut, &in.CreatedBy,
		&in.ConfirmedAt, &in.ConfirmedBy, &in.CancelledAt, &in.CancelledBy, &in.MotifAnnulation, &in.CreatedAt, &in.UpdatedAt, &in.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return in, ErrNotFound
	}
	return in, err
}

func (r Repo) InsertIncome(ctx context.Context, tx *sql.Tx, in domain.Income) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO incomes(id,numero,motif,montant,mode_paiement,date_entree,commentaire,justificatif,statut,created_by,created_at,updated_at,version)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.Numero, in.Motif, in.Montant.String(), in.ModePaiement, in.DateEntree, in.Commentaire, in.Justificatif, string(in.Statut), in.CreatedBy,
		in.CreatedAt, in.UpdatedAt, in.Version)
	return err
}

func (r Repo) UpdateIncome(ctx context.Context, tx *sql.Tx, in domain.Income, expectedVersion int64) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE incomes SET statut=?,confirmed_at=?,confirmed_by=?,cancelled_at=?,cancelled_by=?,motif_annulation=?,commentaire=?,
updated_at=?,version=version+1 WHERE id=? AND version=?`,
		string(in.Statut), in.ConfirmedAt, in.ConfirmedBy, in.CancelledAt, in.CancelledBy, in.MotifAnnulation, in.Commentaire,
		in.UpdatedAt, in.ID, expectedVersion)
	if err != nil {
		return err
	}
	return casResult(res, "income", in.ID)
}

func (r Repo) GetIncome(ctx context.Context, tx *sql.Tx, id string) (domain.Income, error) {
	return scanIncome(r.q(tx).QueryRowContext(ctx, `SELECT `+incomeColumns+` FROM incomes WHERE id=?`, id))
}

type IncomeFilters struct {
	Statut       string
	ModePaiement string
	Limit        int
}

func (r Repo) ListIncomes(ctx context.Context, f IncomeFilters) ([]domain.Income, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Statut != "" {
		clauses = append(clauses, "statut=?")
		args = append(args, f.Statut)
	}
	if f.ModePaiement != "" {
		clauses = append(clauses, "mode_paiement=?")
		args = append(args, f.ModePaiement)
	}
	query := fmt.Sprintf(`SELECT %s FROM incomes WHERE %s ORDER BY date_entree DESC, numero DESC LIMIT ?`, incomeColumns, strings.Join(clauses, " AND "))
	args = append(args, normalizeLimit(f.Limit))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Income
	for rows.Next() {
		in, err := scanIncome(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}
