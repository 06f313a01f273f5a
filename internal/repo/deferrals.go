package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ipmf/internal/domain"
)

const deferralColumns = `id,task_id,requester,date_demandee,ancienne_echeance,motif,statut,responder,responded_at,commentaire_reponse,created_at,version`

func scanDeferral(s scanner) (domain.Deferral, error) {
	var d domain.Deferral
	err := s.Scan(&d.ID, &d.TaskID, &d.Requester, &d.DateDemandee, &d.AncienneEcheance, &d.Motif, &d.Statut, &d.Responder, &d.RespondedAt, &d.CommentaireReponse, &d.CreatedAt, &d.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	return d, err
}

// InsertDeferral stores a pending request. The partial unique index on
// (task_id) WHERE statut='en_attente' turns a second pending request into a
// state error.
func (r Repo) InsertDeferral(ctx context.Context, tx *sql.Tx, d domain.Deferral) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO deferral_requests(id,task_id,requester,date_demandee,ancienne_echeance,motif,statut,created_at,version)
VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, d.TaskID, d.Requester, d.DateDemandee, d.AncienneEcheance, d.Motif, string(d.Statut), d.CreatedAt, d.Version)
	if isUniqueViolation(err) {
		return domain.Statef("task %s already has a pending deferral request", d.TaskID)
	}
	return err
}

func (r Repo) UpdateDeferral(ctx context.Context, tx *sql.Tx, d domain.Deferral, expectedVersion int64) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE deferral_requests SET statut=?,responder=?,responded_at=?,commentaire_reponse=?,version=version+1
WHERE id=? AND version=?`,
		string(d.Statut), d.Responder, d.RespondedAt, d.CommentaireReponse, d.ID, expectedVersion)
	if err != nil {
		return err
	}
	return casResult(res, "deferral", d.ID)
}

func (r Repo) GetDeferral(ctx context.Context, tx *sql.Tx, id string) (domain.Deferral, error) {
	return scanDeferral(r.q(tx).QueryRowContext(ctx, `SELECT `+deferralColumns+` FROM deferral_requests WHERE id=?`, id))
}

// PendingDeferral returns the open request of a task or ErrNotFound.
func (r Repo) PendingDeferral(ctx context.Context, tx *sql.Tx, taskID string) (domain.Deferral, error) {
	return scanDeferral(r.q(tx).QueryRowContext(ctx, `SELECT `+deferralColumns+` FROM deferral_requests WHERE task_id=? AND statut=?`,
		taskID, string(domain.DeferralPending)))
}

type DeferralFilters struct {
	TaskID string
	Statut string
	Limit  int
}

func (r Repo) ListDeferrals(ctx context.Context, f DeferralFilters) ([]domain.Deferral, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Statut != "" {
		clauses = append(clauses, "statut=?")
		args = append(args, f.Statut)
	}
	query := fmt.Sprintf(`SELECT %s FROM deferral_requests WHERE %s ORDER BY created_at DESC, id DESC LIMIT ?`, deferralColumns, strings.Join(clauses, " AND "))
	args = append(args, normalizeLimit(f.Limit))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deferral
	for rows.Next() {
		d, err := scanDeferral(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
