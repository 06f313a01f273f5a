package repo

import (
	"context"
	"database/sql"
	"errors"

	"ipmf/internal/domain"
)

func (r Repo) InsertLedger(ctx context.Context, tx *sql.Tx, l domain.LedgerEntry) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO budget_ledgers(task_id,allocated,reserved,spent,version,updated_at) VALUES (?,?,?,?,?,?)`,
		l.TaskID, l.Allocated.String(), l.Reserved.String(), l.Spent.String(), l.Version, l.UpdatedAt)
	return err
}

func (r Repo) GetLedger(ctx context.Context, tx *sql.Tx, taskID string) (domain.LedgerEntry, error) {
	var l domain.LedgerEntry
	err := r.q(tx).QueryRowContext(ctx, `SELECT task_id,allocated,reserved,spent,version,updated_at FROM budget_ledgers WHERE task_id=?`, taskID).
		Scan(&l.TaskID, &l.Allocated, &l.Reserved, &l.Spent, &l.Version, &l.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.Remaining = l.Balance()
	return l, nil
}

// SwapLedger writes the balances if the row is still at l.Version. It reports
// false when another writer bumped the version first.
func (r Repo) SwapLedger(ctx context.Context, tx *sql.Tx, l domain.LedgerEntry) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE budget_ledgers SET allocated=?,reserved=?,spent=?,updated_at=?,version=version+1
WHERE task_id=? AND version=?`,
		l.Allocated.String(), l.Reserved.String(), l.Spent.String(), l.UpdatedAt, l.TaskID, l.Version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
