package repo

import (
	"context"
	"database/sql"
	"errors"

	"ipmf/internal/domain"
)

// UpsertActor registers an actor or changes its role.
func (r Repo) UpsertActor(ctx context.Context, tx *sql.Tx, a domain.Actor) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO actors(id, role, display_name, created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET role=excluded.role, display_name=excluded.display_name`,
		a.ID, string(a.Role), a.DisplayName, a.CreatedAt)
	return err
}

func (r Repo) GetActor(ctx context.Context, tx *sql.Tx, id string) (domain.Actor, error) {
	var a domain.Actor
	err := r.q(tx).QueryRowContext(ctx, `SELECT id, role, display_name, created_at FROM actors WHERE id=?`, id).
		Scan(&a.ID, &a.Role, &a.DisplayName, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListActors(ctx context.Context, role string) ([]domain.Actor, error) {
	query := `SELECT id, role, display_name, created_at FROM actors`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, role)
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Actor
	for rows.Next() {
		var a domain.Actor
		if err := rows.Scan(&a.ID, &a.Role, &a.DisplayName, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
