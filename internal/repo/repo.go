package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"ipmf/internal/domain"
)

// Repo is the SQL persistence layer. Methods taking a *sql.Tx run on the
// transaction when one is given and on the pool otherwise.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// casResult maps the affected row count of a version-guarded update.
func casResult(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.Conflict(entity, id)
	}
	return nil
}

// NextNumero allocates the next human-readable reference for a prefix and year,
// e.g. DEP-2024-007.
func (r Repo) NextNumero(ctx context.Context, tx *sql.Tx, prefix string, year int) (string, error) {
	var v int
	err := r.q(tx).QueryRowContext(ctx, `INSERT INTO sequences(prefix, year, value) VALUES (?,?,1)
ON CONFLICT(prefix, year) DO UPDATE SET value=value+1
RETURNING value`, prefix, year).Scan(&v)
	if err != nil {
		return "", fmt.Errorf("next %s sequence: %w", prefix, err)
	}
	return fmt.Sprintf("%s-%d-%03d", prefix, year, v), nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
