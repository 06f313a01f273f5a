package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"ipmf/internal/config"
	"ipmf/internal/domain"
	"ipmf/internal/repo"
)

const defaultAttempts = 3

// Store is the persistence the ledger needs. repo.Repo satisfies it.
type Store interface {
	InsertLedger(ctx context.Context, tx *sql.Tx, e domain.LedgerEntry) error
	GetLedger(ctx context.Context, tx *sql.Tx, taskID string) (domain.LedgerEntry, error)
	SwapLedger(ctx context.Context, tx *sql.Tx, e domain.LedgerEntry) (bool, error)
}

// Ledger arbitrates task spend against allocation. Every balance change is a
// version-stamped compare-and-swap on the task's row, retried a bounded number
// of times when another writer got there first.
type Ledger struct {
	Repo        Store
	Enforcement string
	Attempts    int
	Now         func() time.Time
}

// Reservation is the outcome of Reserve.
type Reservation struct {
	Reserved  bool
	Remaining decimal.Decimal
}

func (l Ledger) now() string {
	if l.Now != nil {
		return l.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (l Ledger) attempts() int {
	if l.Attempts > 0 {
		return l.Attempts
	}
	return defaultAttempts
}

func (l Ledger) hard() bool {
	return l.Enforcement == config.EnforcementHard
}

// Open creates the ledger row of a task.
func (l Ledger) Open(ctx context.Context, tx *sql.Tx, taskID string, allocated decimal.Decimal) (domain.LedgerEntry, error) {
	if allocated.IsNegative() {
		return domain.LedgerEntry{}, domain.Validationf("allocated budget must not be negative")
	}
	e := domain.LedgerEntry{
		TaskID:    taskID,
		Allocated: allocated,
		Reserved:  decimal.Zero,
		Spent:     decimal.Zero,
		Version:   1,
		UpdatedAt: l.now(),
	}
	if err := l.Repo.InsertLedger(ctx, tx, e); err != nil {
		return domain.LedgerEntry{}, err
	}
	e.Remaining = e.Balance()
	return e, nil
}

// Query reads the balances of a task.
func (l Ledger) Query(ctx context.Context, tx *sql.Tx, taskID string) (domain.LedgerEntry, error) {
	e, err := l.Repo.GetLedger(ctx, tx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return e, domain.NotFound("budget ledger", taskID)
	}
	return e, err
}

// Reserve holds amount against the remaining balance. When the balance is
// short, hard enforcement fails with a budget error and soft enforcement
// returns Reserved=false so the caller can fall back to the manual chain.
func (l Ledger) Reserve(ctx context.Context, tx *sql.Tx, taskID string, amount decimal.Decimal) (Reservation, error) {
	var res Reservation
	_, err := l.swap(ctx, tx, taskID, func(e *domain.LedgerEntry) (bool, error) {
		remaining := e.Balance()
		if amount.GreaterThan(remaining) {
			res = Reservation{Reserved: false, Remaining: remaining}
			if l.hard() {
				return false, domain.BudgetExceeded(taskID, amount, remaining)
			}
			return false, nil
		}
		e.Reserved = e.Reserved.Add(amount)
		res = Reservation{Reserved: true, Remaining: e.Balance()}
		return true, nil
	})
	return res, err
}

// Commit books amount as spent. A held reservation moves to spent; an
// unreserved amount (soft enforcement overflow) is added directly. The result
// reports whether a ledger existed to book against.
func (l Ledger) Commit(ctx context.Context, tx *sql.Tx, taskID string, amount decimal.Decimal, reserved bool) (bool, error) {
	return l.swap(ctx, tx, taskID, func(e *domain.LedgerEntry) (bool, error) {
		if reserved {
			e.Reserved = clampZero(e.Reserved.Sub(amount))
		} else if l.hard() && amount.GreaterThan(e.Balance()) {
			return false, domain.BudgetExceeded(taskID, amount, e.Balance())
		}
		e.Spent = e.Spent.Add(amount)
		return true, nil
	})
}

// Release reverses a reservation, or a spend when fromSpent is set.
func (l Ledger) Release(ctx context.Context, tx *sql.Tx, taskID string, amount decimal.Decimal, fromSpent bool) error {
	_, err := l.swap(ctx, tx, taskID, func(e *domain.LedgerEntry) (bool, error) {
		if fromSpent {
			e.Spent = clampZero(e.Spent.Sub(amount))
		} else {
			e.Reserved = clampZero(e.Reserved.Sub(amount))
		}
		return true, nil
	})
	return err
}

// Amend changes the allocation, opening the ledger when the task had none.
// Hard enforcement refuses an allocation below what is already committed.
func (l Ledger) Amend(ctx context.Context, tx *sql.Tx, taskID string, allocated decimal.Decimal) (domain.LedgerEntry, error) {
	if allocated.IsNegative() {
		return domain.LedgerEntry{}, domain.Validationf("allocated budget must not be negative")
	}
	if _, err := l.Repo.GetLedger(ctx, tx, taskID); errors.Is(err, repo.ErrNotFound) {
		return l.Open(ctx, tx, taskID, allocated)
	} else if err != nil {
		return domain.LedgerEntry{}, err
	}
	_, err := l.swap(ctx, tx, taskID, func(e *domain.LedgerEntry) (bool, error) {
		committed := e.Spent.Add(e.Reserved)
		if l.hard() && allocated.LessThan(committed) {
			return false, domain.BudgetExceeded(taskID, committed, allocated)
		}
		e.Allocated = allocated
		return true, nil
	})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	return l.Query(ctx, tx, taskID)
}

// swap runs the read-modify-CAS loop and reports whether a row was written.
// A task without a ledger row has no budget to arbitrate, so mutations on it
// are no-ops.
func (l Ledger) swap(ctx context.Context, tx *sql.Tx, taskID string, mutate func(*domain.LedgerEntry) (bool, error)) (bool, error) {
	for i := 0; i < l.attempts(); i++ {
		e, err := l.Repo.GetLedger(ctx, tx, taskID)
		if errors.Is(err, repo.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		write, err := mutate(&e)
		if err != nil || !write {
			return false, err
		}
		e.UpdatedAt = l.now()
		ok, err := l.Repo.SwapLedger(ctx, tx, e)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, domain.Conflict("budget ledger", taskID)
}

func clampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
