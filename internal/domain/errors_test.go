package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestErrorMatching(t *testing.T) {
	self := Permissionf(ReasonSelfApproval, "ag1 cannot verify")
	wrapped := fmt.Errorf("verify: %w", self)

	assert.True(t, errors.Is(wrapped, ErrPermission))
	assert.True(t, errors.Is(wrapped, ErrSelfApproval))
	assert.False(t, errors.Is(wrapped, ErrRole))
	assert.False(t, errors.Is(wrapped, ErrState))
	assert.Equal(t, KindPermission, KindOf(wrapped))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))

	conflict := Conflict("expense", "x1")
	assert.True(t, errors.Is(conflict, ErrState))
	assert.True(t, errors.Is(conflict, ErrConflict))
	assert.False(t, errors.Is(Statef("done"), ErrConflict))
}

func TestBudgetExceededDetails(t *testing.T) {
	err := BudgetExceeded("t1", decimal.RequireFromString("120"), decimal.RequireFromString("100"))
	assert.True(t, errors.Is(err, ErrBudgetExceeded))
	assert.Equal(t, "120", err.Details["requested"])
	assert.Equal(t, "100", err.Details["remaining"])
	assert.Contains(t, err.Error(), "budget_exceeded")
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("comptable")
	assert.NoError(t, err)
	assert.Equal(t, RoleComptable, r)
	_, err = ParseRole("system")
	assert.True(t, errors.Is(err, ErrValidation))
}
