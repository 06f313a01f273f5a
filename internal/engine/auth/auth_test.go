package auth_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipmf/internal/db"
	"ipmf/internal/domain"
	"ipmf/internal/engine/auth"
	"ipmf/internal/migrate"
	"ipmf/internal/repo"
)

func actor(id string, role domain.Role) domain.Actor {
	return domain.Actor{ID: id, Role: role}
}

func TestPolicyTable(t *testing.T) {
	expense := auth.Subject{Kind: "expense", ID: "x1", CreatorID: "ag1"}
	bigExpense := auth.Subject{Kind: "expense", ID: "x2", CreatorID: "ag1", RequiresDG: true}
	task := auth.Subject{Kind: "task", ID: "t1", CreatorID: "dg1", Assignees: []string{"ag1"}}
	deferral := auth.Subject{Kind: "deferral", ID: "d1", CreatorID: "dg1", Assignees: []string{"ag1"}, RequesterID: "ag1"}

	cases := []struct {
		name    string
		actor   domain.Actor
		subject auth.Subject
		tr      auth.Transition
		want    error
	}{
		{"comptable verifies", actor("cpt", domain.RoleComptable), expense, auth.ExpenseVerify, nil},
		{"caisse cannot verify", actor("csh", domain.RoleCaisse), expense, auth.ExpenseVerify, domain.ErrRole},
		{"creator cannot verify", actor("ag1", domain.RoleAgent), expense, auth.ExpenseVerify, domain.ErrSelfApproval},
		{"comptable validates small", actor("cpt", domain.RoleComptable), expense, auth.ExpenseValidate, nil},
		{"comptable cannot validate large", actor("cpt", domain.RoleComptable), bigExpense, auth.ExpenseValidate, domain.ErrRole},
		{"dg validates large", actor("dg1", domain.RoleDG), bigExpense, auth.ExpenseValidate, nil},
		{"dg cannot validate own", actor("dg1", domain.RoleDG), auth.Subject{Kind: "expense", CreatorID: "dg1", RequiresDG: true}, auth.ExpenseValidate, domain.ErrSelfApproval},
		{"caisse pays", actor("csh", domain.RoleCaisse), expense, auth.ExpensePay, nil},
		{"comptable cannot pay", actor("cpt", domain.RoleComptable), expense, auth.ExpensePay, domain.ErrRole},
		{"agent cannot record income", actor("ag1", domain.RoleAgent), auth.Subject{Kind: "income"}, auth.IncomeCreate, domain.ErrRole},
		{"caisse records income", actor("csh", domain.RoleCaisse), auth.Subject{Kind: "income"}, auth.IncomeCreate, nil},
		{"agent cannot create task", actor("ag1", domain.RoleAgent), task, auth.TaskCreate, domain.ErrRole},
		{"assignee starts", actor("ag1", domain.RoleAgent), task, auth.TaskStart, nil},
		{"other agent cannot start", actor("ag2", domain.RoleAgent), task, auth.TaskStart, domain.ErrRole},
		{"only assignees complete", actor("dg2", domain.RoleDG), task, auth.TaskComplete, domain.ErrPermission},
		{"creator cannot validate task", actor("dg1", domain.RoleDG), task, auth.TaskValidate, domain.ErrSelfApproval},
		{"other dg validates task", actor("dg2", domain.RoleDG), task, auth.TaskValidate, nil},
		{"creator edits checklist", actor("dg1", domain.RoleDG), task, auth.TaskChecklist, nil},
		{"requester cannot approve", actor("ag1", domain.RoleAdmin), deferral, auth.DeferralApprove, domain.ErrSelfApproval},
		{"task creator approves deferral", actor("dg1", domain.RoleDG), deferral, auth.DeferralApprove, nil},
		{"anonymous refused", domain.Actor{}, expense, auth.ExpenseVerify, domain.ErrRole},
		{"unknown transition", actor("adm", domain.RoleAdmin), expense, auth.Transition("expense.burn"), domain.ErrRole},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := auth.Policy{}.CanTransition(tc.actor, tc.subject, tc.tr)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestSelfApprovalCheckedBeforeRole(t *testing.T) {
	// An agent who submitted an expense is refused for self-approval, not for
	// lacking the comptable role.
	err := auth.Policy{}.CanTransition(actor("ag1", domain.RoleAgent), auth.Subject{Kind: "expense", CreatorID: "ag1"}, auth.ExpenseValidate)
	require.Error(t, err)
	assert.Equal(t, domain.ReasonSelfApproval, err.(*domain.Error).Reason)
}

func TestAllowedRoles(t *testing.T) {
	assert.Equal(t, []domain.Role{domain.RoleAdmin, domain.RoleComptable}, auth.AllowedRoles(auth.ExpenseValidate, false))
	assert.Equal(t, []domain.Role{domain.RoleAdmin, domain.RoleDG}, auth.AllowedRoles(auth.ExpenseValidate, true))
	assert.Equal(t, []domain.Role{domain.RoleAdmin, domain.RoleCaisse}, auth.AllowedRoles(auth.ExpensePay, false))
}

func TestServiceRegisterAndResolve(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	svc := auth.Service{Repo: repo.Repo{DB: conn}}
	ctx := context.Background()

	_, err = svc.Resolve(ctx, "cpt")
	require.ErrorIs(t, err, domain.ErrRole)

	_, err = svc.Register(ctx, nil, "cpt", domain.RoleComptable, "Comptable")
	require.NoError(t, err)
	a, err := svc.Resolve(ctx, "cpt")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleComptable, a.Role)

	_, err = svc.Register(ctx, nil, domain.SystemActor.ID, domain.RoleAdmin, "")
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = svc.Register(ctx, nil, "x", domain.Role("boss"), "")
	require.ErrorIs(t, err, domain.ErrValidation)
}
