package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ipmf/internal/domain"
	"ipmf/internal/repo"
)

// Transition names a guarded action on an entity.
type Transition string

const (
	ExpenseVerify   Transition = "expense.verify"
	ExpenseValidate Transition = "expense.validate"
	ExpensePay      Transition = "expense.pay"
	ExpenseReject   Transition = "expense.reject"

	IncomeCreate  Transition = "income.create"
	IncomeConfirm Transition = "income.confirm"
	IncomeCancel  Transition = "income.cancel"

	TaskCreate      Transition = "task.create"
	TaskStart       Transition = "task.start"
	TaskComplete    Transition = "task.complete"
	TaskValidate    Transition = "task.validate"
	TaskRework      Transition = "task.rework"
	TaskCancel      Transition = "task.cancel"
	TaskAmendBudget Transition = "task.amend_budget"
	TaskChecklist   Transition = "task.checklist"

	DeferralRequest Transition = "deferral.request"
	DeferralApprove Transition = "deferral.approve"
	DeferralReject  Transition = "deferral.reject"
)

// Subject carries the entity facts the policy needs.
type Subject struct {
	Kind       string
	ID         string
	CreatorID  string
	Assignees  []string
	RequiresDG bool
	// RequesterID is the actor who opened a deferral request.
	RequesterID string
}

func (s Subject) assigned(actorID string) bool {
	for _, a := range s.Assignees {
		if a == actorID {
			return true
		}
	}
	return false
}

type rule struct {
	roles []domain.Role
	// assignees may act regardless of role.
	assignees bool
	// onlyAssignees restricts the transition to assignees.
	onlyAssignees bool
	// creator may act regardless of role.
	creator bool
	// separated forbids the entity creator (or deferral requester) from acting.
	separated bool
}

var (
	reviewers  = []domain.Role{domain.RoleAdmin, domain.RoleComptable}
	directors  = []domain.Role{domain.RoleAdmin, domain.RoleDG}
	treasurers = []domain.Role{domain.RoleAdmin, domain.RoleDG, domain.RoleComptable, domain.RoleCaisse}
)

var rules = map[Transition]rule{
	ExpenseVerify:   {roles: reviewers, separated: true},
	ExpenseValidate: {separated: true}, // roles depend on the DG threshold
	ExpensePay:      {roles: []domain.Role{domain.RoleAdmin, domain.RoleCaisse}, separated: true},
	ExpenseReject:   {roles: []domain.Role{domain.RoleAdmin, domain.RoleDG, domain.RoleComptable}, separated: true},

	IncomeCreate:  {roles: treasurers},
	IncomeConfirm: {roles: treasurers},
	IncomeCancel:  {roles: treasurers},

	TaskCreate:      {roles: directors},
	TaskStart:       {roles: directors, assignees: true},
	TaskComplete:    {onlyAssignees: true},
	TaskValidate:    {roles: directors, separated: true},
	TaskRework:      {roles: directors, separated: true},
	TaskCancel:      {roles: directors},
	TaskAmendBudget: {roles: directors},
	TaskChecklist:   {roles: directors, assignees: true, creator: true},

	DeferralRequest: {onlyAssignees: true},
	DeferralApprove: {roles: directors, separated: true},
	DeferralReject:  {roles: directors, separated: true},
}

// Policy is the permission table. The separation-of-duties guard runs before
// any role check so callers can tell a self-approval from a role mismatch.
type Policy struct{}

func (Policy) CanTransition(actor domain.Actor, subject Subject, t Transition) error {
	r, ok := rules[t]
	if !ok {
		return domain.Permissionf(domain.ReasonRole, "unknown transition %s", t)
	}
	if actor.ID == "" {
		return domain.Permissionf(domain.ReasonRole, "actor required for %s", t)
	}
	if r.separated {
		owner := subject.CreatorID
		if subject.RequesterID != "" {
			owner = subject.RequesterID
		}
		if owner != "" && actor.ID == owner {
			return domain.Permissionf(domain.ReasonSelfApproval, "%s cannot %s a %s they submitted", actor.ID, t, subject.Kind)
		}
	}
	if r.onlyAssignees {
		if !subject.assigned(actor.ID) {
			return domain.Permissionf(domain.ReasonNotAssigned, "%s is not assigned to %s %s", actor.ID, subject.Kind, subject.ID)
		}
		return nil
	}
	if r.assignees && subject.assigned(actor.ID) {
		return nil
	}
	if r.creator && subject.CreatorID == actor.ID {
		return nil
	}
	roles := r.roles
	if t == ExpenseValidate {
		roles = reviewers
		if subject.RequiresDG {
			roles = directors
		}
	}
	for _, role := range roles {
		if actor.Role == role {
			return nil
		}
	}
	return domain.Permissionf(domain.ReasonRole, "role %s cannot %s", actor.Role, t)
}

// AllowedRoles lists the roles granted a transition, for notification routing.
func AllowedRoles(t Transition, requiresDG bool) []domain.Role {
	if t == ExpenseValidate {
		if requiresDG {
			return directors
		}
		return reviewers
	}
	return rules[t].roles
}

// Service resolves actor identities to their registered role.
type Service struct {
	Repo repo.Repo
	Now  func() time.Time
}

// Resolve returns the registered actor. Unknown actors are refused.
func (s Service) Resolve(ctx context.Context, actorID string) (domain.Actor, error) {
	if actorID == "" {
		return domain.Actor{}, domain.Permissionf(domain.ReasonRole, "actor id required")
	}
	a, err := s.Repo.GetActor(ctx, nil, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Actor{}, domain.Permissionf(domain.ReasonRole, "actor %s is not registered", actorID)
	}
	if err != nil {
		return domain.Actor{}, fmt.Errorf("resolve actor %s: %w", actorID, err)
	}
	return a, nil
}

// Register creates or updates an actor with an assignable role.
func (s Service) Register(ctx context.Context, tx *sql.Tx, actorID string, role domain.Role, name string) (domain.Actor, error) {
	if actorID == "" {
		return domain.Actor{}, domain.Validationf("actor id required")
	}
	if actorID == domain.SystemActor.ID {
		return domain.Actor{}, domain.Validationf("actor id %q is reserved", actorID)
	}
	if _, err := domain.ParseRole(string(role)); err != nil {
		return domain.Actor{}, err
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	a := domain.Actor{ID: actorID, Role: role, DisplayName: name, CreatedAt: now().UTC().Format(time.RFC3339)}
	if err := s.Repo.UpsertActor(ctx, tx, a); err != nil {
		return domain.Actor{}, err
	}
	return s.Repo.GetActor(ctx, tx, actorID)
}
