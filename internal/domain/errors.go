package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindPermission     ErrorKind = "permission"
	KindState          ErrorKind = "state"
	KindBudgetExceeded ErrorKind = "budget_exceeded"
	KindNotFound       ErrorKind = "not_found"
)

// Permission and state reasons.
const (
	ReasonRole         = "role"
	ReasonSelfApproval = "self-approval"
	ReasonNotAssigned  = "not-assigned"
	ReasonConflict     = "conflict"
)

// Error is the structured failure returned by every engine operation.
type Error struct {
	Kind    ErrorKind
	Reason  string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches on kind, and on reason when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

var (
	ErrValidation     = &Error{Kind: KindValidation}
	ErrPermission     = &Error{Kind: KindPermission}
	ErrSelfApproval   = &Error{Kind: KindPermission, Reason: ReasonSelfApproval}
	ErrRole           = &Error{Kind: KindPermission, Reason: ReasonRole}
	ErrState          = &Error{Kind: KindState}
	ErrConflict       = &Error{Kind: KindState, Reason: ReasonConflict}
	ErrBudgetExceeded = &Error{Kind: KindBudgetExceeded}
	ErrNotFound       = &Error{Kind: KindNotFound, Message: "not found"}
)

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Permissionf(reason, format string, args ...any) *Error {
	return &Error{Kind: KindPermission, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func Statef(format string, args ...any) *Error {
	return &Error{Kind: KindState, Message: fmt.Sprintf(format, args...)}
}

func Conflict(entity, id string) *Error {
	return &Error{
		Kind:    KindState,
		Reason:  ReasonConflict,
		Message: fmt.Sprintf("concurrent modification of %s %s", entity, id),
		Details: map[string]any{"entity": entity, "id": id},
	}
}

func BudgetExceeded(taskID string, requested, remaining fmt.Stringer) *Error {
	return &Error{
		Kind:    KindBudgetExceeded,
		Message: fmt.Sprintf("task %s: requested %s exceeds remaining %s", taskID, requested, remaining),
		Details: map[string]any{"task_id": taskID, "requested": requested.String(), "remaining": remaining.String()},
	}
}

func NotFound(entity, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s %s not found", entity, id),
		Details: map[string]any{"entity": entity, "id": id},
	}
}

// KindOf returns the kind of a structured error, or "" for anything else.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}
