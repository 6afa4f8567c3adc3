package rbac

import (
	"errors"
	"fmt"
)

var (
	ErrSelfAssignment       = errors.New("rbac: users cannot change their own role")
	ErrTargetNotSubordinate = errors.New("rbac: target user is not below the acting user")
	ErrRoleNotGrantable     = errors.New("rbac: role is not below the acting user's role")
)

// Subject is a user as seen by the role mutation rules.
type Subject interface {
	GetID() string
	GetRole() RoleID
}

// CheckAssignment applies the role mutation rules in order and returns the
// first one that denies, or nil when actor may give target the proposed role.
func CheckAssignment(actor, target Subject, proposed RoleID) error {
	if actor == nil || target == nil {
		return ErrTargetNotSubordinate
	}
	if actor.GetID() == target.GetID() {
		return ErrSelfAssignment
	}
	for _, id := range []RoleID{actor.GetRole(), target.GetRole(), proposed} {
		if !id.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownRole, string(id))
		}
	}
	if !actor.GetRole().Outranks(target.GetRole()) {
		return ErrTargetNotSubordinate
	}
	if !actor.GetRole().Outranks(proposed) {
		return ErrRoleNotGrantable
	}
	return nil
}

// CanAssignRole reports whether actor may give target the proposed role.
func CanAssignRole(actor, target Subject, proposed RoleID) bool {
	return CheckAssignment(actor, target, proposed) == nil
}

// AssignableRoles returns the roles strictly below the actor's, highest first.
func AssignableRoles(actor Subject) []RoleID {
	if actor == nil {
		return nil
	}
	own := actor.GetRole()
	var out []RoleID
	for _, id := range orderedRoles {
		if own.Outranks(id) {
			out = append(out, id)
		}
	}
	return out
}

// RequiresConfirmation reports whether moving a user from current to
// proposed must be confirmed explicitly before it is applied.
func RequiresConfirmation(current, proposed RoleID) bool {
	return current == RoleAdmin && proposed != RoleAdmin
}
