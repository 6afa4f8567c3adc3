package access

import "github.com/talosaether/gymops/rbac"

// Owned is a record that belongs to one user, e.g. a payment or a booking.
type Owned interface {
	OwnerID() string
}

// Scope is what the caller asks to see.
type Scope uint8

const (
	// ScopeAll asks for every record the caller is allowed to see.
	ScopeAll Scope = iota
	// ScopeOwn asks only for the caller's own records.
	ScopeOwn
)

// FilterByAccess returns items visible to the snapshot's user: all of them
// for ScopeAll when canViewAllMembers is granted, otherwise only the user's
// own. A snapshot without a user sees nothing.
func FilterByAccess[T Owned](s *Snapshot, items []T, scope Scope) []T {
	return FilterByCapability(s, items, rbac.CanViewAllMembers, scope)
}

// FilterByCapability is FilterByAccess with viewAll as the capability that
// unlocks other users' records.
func FilterByCapability[T Owned](s *Snapshot, items []T, viewAll rbac.Capability, scope Scope) []T {
	userID := s.UserID()
	if userID == "" {
		return []T{}
	}
	if scope == ScopeAll && s.HasPermission(viewAll) {
		return items
	}
	out := make([]T, 0, len(items))
	for _, item := range items {
		if item.OwnerID() == userID {
			out = append(out, item)
		}
	}
	return out
}
