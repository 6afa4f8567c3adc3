// Package access answers "may the signed-in user do this?" for the console.
//
// A Context is the versioned state cell for one session: it moves from
// Uninitialized through Loading to Ready, either with a user or without one,
// and publishes each settled state as an immutable Snapshot. All checks are
// methods on *Snapshot and read nothing else, so they are safe from any
// goroutine and a nil, loading or signed-out snapshot denies everything.
//
// The Module wires Contexts to the auth event stream, resolves a Snapshot for
// every HTTP request, and owns the role-change path (RoleChanger).
package access

import (
	"slices"

	"github.com/talosaether/gymops/rbac"
	"github.com/talosaether/gymops/users"
)

// State is a Context lifecycle state.
type State uint8

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Snapshot is one settled view of a Context. It is never modified after it
// is published.
type Snapshot struct {
	state      State
	generation uint64
	user       *users.Profile
	role       rbac.RoleID
	matrix     rbac.Matrix
}

func uninitialized() *Snapshot {
	return &Snapshot{state: StateUninitialized}
}

func loading(gen uint64) *Snapshot {
	return &Snapshot{state: StateLoading, generation: gen}
}

func signedOut(gen uint64) *Snapshot {
	return &Snapshot{state: StateReady, generation: gen}
}

// signedIn resolves the profile's role into a matrix. A role that is not
// defined keeps the user but grants nothing.
func signedIn(gen uint64, profile *users.Profile) *Snapshot {
	role := profile.GetRole()
	return &Snapshot{
		state:      StateReady,
		generation: gen,
		user:       profile,
		role:       role,
		matrix:     rbac.MatrixFor(role),
	}
}

// ReadyFor builds a Ready snapshot for profile outside of any Context; nil
// yields the signed-out snapshot.
func ReadyFor(profile *users.Profile) *Snapshot {
	if profile == nil {
		return signedOut(0)
	}
	return signedIn(0, profile)
}

// State returns the lifecycle state.
func (s *Snapshot) State() State {
	if s == nil {
		return StateUninitialized
	}
	return s.state
}

// Generation returns the transition that produced the snapshot.
func (s *Snapshot) Generation() uint64 {
	if s == nil {
		return 0
	}
	return s.generation
}

// Loading reports whether a transition is still in flight.
func (s *Snapshot) Loading() bool {
	return s.State() == StateLoading
}

// Authenticated reports whether the snapshot is Ready with a user.
func (s *Snapshot) Authenticated() bool {
	return s != nil && s.state == StateReady && s.user != nil
}

// User returns the signed-in profile, or nil.
func (s *Snapshot) User() *users.Profile {
	if !s.Authenticated() {
		return nil
	}
	return s.user
}

// UserID returns the signed-in user's ID, or "".
func (s *Snapshot) UserID() string {
	return s.User().GetID()
}

// Role returns the signed-in user's stored role, which may be undefined.
func (s *Snapshot) Role() rbac.RoleID {
	if !s.Authenticated() {
		return ""
	}
	return s.role
}

// Matrix returns the capability matrix; the zero matrix when not signed in.
func (s *Snapshot) Matrix() rbac.Matrix {
	if !s.Authenticated() {
		return rbac.Matrix{}
	}
	return s.matrix
}

// HasPermission reports whether the signed-in role grants c.
func (s *Snapshot) HasPermission(c rbac.Capability) bool {
	return s.Matrix().Has(c)
}

// HasPermissionKey is HasPermission for a camelCase capability key.
// Unknown keys deny.
func (s *Snapshot) HasPermissionKey(key string) bool {
	c, ok := rbac.ParseCapability(key)
	return ok && s.HasPermission(c)
}

// HasAnyPermission reports whether at least one of cs is granted.
// No capabilities means false.
func (s *Snapshot) HasAnyPermission(cs ...rbac.Capability) bool {
	m := s.Matrix()
	return slices.ContainsFunc(cs, m.Has)
}

// HasAllPermissions reports whether every one of cs is granted.
// No capabilities means true, whatever the state.
func (s *Snapshot) HasAllPermissions(cs ...rbac.Capability) bool {
	m := s.Matrix()
	for _, c := range cs {
		if !m.Has(c) {
			return false
		}
	}
	return true
}

// IsRole reports whether the signed-in user holds role.
func (s *Snapshot) IsRole(role rbac.RoleID) bool {
	return s.Authenticated() && role.Valid() && s.role == role
}

// RequireRole reports whether the signed-in user holds one of roles.
func (s *Snapshot) RequireRole(roles ...rbac.RoleID) bool {
	return slices.ContainsFunc(roles, s.IsRole)
}

// HasRoleLevel reports whether the signed-in role's level is at least
// minLevel. Undefined roles have no level.
func (s *Snapshot) HasRoleLevel(minLevel int) bool {
	return s.Authenticated() && s.role.AtLeast(minLevel)
}

// AssignableRoles lists the roles the signed-in user may hand out.
func (s *Snapshot) AssignableRoles() []rbac.RoleID {
	user := s.User()
	if user == nil {
		return nil
	}
	return rbac.AssignableRoles(user)
}
