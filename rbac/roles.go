package rbac

import (
	"fmt"
	"sort"
	"strings"
)

// RoleID identifies one of the built-in roles.
type RoleID string

const (
	RoleAdmin   RoleID = "admin"
	RoleTrainer RoleID = "trainer"
	RoleMember  RoleID = "member"
)

// Hierarchy levels. A role may only manage roles of strictly lower level.
const (
	LevelMember  = 10
	LevelTrainer = 50
	LevelAdmin   = 100
)

// Role is a named bundle of permissions plus a hierarchy level.
// Roles are fixed at process start and never mutated.
type Role struct {
	ID          RoleID
	DisplayName string
	Description string
	Level       int
	permissions map[string]struct{}
}

// Has reports whether the role holds the permission id.
func (r Role) Has(permissionID string) bool {
	_, ok := r.permissions[permissionID]
	return ok
}

// Permissions returns the role's permissions in catalog order.
func (r Role) Permissions() []Permission {
	out := make([]Permission, 0, len(r.permissions))
	for _, p := range catalog {
		if r.Has(p.ID) {
			out = append(out, p)
		}
	}
	return out
}

func defineRole(id RoleID, displayName, description string, level int, permissionIDs ...string) Role {
	set := make(map[string]struct{}, len(permissionIDs))
	for _, pid := range permissionIDs {
		if _, ok := catalogIndex[pid]; !ok {
			panic(fmt.Sprintf("rbac: role %s references unknown permission %q", id, pid))
		}
		set[pid] = struct{}{}
	}
	return Role{ID: id, DisplayName: displayName, Description: description, Level: level, permissions: set}
}

func allPermissionIDs() []string {
	ids := make([]string, len(catalog))
	for i, p := range catalog {
		ids[i] = p.ID
	}
	return ids
}

var roleDefinitions = map[RoleID]Role{
	RoleAdmin: defineRole(RoleAdmin, "Administrator",
		"Full access to every part of the console",
		LevelAdmin, allPermissionIDs()...),
	RoleTrainer: defineRole(RoleTrainer, "Trainer",
		"Runs classes, works with members and reads reports",
		LevelTrainer,
		PermDashboardRead,
		PermProfileRead,
		PermProfileUpdate,
		PermMembersRead,
		PermMembersUpdate,
		PermTrainersRead,
		PermPaymentsRead,
		PermScheduleRead,
		PermScheduleManage,
		PermAttendanceCheckin,
		PermAttendanceRead,
		PermMessagesSend,
		PermReportsRead,
	),
	RoleMember: defineRole(RoleMember, "Member",
		"Gym member with access to their own data",
		LevelMember,
		PermDashboardRead,
		PermProfileRead,
		PermProfileUpdate,
		PermTrainersRead,
		PermPaymentsRead,
		PermScheduleRead,
		PermClassesBook,
		PermAttendanceCheckin,
	),
}

// Roles ordered from highest level to lowest.
var orderedRoles = func() []RoleID {
	ids := make([]RoleID, 0, len(roleDefinitions))
	for id := range roleDefinitions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return roleDefinitions[ids[i]].Level > roleDefinitions[ids[j]].Level
	})
	return ids
}()

// LookupRole returns the definition for id. An unknown id is a
// configuration error and must never be treated as a grant.
func LookupRole(id RoleID) (Role, error) {
	role, ok := roleDefinitions[id]
	if !ok {
		return Role{}, fmt.Errorf("%w: %q", ErrUnknownRole, string(id))
	}
	return role, nil
}

// ParseRole normalizes s and resolves it to a known role id.
func ParseRole(s string) (RoleID, error) {
	id := RoleID(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := roleDefinitions[id]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return id, nil
}

// Roles returns every role id, highest level first.
func Roles() []RoleID {
	out := make([]RoleID, len(orderedRoles))
	copy(out, orderedRoles)
	return out
}

// Valid reports whether id names a defined role.
func (id RoleID) Valid() bool {
	_, ok := roleDefinitions[id]
	return ok
}

// Level returns the hierarchy level, or 0 for an unknown role.
func (id RoleID) Level() int {
	return roleDefinitions[id].Level
}

// Outranks reports whether id sits strictly above other. Unknown roles
// outrank nothing and are outranked by nothing.
func (id RoleID) Outranks(other RoleID) bool {
	if !id.Valid() || !other.Valid() {
		return false
	}
	return id.Level() > other.Level()
}

// AtLeast reports whether id is a known role with level >= minLevel.
func (id RoleID) AtLeast(minLevel int) bool {
	return id.Valid() && id.Level() >= minLevel
}

func (id RoleID) String() string {
	return string(id)
}
