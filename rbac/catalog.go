// Package rbac defines the gym console's authorization model: the fixed
// permission catalog, the three built-in roles and their hierarchy, the
// per-role capability matrix, and the rules for reassigning roles.
//
// Everything in this package is immutable process-wide data and pure
// functions over it. Unknown identifiers never grant anything.
package rbac

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownPermission = errors.New("rbac: unknown permission")
	ErrUnknownRole       = errors.New("rbac: unknown role")
)

// Permission ids. The resource is the part before the dot, the action after.
const (
	PermDashboardRead     = "dashboard.read"
	PermProfileRead       = "profile.read"
	PermProfileUpdate     = "profile.update"
	PermUsersManage       = "users.manage"
	PermRolesManage       = "roles.manage"
	PermMembersRead       = "members.read"
	PermMembersCreate     = "members.create"
	PermMembersUpdate     = "members.update"
	PermMembersDelete     = "members.delete"
	PermTrainersRead      = "trainers.read"
	PermTrainersManage    = "trainers.manage"
	PermTrainersAssign    = "trainers.assign"
	PermPaymentsRead      = "payments.read"
	PermPaymentsManage    = "payments.manage"
	PermScheduleRead      = "schedule.read"
	PermScheduleManage    = "schedule.manage"
	PermClassesBook       = "classes.book"
	PermAttendanceCheckin = "attendance.checkin"
	PermAttendanceRead    = "attendance.read"
	PermMessagesSend      = "messages.send"
	PermMessagesBroadcast = "messages.broadcast"
	PermReportsRead       = "reports.read"
	PermReportsExport     = "reports.export"
	PermSystemManage      = "system.manage"
)

// Permission is an atomic capability over a resource/action pair.
type Permission struct {
	ID          string
	Name        string
	Description string
	Resource    string
	Action      string
}

func perm(id, name, description string) Permission {
	resource, action, _ := strings.Cut(id, ".")
	return Permission{ID: id, Name: name, Description: description, Resource: resource, Action: action}
}

var catalog = []Permission{
	perm(PermDashboardRead, "View dashboard", "See the console dashboard"),
	perm(PermProfileRead, "View own profile", "Read your own profile"),
	perm(PermProfileUpdate, "Edit own profile", "Change your own name and contact details"),
	perm(PermUsersManage, "Manage users", "Create, disable and edit console users"),
	perm(PermRolesManage, "Manage roles", "Change the role of other users"),
	perm(PermMembersRead, "View all members", "Read every member record, not just your own"),
	perm(PermMembersCreate, "Create members", "Register new gym members"),
	perm(PermMembersUpdate, "Edit members", "Update member records"),
	perm(PermMembersDelete, "Delete members", "Remove member records"),
	perm(PermTrainersRead, "View trainers", "List trainers and their specialties"),
	perm(PermTrainersManage, "Manage trainers", "Create and edit trainer records"),
	perm(PermTrainersAssign, "Assign trainers", "Assign trainers to members"),
	perm(PermPaymentsRead, "View payments", "Read payment history"),
	perm(PermPaymentsManage, "Manage payments", "Record, refund and edit payments"),
	perm(PermScheduleRead, "View schedule", "See the class schedule"),
	perm(PermScheduleManage, "Manage schedule", "Create and edit classes"),
	perm(PermClassesBook, "Book classes", "Reserve a spot in a class"),
	perm(PermAttendanceCheckin, "Check in", "Record a gym check-in"),
	perm(PermAttendanceRead, "View attendance", "Read attendance history"),
	perm(PermMessagesSend, "Send messages", "Send a message to a single member"),
	perm(PermMessagesBroadcast, "Send bulk messages", "Send SMS or email to many members at once"),
	perm(PermReportsRead, "View reports", "Open revenue and attendance reports"),
	perm(PermReportsExport, "Export reports", "Export reports to CSV, PDF or spreadsheet"),
	perm(PermSystemManage, "Manage system", "Edit system configuration"),
}

var catalogIndex = func() map[string]Permission {
	index := make(map[string]Permission, len(catalog))
	for _, p := range catalog {
		if _, dup := index[p.ID]; dup {
			panic(fmt.Sprintf("rbac: duplicate permission id %q", p.ID))
		}
		index[p.ID] = p
	}
	return index
}()

// LookupPermission returns the catalog entry for id.
func LookupPermission(id string) (Permission, error) {
	p, ok := catalogIndex[id]
	if !ok {
		return Permission{}, fmt.Errorf("%w: %q", ErrUnknownPermission, id)
	}
	return p, nil
}

// Permissions returns a copy of the full catalog in declaration order.
func Permissions() []Permission {
	out := make([]Permission, len(catalog))
	copy(out, catalog)
	return out
}
