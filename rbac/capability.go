package rbac

// Capability is one named, checkable ability. The set is closed: every
// value maps to exactly one catalog permission.
type Capability uint8

const (
	CanViewDashboard Capability = iota
	CanViewOwnProfile
	CanEditOwnProfile
	CanManageUsers
	CanManageRoles
	CanViewAllMembers
	CanCreateMembers
	CanEditMembers
	CanDeleteMembers
	CanViewTrainers
	CanManageTrainers
	CanAssignTrainers
	CanViewPayments
	CanManagePayments
	CanViewSchedule
	CanManageSchedule
	CanBookClasses
	CanCheckIn
	CanViewAttendance
	CanSendMessages
	CanSendBulkMessages
	CanViewReports
	CanExportReports
	CanManageSystem

	capabilityCount
)

type capabilityDef struct {
	key        string
	permission string
}

var capabilityDefs = [capabilityCount]capabilityDef{
	CanViewDashboard:    {"canViewDashboard", PermDashboardRead},
	CanViewOwnProfile:   {"canViewOwnProfile", PermProfileRead},
	CanEditOwnProfile:   {"canEditOwnProfile", PermProfileUpdate},
	CanManageUsers:      {"canManageUsers", PermUsersManage},
	CanManageRoles:      {"canManageRoles", PermRolesManage},
	CanViewAllMembers:   {"canViewAllMembers", PermMembersRead},
	CanCreateMembers:    {"canCreateMembers", PermMembersCreate},
	CanEditMembers:      {"canEditMembers", PermMembersUpdate},
	CanDeleteMembers:    {"canDeleteMembers", PermMembersDelete},
	CanViewTrainers:     {"canViewTrainers", PermTrainersRead},
	CanManageTrainers:   {"canManageTrainers", PermTrainersManage},
	CanAssignTrainers:   {"canAssignTrainers", PermTrainersAssign},
	CanViewPayments:     {"canViewPayments", PermPaymentsRead},
	CanManagePayments:   {"canManagePayments", PermPaymentsManage},
	CanViewSchedule:     {"canViewSchedule", PermScheduleRead},
	CanManageSchedule:   {"canManageSchedule", PermScheduleManage},
	CanBookClasses:      {"canBookClasses", PermClassesBook},
	CanCheckIn:          {"canCheckIn", PermAttendanceCheckin},
	CanViewAttendance:   {"canViewAttendance", PermAttendanceRead},
	CanSendMessages:     {"canSendMessages", PermMessagesSend},
	CanSendBulkMessages: {"canSendBulkMessages", PermMessagesBroadcast},
	CanViewReports:      {"canViewReports", PermReportsRead},
	CanExportReports:    {"canExportReports", PermReportsExport},
	CanManageSystem:     {"canManageSystem", PermSystemManage},
}

var capabilityByKey = func() map[string]Capability {
	index := make(map[string]Capability, capabilityCount)
	for c := Capability(0); c < capabilityCount; c++ {
		def := capabilityDefs[c]
		if _, ok := catalogIndex[def.permission]; !ok {
			panic("rbac: capability " + def.key + " references unknown permission " + def.permission)
		}
		index[def.key] = c
	}
	return index
}()

// Valid reports whether c is a member of the enumeration.
func (c Capability) Valid() bool {
	return c < capabilityCount
}

// Key returns the stable camelCase name used in matrices, e.g. "canManageUsers".
func (c Capability) Key() string {
	if !c.Valid() {
		return ""
	}
	return capabilityDefs[c].key
}

// Permission returns the catalog permission id backing c.
func (c Capability) Permission() string {
	if !c.Valid() {
		return ""
	}
	return capabilityDefs[c].permission
}

func (c Capability) String() string {
	if !c.Valid() {
		return "invalid"
	}
	return capabilityDefs[c].key
}

// ParseCapability resolves a capability key.
func ParseCapability(key string) (Capability, bool) {
	c, ok := capabilityByKey[key]
	return c, ok
}

// Capabilities lists every capability in declaration order.
func Capabilities() []Capability {
	out := make([]Capability, capabilityCount)
	for i := range out {
		out[i] = Capability(i)
	}
	return out
}
