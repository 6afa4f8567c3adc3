// Package permissions exposes the role and permission model to other modules
// by string key, and answers per-user questions by resolving the user's role
// from the users module.
//
// Every lookup fails closed: an unknown user, role, permission or capability
// key yields false, never an error.
//
//	app := gymops.New(
//	    gymops.WithModules(
//	        users.New(),       // Required: Can and HasRole read the profile role
//	        permissions.New(),
//	    ),
//	)
//
//	if app.Permissions().Can(ctx, userID, "canManagePayments") {
//	    ...
//	}
package permissions

import (
	"context"
	"log/slog"
	"slices"

	"github.com/talosaether/gymops"
	"github.com/talosaether/gymops/rbac"
)

// roleHolder is satisfied by users.Profile.
type roleHolder interface {
	GetRole() rbac.RoleID
}

// Module is the permissions module implementation.
type Module struct {
	app    *gymops.App
	logger *slog.Logger
}

// New creates a new permissions module.
func New() *Module {
	return &Module{logger: slog.Default()}
}

// Name returns the module identifier.
func (mod *Module) Name() string {
	return "permissions"
}

// Init requires a users module to be registered first.
func (mod *Module) Init(ctx context.Context, app *gymops.App) error {
	mod.app = app
	mod.logger = app.Logger().With("module", "permissions")
	if !app.HasUsers() {
		mod.logger.Warn("no users module registered; per-user checks will deny")
	}
	mod.logger.Info("permissions module initialized",
		"roles", len(rbac.Roles()), "permissions", len(rbac.Permissions()))
	return nil
}

// Shutdown is a no-op.
func (mod *Module) Shutdown(ctx context.Context) error {
	return nil
}

// RoleOf resolves the stored role of userID. It reports false when the user
// cannot be read or carries a role that is not defined.
func (mod *Module) RoleOf(ctx context.Context, userID string) (rbac.RoleID, bool) {
	if userID == "" || mod.app == nil || !mod.app.HasUsers() {
		return "", false
	}
	found, err := mod.app.Users().GetByID(ctx, userID)
	if err != nil {
		mod.logger.Debug("role lookup failed", "user_id", userID, "error", err)
		return "", false
	}
	holder, ok := found.(roleHolder)
	if !ok {
		return "", false
	}
	role := holder.GetRole()
	if !role.Valid() {
		mod.logger.Error("stored profile references an unknown role", "user_id", userID, "role", string(role))
		return "", false
	}
	return role, true
}

// Can reports whether userID's role grants the capability named by its
// camelCase key, e.g. "canManageUsers".
func (mod *Module) Can(ctx context.Context, userID, capability string) bool {
	c, ok := rbac.ParseCapability(capability)
	if !ok {
		return false
	}
	role, ok := mod.RoleOf(ctx, userID)
	if !ok {
		return false
	}
	return rbac.MatrixFor(role).Has(c)
}

// RoleHasPermission reports whether role holds the catalog permission id.
func (mod *Module) RoleHasPermission(role, permission string) bool {
	def, err := rbac.LookupRole(rbac.RoleID(role))
	if err != nil {
		return false
	}
	return def.Has(permission)
}

// GetRolePermissions returns role's permission ids in catalog order.
func (mod *Module) GetRolePermissions(role string) []string {
	def, err := rbac.LookupRole(rbac.RoleID(role))
	if err != nil {
		return nil
	}
	perms := def.Permissions()
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = p.ID
	}
	return out
}

// GetAllRoles returns every defined role, highest level first.
func (mod *Module) GetAllRoles() []string {
	ids := rbac.Roles()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// Matrix returns role's capability map keyed by camelCase capability key.
// Unknown roles map every capability to false.
func (mod *Module) Matrix(role string) map[string]bool {
	return rbac.MatrixFor(rbac.RoleID(role)).Map()
}

// HasRole reports whether userID currently holds role.
func (mod *Module) HasRole(ctx context.Context, userID, role string) bool {
	return mod.HasAnyRole(ctx, userID, []string{role})
}

// HasAnyRole reports whether userID currently holds one of roles.
func (mod *Module) HasAnyRole(ctx context.Context, userID string, roles []string) bool {
	current, ok := mod.RoleOf(ctx, userID)
	if !ok {
		return false
	}
	return slices.Contains(roles, string(current))
}
