// Package rolecatalog is the single source of truth for role hierarchy levels
// and role base permissions. The table is fixed at compile time; every other
// component consults it instead of embedding its own copy.
package rolecatalog

import "github.com/gatekeep-io/gatekeep/internal/shared"

// Role identifies one of the fixed platform roles.
type Role string

const (
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleAdmin      Role = "ADMIN"
	RoleManager    Role = "MANAGER"
	RoleStaff      Role = "STAFF"
	RoleViewer     Role = "VIEWER"
)

// Entry describes one catalog row.
type Entry struct {
	HierarchyLevel  int
	BasePermissions []string
}

var catalog = map[Role]Entry{
	RoleSuperAdmin: {
		HierarchyLevel:  100,
		BasePermissions: []string{shared.FullAccess},
	},
	RoleAdmin: {
		HierarchyLevel: 80,
		BasePermissions: []string{
			shared.PermUsersView,
			shared.PermUsersEdit,
			shared.PermPermissionsView,
			shared.PermPermissionsManage,
			shared.PermHistoryView,
			"orders.view",
			"orders.edit",
			"orders.delete",
			"products.view",
			"products.edit",
			"reports.view",
		},
	},
	RoleManager: {
		HierarchyLevel: 50,
		BasePermissions: []string{
			shared.PermUsersView,
			shared.PermPermissionsView,
			"orders.view",
			"orders.edit",
			"products.view",
			"products.edit",
			"reports.view",
		},
	},
	RoleStaff: {
		HierarchyLevel: 30,
		BasePermissions: []string{
			"orders.view",
			"orders.edit",
			"products.view",
		},
	},
	RoleViewer: {
		HierarchyLevel: 10,
		BasePermissions: []string{
			"orders.view",
			"products.view",
		},
	},
}

// Exists reports whether the role is part of the catalog.
func Exists(role Role) bool {
	_, ok := catalog[role]
	return ok
}

// HierarchyLevel returns the role's rank. Higher means more privileged.
// Unknown roles rank at zero so they never outrank a catalogued role.
func HierarchyLevel(role Role) int {
	return catalog[role].HierarchyLevel
}

// BasePermissions returns a copy of the role's default permission set.
func BasePermissions(role Role) []string {
	entry, ok := catalog[role]
	if !ok {
		return nil
	}
	perms := make([]string, len(entry.BasePermissions))
	copy(perms, entry.BasePermissions)
	return perms
}

// Roles lists every catalogued role ordered by descending hierarchy level.
func Roles() []Role {
	return []Role{RoleSuperAdmin, RoleAdmin, RoleManager, RoleStaff, RoleViewer}
}
