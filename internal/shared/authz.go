package shared

// SystemActor is the changed-by value recorded for engine-initiated mutations
// such as the expiry sweep. It is interpreted by the engine, never stored as a
// user id.
const SystemActor = "SYSTEM"

// FullAccess short-circuits every permission check when present in a
// principal's effective set.
const FullAccess = "admin.full_access"

// Core platform permissions.
const (
	PermUsersView = "users.view"
	PermUsersEdit = "users.edit"

	PermPermissionsView   = "permissions.view"
	PermPermissionsManage = "permissions.manage"

	PermHistoryView = "history.view"
)

// CoreScopes lists all permissions owned by the governance platform itself.
func CoreScopes() []string {
	return []string{
		PermUsersView,
		PermUsersEdit,
		PermPermissionsView,
		PermPermissionsManage,
		PermHistoryView,
	}
}
