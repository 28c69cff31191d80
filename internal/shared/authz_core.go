package shared

// Core platform permissions.
const (
	PermChangesView    = "changes.view"
	PermChangesSubmit  = "changes.submit"
	PermChangesApprove = "changes.approve"
	PermChangesDecline = "changes.decline"

	PermRolesView = "roles.view"
	PermRolesEdit = "roles.edit"

	PermGroupsView = "groups.view"
	PermGroupsEdit = "groups.edit"

	PermPermissionsView = "permissions.view"
)

// CoreScopes lists all permissions related to the core platform.
func CoreScopes() []string {
	return []string{
		PermChangesView,
		PermChangesSubmit,
		PermChangesApprove,
		PermChangesDecline,
		PermRolesView,
		PermRolesEdit,
		PermGroupsView,
		PermGroupsEdit,
		PermPermissionsView,
	}
}
