// Package rbac provides role-based access control checks.
package rbac

import "github.com/NicolasHaas/nexusconsole/pkg/model"

// Permission represents a specific action that can be checked against a role.
type Permission int

const (
	PermBanIdentity Permission = iota
	PermUnbanIdentity
	PermDeleteIdentity
	PermDeleteMessage
	PermReadAudit
	PermUseConsole
)

// permissionMatrix maps roles to their allowed permissions.
var permissionMatrix = map[model.Role]map[Permission]bool{
	model.RoleAdmin: {
		PermBanIdentity:    true,
		PermUnbanIdentity:  true,
		PermDeleteIdentity: true,
		PermDeleteMessage:  true,
		PermReadAudit:      true,
		PermUseConsole:     true,
	},
	model.RoleModerator: {
		PermBanIdentity:   true,
		PermUnbanIdentity: true,
		PermDeleteMessage: true,
		PermReadAudit:     true,
		PermUseConsole:    true,
	},
	model.RoleUser: {
		// No console rights
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role model.Role, perm Permission) bool {
	perms, ok := permissionMatrix[role]
	if !ok {
		return false
	}
	return perms[perm]
}

// RequirePermission returns an error message if the role lacks the permission, or empty string if allowed.
func RequirePermission(role model.Role, perm Permission) string {
	if HasPermission(role, perm) {
		return ""
	}
	return "permission denied: " + permName(perm) + " requires higher role"
}

// TierOf maps a role onto the ban-duration tier it is bound by.
func TierOf(role model.Role) model.Tier {
	switch role {
	case model.RoleAdmin:
		return model.TierElevated
	case model.RoleModerator:
		return model.TierStandard
	default:
		return model.TierNone
	}
}

func permName(p Permission) string {
	switch p {
	case PermBanIdentity:
		return "ban_identity"
	case PermUnbanIdentity:
		return "unban_identity"
	case PermDeleteIdentity:
		return "delete_identity"
	case PermDeleteMessage:
		return "delete_message"
	case PermReadAudit:
		return "read_audit"
	case PermUseConsole:
		return "use_console"
	default:
		return "unknown"
	}
}
