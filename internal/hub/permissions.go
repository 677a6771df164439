package hub

import "github.com/jaydenbeard/chatalot/internal/store"

// roleLevel orders roles: instance_owner(5) > instance_admin(4) >
// owner(3) > admin(2) > moderator(1) > member(0).
func roleLevel(role store.Role) uint8 {
	switch role {
	case store.RoleInstanceOwner:
		return 5
	case store.RoleInstanceAdmin:
		return 4
	case store.RoleOwner:
		return 3
	case store.RoleAdmin:
		return 2
	case store.RoleModerator:
		return 1
	default:
		return 0
	}
}

// effectiveRole computes a user's acting role for a channel, folding in
// instance-level privileges which supersede any local role.
func effectiveRole(localRole store.Role, isOwner, isAdmin bool) store.Role {
	switch {
	case isOwner:
		return store.RoleInstanceOwner
	case isAdmin:
		return store.RoleInstanceAdmin
	case localRole == "":
		return store.RoleMember
	default:
		return localRole
	}
}

// canModerate reports whether actorRole may take a moderation action
// against a user holding targetRole. An actor may only moderate users
// with strictly lower role level.
func canModerate(actorRole, targetRole store.Role) bool {
	return roleLevel(actorRole) > roleLevel(targetRole)
}

// canDeleteOthersMessages reports whether role may delete messages
// authored by other users (moderator and above).
func canDeleteOthersMessages(role store.Role) bool {
	return roleLevel(role) >= 1
}

// canManageRoles reports whether role may change other members' roles
// (owner and above).
func canManageRoles(role store.Role) bool {
	return roleLevel(role) >= 3
}

// policy thresholds for meetsPolicy.
const (
	PolicyEveryone  = "everyone"
	PolicyModerator = "moderator"
	PolicyAdmin     = "admin"
)

// meetsPolicy reports whether role clears the named policy threshold.
// Instance admins/owners and community owners always pass; unrecognised
// policy names default to the admin threshold.
func meetsPolicy(role store.Role, policy string) bool {
	var level uint8
	switch role {
	case store.RoleInstanceOwner, store.RoleInstanceAdmin, store.RoleOwner:
		level = 3
	case store.RoleAdmin:
		level = 2
	case store.RoleModerator:
		level = 1
	default:
		level = 0
	}

	var required uint8
	switch policy {
	case PolicyEveryone:
		required = 0
	case PolicyModerator:
		required = 1
	default:
		required = 2
	}

	return level >= required
}
