package model

// Role represents an identity's permission level on the console.
type Role int

const (
	RoleUser      Role = iota // Ordinary platform member, cannot moderate
	RoleModerator             // Can ban (clamped), unban and delete messages
	RoleAdmin                 // Full control: any ban duration, identity deletion
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleModerator:
		return "moderator"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParseRole converts a string to a Role.
func ParseRole(s string) Role {
	switch s {
	case "admin":
		return RoleAdmin
	case "moderator":
		return RoleModerator
	default:
		return RoleUser
	}
}

// Valid returns true if the role is a recognised value (User, Moderator, or Admin).
func (r Role) Valid() bool {
	return r >= RoleUser && r <= RoleAdmin
}

// Tier is the permission tier that bounds which ban durations an actor may use.
type Tier int

const (
	TierNone     Tier = iota // no moderation rights
	TierStandard             // every ban clamped to the shortest fixed duration
	TierElevated             // full duration vocabulary, permanent and custom included
)

func (t Tier) String() string {
	switch t {
	case TierStandard:
		return "standard"
	case TierElevated:
		return "elevated"
	default:
		return "none"
	}
}
