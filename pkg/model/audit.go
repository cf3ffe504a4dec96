package model

import "time"

// ActionKind names a privileged transition recorded in the audit trail.
type ActionKind string

const (
	ActionBan            ActionKind = "BAN"
	ActionUnban          ActionKind = "UNBAN"
	ActionDeleteIdentity ActionKind = "DELETE_IDENTITY"
	ActionDeleteMessage  ActionKind = "DELETE_MESSAGE"
	ActionLogin          ActionKind = "LOGIN"
	ActionLogout         ActionKind = "LOGOUT"
)

// Valid returns true for the known action kinds.
func (a ActionKind) Valid() bool {
	switch a {
	case ActionBan, ActionUnban, ActionDeleteIdentity, ActionDeleteMessage, ActionLogin, ActionLogout:
		return true
	default:
		return false
	}
}

// AdminLogEntry is one append-only audit record. Never mutated once written.
type AdminLogEntry struct {
	ID         string     `json:"id" yaml:"id"`
	ActorRef   string     `json:"actor_ref" yaml:"actor_ref"`
	Action     ActionKind `json:"action" yaml:"action"`
	TargetRef  string     `json:"target_ref,omitempty" yaml:"target_ref,omitempty"` // empty for LOGIN/LOGOUT
	Detail     string     `json:"detail" yaml:"detail"`
	OccurredAt time.Time  `json:"occurred_at" yaml:"occurred_at"`
}
