package moderation

import "errors"

var (
	ErrMissingReason       = errors.New("moderation: a reason is required to ban")
	ErrIdentityNotFound    = errors.New("moderation: identity not found")
	ErrMessageNotFound     = errors.New("moderation: message not found")
	ErrPermissionDenied    = errors.New("moderation: permission denied")
	ErrUnknownDuration     = errors.New("moderation: unknown duration")
	ErrInvalidCustomExpiry = errors.New("moderation: custom expiry must be a future timestamp")
	ErrProtectedIdentity   = errors.New("moderation: root identities cannot be moderated")
	ErrUnknownAction       = errors.New("moderation: unknown action")
	ErrStorageUnavailable  = errors.New("moderation: storage unavailable")
)
