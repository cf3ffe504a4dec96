package model

import "time"

// PermanentExpiry is the far-future timestamp used for permanent bans so that
// expiry comparisons never have to special-case a missing value.
var PermanentExpiry = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// BanState is the suspension status attached to an identity.
// ExpiresAt == nil means permanent while banned, and is meaningless otherwise.
type BanState struct {
	Banned    bool       `json:"banned"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Effective applies lazy expiry: a ban whose expiry lies strictly before now
// reads as not banned. Stored flags must always pass through here.
func (b BanState) Effective(now time.Time) BanState {
	if !b.Banned {
		return BanState{}
	}
	if b.ExpiresAt != nil && b.ExpiresAt.Before(now) {
		return BanState{}
	}
	return b
}

// Permanent reports whether the ban never lapses.
func (b BanState) Permanent() bool {
	if !b.Banned {
		return false
	}
	return b.ExpiresAt == nil || !b.ExpiresAt.Before(PermanentExpiry)
}
