package model

import "time"

// SessionSource tags where an authoritative session came from.
type SessionSource string

const (
	SourceLocal  SessionSource = "local"  // manually issued on this console (passcode login)
	SourceRemote SessionSource = "remote" // refreshed from the remote auth provider
)

// Session identifies the currently authenticated operator.
// Values are produced by the security resolver only.
type Session struct {
	Source      SessionSource `json:"source"`
	IdentityRef string        `json:"identity_ref"`
	Name        string        `json:"name,omitempty"`
	Email       string        `json:"email,omitempty"`
	IssuedAt    time.Time     `json:"issued_at"`
	ExpiresAt   time.Time     `json:"expires_at,omitzero"` // zero means no expiry
}

// Expired reports whether the session carries an expiry that has passed.
func (s *Session) Expired(now time.Time) bool {
	return s != nil && !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// SessionUser is the operator block inside a persisted session record.
type SessionUser struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// RawSession is the persisted shape of a session slot, local or remote.
// ExpiresAt is unix milliseconds; 0 means no expiry.
type RawSession struct {
	User      *SessionUser `json:"user"`
	IssuedAt  time.Time    `json:"issued_at"`
	ExpiresAt int64        `json:"expires_at,omitempty"`
}

// Valid reports whether the record carries an identity reference.
func (r *RawSession) Valid() bool {
	return r != nil && r.User != nil && r.User.ID != ""
}

// Expired reports whether the record carries an expiry that has passed.
func (r *RawSession) Expired(now time.Time) bool {
	return r.ExpiresAt > 0 && now.UnixMilli() >= r.ExpiresAt
}

// Snapshot is the committed {session, ban} pair observed by readers.
type Snapshot struct {
	Session    *Session  `json:"session"`
	Ban        BanState  `json:"ban"`
	Generation uint64    `json:"generation"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Authenticated reports whether an operator session is present.
func (s Snapshot) Authenticated() bool {
	return s.Session != nil
}

// Suspended reports whether the current operator is under a ban that is
// still in force at now. The committed flag is never trusted on its own.
func (s Snapshot) Suspended(now time.Time) bool {
	return s.Session != nil && !s.Session.Expired(now) && s.Ban.Effective(now).Banned
}

// Stale reports whether time alone has invalidated the snapshot: the
// session expired or the ban lapsed since it was resolved.
func (s Snapshot) Stale(now time.Time) bool {
	if s.Session == nil {
		return false
	}
	return s.Session.Expired(now) || s.Ban.Banned != s.Ban.Effective(now).Banned
}
