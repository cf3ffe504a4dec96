// Package model defines the core domain types for the Nexus moderation console.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const MaxUsernameLength = 32

var ErrUsernameEmpty = errors.New("username must not be empty")
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d characters", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must contain only alphanumeric characters, underscores, or hyphens")
var ErrInvalidRole = errors.New("invalid role: must be user (0), moderator (1), or admin (2)")
var ErrIdentityRefEmpty = errors.New("identity reference must not be empty")
var ErrEmailInvalid = errors.New("email must contain a single @ with text on both sides")

// Status is the presence of an identity on the messaging platform.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Identity is a user/account record subject to moderation.
type Identity struct {
	ID          string    `json:"id" yaml:"id"`
	Username    string    `json:"username" yaml:"username"`
	DisplayName string    `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Email       string    `json:"email" yaml:"email"`
	Status      Status    `json:"status" yaml:"status"`
	Role        Role      `json:"role" yaml:"-"`
	Ban         BanState  `json:"ban" yaml:"-"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
}

// Name returns the display name, falling back to the username.
func (i *Identity) Name() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.Username
}

// Validate checks the fields every store requires before inserting an identity.
func (i *Identity) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return ErrIdentityRefEmpty
	}
	if err := ValidateUsername(i.Username); err != nil {
		return err
	}
	if i.Email != "" {
		if err := ValidateEmail(i.Email); err != nil {
			return err
		}
	}
	if !i.Role.Valid() {
		return ErrInvalidRole
	}
	return nil
}

// ValidateUsername checks that a username is 1-32 ASCII alphanumeric, underscore,
// or hyphen characters. Returns nil on success or a descriptive error.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return ErrUsernameInvalidChars
		}
	}
	return nil
}

// ValidateEmail does a shape check only; delivery is not our concern.
func ValidateEmail(email string) error {
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 || strings.Count(email, "@") != 1 {
		return ErrEmailInvalid
	}
	return nil
}
