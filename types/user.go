package types

import "time"

// Capability is a coarse account-level grant owned by the host identity system.
type Capability string

const (
	// CapUseTracker allows a user to record locations through any tracker protocol.
	CapUseTracker Capability = "use_tracker"

	// CapPublishOthers allows a user to view and render tracks owned by other users.
	CapPublishOthers Capability = "publish_others"

	// CapAdmin marks an administrator.
	CapAdmin Capability = "admin"
)

// User represents an account in the system.
// It contains identity, capabilities, and audit metadata.
type User struct {
	// ID is the unique identifier of the user.
	ID int64 `json:"id" db:"id"`

	// Login is the unique, case-sensitive login name.
	Login string `json:"login" db:"login"`

	// DisplayName is the name shown on maps and in exports.
	DisplayName string `json:"display_name" db:"display_name"`

	// Email is used to look up the user's avatar.
	Email string `json:"email" db:"email"`

	// PasswordHash stores the bcrypt hash of the primary account password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// Capabilities lists the account-level grants of the user.
	Capabilities []Capability `json:"capabilities" db:"capabilities"`

	// CreatedAt is the timestamp when the user account was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the user account.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Can reports whether the user holds the given capability.
func (u User) Can(c Capability) bool {
	for _, have := range u.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Name returns the display name, falling back to the login.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Login
}
