package types

import "time"

// Roles a user account can hold. Role changes are an administrative
// operation; the auth core only reads them.
const (
	RoleUser  = "user"
	RoleGuide = "guide"
	RoleAdmin = "admin"
)

// User represents an account in the system.
// It contains identity, credentials, and audit metadata.
type User struct {
	// ID is the unique identifier of the user.
	ID string `json:"id" db:"id"`

	// Name is the user's display or full name.
	Name string `json:"name" db:"name"`

	// Email is the user's email address, used as the login key.
	Email string `json:"email" db:"email"`

	// Role indicates the user's authorization level within the
	// system: "user", "guide", or "admin".
	Role string `json:"role" db:"role"`

	// Active is false for soft-deleted accounts. Inactive users are
	// excluded from all lookups except the deactivation write itself.
	Active bool `json:"-" db:"active"`

	// PasswordHash stores the hashed representation of the user's password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// PasswordChangedAt is set whenever the password changes after
	// account creation. Session tokens issued before it are rejected.
	PasswordChangedAt time.Time `json:"-" db:"password_changed_at"`

	// PasswordResetTokenHash holds the digest of the outstanding reset
	// secret, if any. The plaintext secret is never stored.
	PasswordResetTokenHash string `json:"-" db:"password_reset_token_hash"`

	// PasswordResetExpires is the instant the outstanding reset secret
	// stops being valid. Zero when no reset is pending.
	PasswordResetExpires time.Time `json:"-" db:"password_reset_expires"`

	// CreatedAt is the timestamp when the user account was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the user account.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ValidRole reports whether role is one of the closed role set.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleGuide, RoleAdmin:
		return true
	}
	return false
}

// ResetPending reports whether the user has an outstanding password
// reset secret. The two reset fields are set and cleared together.
func (u User) ResetPending() bool {
	return u.PasswordResetTokenHash != ""
}

// Sanitized returns a copy of the user with credential and reset fields
// zeroed, safe to hand to response encoding.
func (u User) Sanitized() User {
	u.PasswordHash = ""
	u.PasswordResetTokenHash = ""
	u.PasswordResetExpires = time.Time{}
	return u
}
