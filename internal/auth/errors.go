package auth

import "errors"

// Operational error kinds returned by the auth service. Callers match
// them with errors.Is; wrapped detail is for humans, never for branching.
var (
	// ErrValidation covers malformed or inconsistent input, including
	// duplicate signup emails and mismatched password confirmations.
	ErrValidation = errors.New("invalid input")

	// ErrInvalidCredentials is returned for both an unknown email and a
	// wrong password, so callers cannot probe which accounts exist.
	ErrInvalidCredentials = errors.New("incorrect email or password")

	// ErrUnauthenticated means no usable identity: missing token, or a
	// subject that no longer exists or is inactive.
	ErrUnauthenticated = errors.New("not authenticated")

	// ErrStalePassword means the token predates the subject's last
	// password change and every token from before it is void.
	ErrStalePassword = errors.New("password changed after token was issued")

	// ErrForbidden means authenticated but lacking a required role.
	ErrForbidden = errors.New("insufficient permissions")

	// ErrNotFound means no active user matches the given key.
	ErrNotFound = errors.New("no user with that email")

	// ErrTokenInvalid covers malformed session tokens and bad signatures.
	ErrTokenInvalid = errors.New("invalid token")

	// ErrTokenExpired means the session token's expiry has passed.
	ErrTokenExpired = errors.New("token expired")

	// ErrResetTokenInvalid covers a reset secret that matches no user or
	// whose window has elapsed.
	ErrResetTokenInvalid = errors.New("reset token is invalid or has expired")

	// ErrPasswordUnchanged rejects setting the new password to the
	// currently active one.
	ErrPasswordUnchanged = errors.New("new password must differ from the current one")

	// ErrDelivery means the reset email could not be sent. The stored
	// reset fields are rolled back before it is returned.
	ErrDelivery = errors.New("could not deliver reset email")
)
