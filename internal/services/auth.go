package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"strings"
	"time"

	"github.com/trailtours/apiserver/config"
	"github.com/trailtours/apiserver/internal/auth"
	"github.com/trailtours/apiserver/internal/notify"
	"github.com/trailtours/apiserver/internal/store"
	"github.com/trailtours/apiserver/types"
	"go.uber.org/zap"
)

const minPasswordLength = 8

// UserRepository defines the persistence operations the auth service
// needs. All reads exclude deactivated users.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (types.User, error)
	GetByEmail(ctx context.Context, email string) (types.User, error)
	GetByResetDigest(ctx context.Context, digest string) (types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error
	SetResetToken(ctx context.Context, id, digest string, expires time.Time) error
	ClearResetToken(ctx context.Context, id string) error
	Deactivate(ctx context.Context, id string) error
}

// AuthService implements signup, login, token-based identity
// resolution, the password lifecycle, and role checks. It holds no
// mutable state; everything it needs arrives at construction.
type AuthService struct {
	repo   UserRepository
	mailer notify.Mailer
	logger *zap.Logger
	secret []byte

	tokenTTL     time.Duration
	resetTTL     time.Duration
	bcryptCost   int
	resetURLBase string
}

func NewAuthService(repo UserRepository, mailer notify.Mailer, logger *zap.Logger, cfg config.AuthConfig) *AuthService {
	return &AuthService{
		repo:         repo,
		mailer:       mailer,
		logger:       logger,
		secret:       []byte(cfg.JWTSecret),
		tokenTTL:     cfg.TokenTTL,
		resetTTL:     cfg.ResetTTL,
		bcryptCost:   cfg.BcryptCost,
		resetURLBase: cfg.ResetURLBase,
	}
}

// Signup registers a new account with the default role and logs it in.
// The returned user is sanitized.
func (s *AuthService) Signup(ctx context.Context, name, email, password, passwordConfirm string) (types.User, string, error) {
	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" || email == "" {
		return types.User{}, "", fmt.Errorf("%w: name and email are required", auth.ErrValidation)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return types.User{}, "", fmt.Errorf("%w: please provide a valid email", auth.ErrValidation)
	}
	if err := validateNewPassword(password, passwordConfirm); err != nil {
		return types.User{}, "", err
	}

	hash, err := auth.HashPassword(password, s.bcryptCost)
	if err != nil {
		return types.User{}, "", s.internal("hash password", err)
	}

	user, err := s.repo.Create(ctx, types.User{
		Name:         name,
		Email:        email,
		Role:         types.RoleUser,
		PasswordHash: hash,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return types.User{}, "", fmt.Errorf("%w: email already registered", auth.ErrValidation)
		}
		return types.User{}, "", s.internal("create user", err)
	}

	token, err := auth.IssueToken(user.ID, s.secret, s.tokenTTL)
	if err != nil {
		return types.User{}, "", s.internal("issue token", err)
	}
	return user.Sanitized(), token, nil
}

// Login verifies credentials and issues a session token. Unknown email
// and wrong password are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, email, password string) (types.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return types.User{}, "", fmt.Errorf("%w: provide email and password", auth.ErrValidation)
	}

	user, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.User{}, "", auth.ErrInvalidCredentials
		}
		return types.User{}, "", s.internal("lookup user", err)
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return types.User{}, "", auth.ErrInvalidCredentials
	}

	token, err := auth.IssueToken(user.ID, s.secret, s.tokenTTL)
	if err != nil {
		return types.User{}, "", s.internal("issue token", err)
	}
	return user.Sanitized(), token, nil
}

// Authenticate resolves a bearer token into its user. It fails when the
// token is missing, invalid, or expired, when the subject is gone or
// deactivated, or when the token predates the last password change.
func (s *AuthService) Authenticate(ctx context.Context, token string) (types.User, error) {
	if strings.TrimSpace(token) == "" {
		return types.User{}, auth.ErrUnauthenticated
	}

	subject, issuedAt, err := auth.VerifyToken(token, s.secret)
	if err != nil {
		return types.User{}, err
	}

	user, err := s.repo.GetByID(ctx, subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.User{}, auth.ErrUnauthenticated
		}
		return types.User{}, s.internal("lookup user", err)
	}

	// JWT iat has second granularity; compare on whole seconds.
	if !user.PasswordChangedAt.IsZero() && issuedAt.Truncate(time.Second).Before(user.PasswordChangedAt) {
		return types.User{}, auth.ErrStalePassword
	}
	return user, nil
}

// Authorize checks the user's role against an allow-list. Pure, no I/O.
func (s *AuthService) Authorize(user types.User, allowedRoles ...string) error {
	if !slices.Contains(allowedRoles, user.Role) {
		return auth.ErrForbidden
	}
	return nil
}

// ForgotPassword generates a one-time reset secret, stores its digest
// with a short expiry, and mails the plaintext to the user. If delivery
// fails the stored digest is cleared before returning, so no secret that
// was never sent stays redeemable.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return auth.ErrNotFound
		}
		return s.internal("lookup user", err)
	}

	plaintext, digest, err := auth.NewResetSecret()
	if err != nil {
		return s.internal("generate reset secret", err)
	}
	expires := time.Now().Add(s.resetTTL)
	if err := s.repo.SetResetToken(ctx, user.ID, digest, expires); err != nil {
		return s.internal("store reset token", err)
	}

	body := fmt.Sprintf(
		"Forgot your password? Submit a request with your new password to %s/%s.\n"+
			"The link is valid for %d minutes. If you didn't forget your password, ignore this email.",
		s.resetURLBase, plaintext, int(s.resetTTL.Minutes()),
	)
	if err := s.mailer.Send(ctx, user.Email, "Your password reset token", body); err != nil {
		s.logger.Error("reset email delivery failed", zap.String("user_id", user.ID), zap.Error(err))
		// Roll back even if the request context is already gone.
		if clearErr := s.repo.ClearResetToken(context.WithoutCancel(ctx), user.ID); clearErr != nil {
			s.logger.Error("reset token rollback failed", zap.String("user_id", user.ID), zap.Error(clearErr))
		}
		return auth.ErrDelivery
	}
	return nil
}

// ResetPassword redeems a reset secret for a new password and session
// token. The secret is single-use: success clears it, and the password
// watermark voids every previously issued token.
func (s *AuthService) ResetPassword(ctx context.Context, secret, newPassword, newPasswordConfirm string) (string, error) {
	if err := validateNewPassword(newPassword, newPasswordConfirm); err != nil {
		return "", err
	}

	user, err := s.repo.GetByResetDigest(ctx, auth.DigestResetSecret(secret))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", auth.ErrResetTokenInvalid
		}
		return "", s.internal("lookup reset token", err)
	}
	if !auth.MatchResetSecret(secret, user.PasswordResetTokenHash) {
		return "", auth.ErrResetTokenInvalid
	}
	if time.Now().After(user.PasswordResetExpires) {
		return "", auth.ErrResetTokenInvalid
	}

	return s.setPassword(ctx, user, newPassword)
}

// ChangePassword rotates the password of an authenticated user after
// re-verifying the current one.
func (s *AuthService) ChangePassword(ctx context.Context, user types.User, currentPassword, newPassword, newPasswordConfirm string) (string, error) {
	fresh, err := s.repo.GetByID(ctx, user.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", auth.ErrUnauthenticated
		}
		return "", s.internal("lookup user", err)
	}
	if !auth.CheckPassword(currentPassword, fresh.PasswordHash) {
		return "", auth.ErrInvalidCredentials
	}
	if err := validateNewPassword(newPassword, newPasswordConfirm); err != nil {
		return "", err
	}
	return s.setPassword(ctx, fresh, newPassword)
}

// Deactivate soft-deletes the user's account. Existing tokens stop
// working on the next Authenticate because inactive users don't resolve.
func (s *AuthService) Deactivate(ctx context.Context, user types.User) error {
	if err := s.repo.Deactivate(ctx, user.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return auth.ErrNotFound
		}
		return s.internal("deactivate user", err)
	}
	return nil
}

// setPassword is the shared success path of ResetPassword and
// ChangePassword: reject a no-op change, store the new hash, advance the
// watermark, clear reset fields, and issue a fresh token.
func (s *AuthService) setPassword(ctx context.Context, user types.User, newPassword string) (string, error) {
	if auth.CheckPassword(newPassword, user.PasswordHash) {
		return "", auth.ErrPasswordUnchanged
	}

	hash, err := auth.HashPassword(newPassword, s.bcryptCost)
	if err != nil {
		return "", s.internal("hash password", err)
	}

	// Backdated one second so the token issued just below, in the same
	// second as the change, does not read as stale.
	changedAt := time.Now().Add(-time.Second)
	if err := s.repo.UpdatePassword(ctx, user.ID, hash, changedAt); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", auth.ErrUnauthenticated
		}
		return "", s.internal("update password", err)
	}

	token, err := auth.IssueToken(user.ID, s.secret, s.tokenTTL)
	if err != nil {
		return "", s.internal("issue token", err)
	}
	return token, nil
}

// internal logs a non-operational failure and returns it wrapped. The
// handler layer surfaces these as opaque server errors.
func (s *AuthService) internal(op string, err error) error {
	s.logger.Error(op+" failed", zap.Error(err))
	return fmt.Errorf("%s: %w", op, err)
}

func validateNewPassword(password, confirm string) error {
	if password == "" {
		return fmt.Errorf("%w: password is required", auth.ErrValidation)
	}
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", auth.ErrValidation, minPasswordLength)
	}
	if password != confirm {
		return fmt.Errorf("%w: passwords are not the same", auth.ErrValidation)
	}
	return nil
}
