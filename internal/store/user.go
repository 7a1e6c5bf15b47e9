package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/trailtours/apiserver/types"
)

const uniqueViolation = "23505"

// UserRepository handles persistence for users. All reads exclude
// deactivated accounts; Deactivate is the only write that may touch one.
type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, name, email, role, active, password_hash,
		password_changed_at, password_reset_token_hash, password_reset_expires,
		created_at, updated_at`

func scanUser(row *sql.Row) (types.User, error) {
	var user types.User
	var changedAt, resetExpires sql.NullTime
	var resetHash sql.NullString
	err := row.Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.Role,
		&user.Active,
		&user.PasswordHash,
		&changedAt,
		&resetHash,
		&resetExpires,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	if changedAt.Valid {
		user.PasswordChangedAt = changedAt.Time
	}
	if resetHash.Valid {
		user.PasswordResetTokenHash = resetHash.String
	}
	if resetExpires.Valid {
		user.PasswordResetExpires = resetExpires.Time
	}
	return user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (types.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE id = $1 AND active = TRUE`
	return scanUser(r.db.QueryRowContext(ctx, query, id))
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE email = $1 AND active = TRUE`
	return scanUser(r.db.QueryRowContext(ctx, query, email))
}

// GetByResetDigest finds the active user holding the given reset-token
// digest. Expiry is the caller's check; the row is returned as stored.
func (r *UserRepository) GetByResetDigest(ctx context.Context, digest string) (types.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE password_reset_token_hash = $1 AND active = TRUE`
	return scanUser(r.db.QueryRowContext(ctx, query, digest))
}

func (r *UserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	now := time.Now()
	user.ID = uuid.NewString()
	user.Active = true
	user.CreatedAt = now
	user.UpdatedAt = now

	const query = `
		INSERT INTO users (id, name, email, role, active, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := r.db.ExecContext(
		ctx,
		query,
		user.ID,
		user.Name,
		user.Email,
		user.Role,
		user.Active,
		user.PasswordHash,
		user.CreatedAt,
		user.UpdatedAt,
	); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return types.User{}, ErrDuplicateEmail
		}
		return types.User{}, err
	}
	return user, nil
}

// UpdatePassword stores a new password hash and advances the change
// watermark. Any outstanding reset fields are cleared in the same
// statement; concurrent changes resolve last-write-wins.
func (r *UserRepository) UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error {
	const query = `
		UPDATE users
		SET password_hash = $1,
			password_changed_at = $2,
			password_reset_token_hash = NULL,
			password_reset_expires = NULL,
			updated_at = $3
		WHERE id = $4 AND active = TRUE`
	result, err := r.db.ExecContext(ctx, query, passwordHash, changedAt, time.Now(), id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// SetResetToken records the digest and expiry of a freshly generated
// reset secret, replacing any previous one.
func (r *UserRepository) SetResetToken(ctx context.Context, id, digest string, expires time.Time) error {
	const query = `
		UPDATE users
		SET password_reset_token_hash = $1,
			password_reset_expires = $2,
			updated_at = $3
		WHERE id = $4 AND active = TRUE`
	result, err := r.db.ExecContext(ctx, query, digest, expires, time.Now(), id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// ClearResetToken removes the outstanding reset secret, used both after
// consumption and to roll back when delivery fails.
func (r *UserRepository) ClearResetToken(ctx context.Context, id string) error {
	const query = `
		UPDATE users
		SET password_reset_token_hash = NULL,
			password_reset_expires = NULL,
			updated_at = $1
		WHERE id = $2 AND active = TRUE`
	result, err := r.db.ExecContext(ctx, query, time.Now(), id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// Deactivate soft-deletes the account. The row is kept so historical
// resource ownership stays resolvable.
func (r *UserRepository) Deactivate(ctx context.Context, id string) error {
	const query = `
		UPDATE users
		SET active = FALSE,
			updated_at = $1
		WHERE id = $2`
	result, err := r.db.ExecContext(ctx, query, time.Now(), id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
