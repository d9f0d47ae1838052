package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/auth-core-api/internal/models"
)

const refreshTokenColumns = `id, user_id, device_id, family_id, token_hash, expires_at, created_at, revoked_at, revoked_reason, replaced_by, ip_address, user_agent`

const insertRefreshToken = `INSERT INTO refresh_tokens (id, user_id, device_id, family_id, token_hash, expires_at, created_at, ip_address, user_agent) VALUES (:id, :user_id, :device_id, :family_id, :token_hash, :expires_at, :created_at, :ip_address, :user_agent)`

// RefreshTokenRepository persists refresh token rows. Rows are never deleted.
type RefreshTokenRepository struct {
	db *sqlx.DB
}

// NewRefreshTokenRepository creates a refresh token repository.
func NewRefreshTokenRepository(db *sqlx.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

// Create persists a new refresh token row.
func (r *RefreshTokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	prepareRefreshToken(token)
	if _, err := r.db.NamedExecContext(ctx, insertRefreshToken, token); err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// FindByHash returns the token row for the hash, including revoked and expired rows.
func (r *RefreshTokenRepository) FindByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	const query = `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE token_hash = $1 LIMIT 1`
	var token models.RefreshToken
	if err := r.db.GetContext(ctx, &token, query, tokenHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &token, nil
}

// Revoke marks a still-active token as revoked. It returns ErrConflict when the
// row was already revoked.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, id, reason string, replacedBy *string, revokedAt time.Time) error {
	const query = `UPDATE refresh_tokens SET revoked_at = $2, revoked_reason = $3, replaced_by = $4 WHERE id = $1 AND revoked_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, id, revokedAt, reason, replacedBy)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check refresh token revoke rows: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// Rotate inserts next and revokes currentID in one transaction. The revoke is
// conditional on the current row still being active; when a concurrent rotation
// won, the transaction is rolled back and ErrConflict is returned.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, currentID string, next *models.RefreshToken, rotatedAt time.Time) error {
	prepareRefreshToken(next)

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotate tx: %w", err)
	}

	if _, err := tx.NamedExecContext(ctx, insertRefreshToken, next); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert rotated refresh token: %w", err)
	}

	const revoke = `UPDATE refresh_tokens SET revoked_at = $2, revoked_reason = $3, replaced_by = $4 WHERE id = $1 AND revoked_at IS NULL`
	res, err := tx.ExecContext(ctx, revoke, currentID, rotatedAt, models.RevokeReasonRotated, next.ID)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("revoke rotated refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("check rotate rows: %w", err)
	}
	if affected == 0 {
		_ = tx.Rollback()
		return ErrConflict
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotate tx: %w", err)
	}
	return nil
}

// RevokeFamily revokes every active token of a family.
func (r *RefreshTokenRepository) RevokeFamily(ctx context.Context, familyID, reason string, revokedAt time.Time) (int64, error) {
	const query = `UPDATE refresh_tokens SET revoked_at = $2, revoked_reason = $3 WHERE family_id = $1 AND revoked_at IS NULL`
	return r.bulkRevoke(ctx, "revoke token family", query, familyID, revokedAt, reason)
}

// RevokeByDevice revokes every active token of a user's device.
func (r *RefreshTokenRepository) RevokeByDevice(ctx context.Context, userID, deviceID, reason string, revokedAt time.Time) (int64, error) {
	const query = `UPDATE refresh_tokens SET revoked_at = $3, revoked_reason = $4 WHERE user_id = $1 AND device_id = $2 AND revoked_at IS NULL`
	return r.bulkRevoke(ctx, "revoke device tokens", query, userID, deviceID, revokedAt, reason)
}

// RevokeByUser revokes every active token of a user.
func (r *RefreshTokenRepository) RevokeByUser(ctx context.Context, userID, reason string, revokedAt time.Time) (int64, error) {
	const query = `UPDATE refresh_tokens SET revoked_at = $2, revoked_reason = $3 WHERE user_id = $1 AND revoked_at IS NULL`
	return r.bulkRevoke(ctx, "revoke user tokens", query, userID, revokedAt, reason)
}

func (r *RefreshTokenRepository) bulkRevoke(ctx context.Context, op, query string, args ...interface{}) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows: %w", op, err)
	}
	return affected, nil
}

func prepareRefreshToken(token *models.RefreshToken) {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
}
