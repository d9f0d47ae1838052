package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/auth-core-api/internal/models"
)

// AuthAttemptRepository is the append-only log of authentication attempts.
type AuthAttemptRepository struct {
	db *sqlx.DB
}

// NewAuthAttemptRepository creates an auth attempt repository.
func NewAuthAttemptRepository(db *sqlx.DB) *AuthAttemptRepository {
	return &AuthAttemptRepository{db: db}
}

// Create appends an attempt.
func (r *AuthAttemptRepository) Create(ctx context.Context, attempt *models.AuthAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.AttemptedAt.IsZero() {
		attempt.AttemptedAt = time.Now().UTC()
	}
	const query = `INSERT INTO auth_attempts (id, email, ip_address, user_agent, success, reason, attempted_at) VALUES (:id, :email, :ip_address, :user_agent, :success, :reason, :attempted_at)`
	if _, err := r.db.NamedExecContext(ctx, query, attempt); err != nil {
		return fmt.Errorf("create auth attempt: %w", err)
	}
	return nil
}

// CountFailuresByIP counts failed attempts from ip since the given instant.
// Attempts rejected by the throttle itself are not counted.
func (r *AuthAttemptRepository) CountFailuresByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM auth_attempts WHERE ip_address = $1 AND success = FALSE AND attempted_at >= $2 AND COALESCE(reason, '') <> $3`
	var count int
	if err := r.db.GetContext(ctx, &count, query, ip, since, models.AttemptReasonThrottled); err != nil {
		return 0, fmt.Errorf("count failed attempts by ip: %w", err)
	}
	return count, nil
}

// CountFailuresByEmail counts failed attempts against an account since the given instant.
func (r *AuthAttemptRepository) CountFailuresByEmail(ctx context.Context, email string, since time.Time) (int, error) {
	const query = `SELECT COUNT(*) FROM auth_attempts WHERE email = $1 AND success = FALSE AND attempted_at >= $2 AND COALESCE(reason, '') <> $3`
	var count int
	if err := r.db.GetContext(ctx, &count, query, email, since, models.AttemptReasonThrottled); err != nil {
		return 0, fmt.Errorf("count failed attempts by email: %w", err)
	}
	return count, nil
}
