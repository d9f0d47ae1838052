package models

import "time"

// Auth attempt failure reasons.
const (
	AttemptReasonInvalidCredentials = "invalid_credentials"
	AttemptReasonInactive           = "inactive"
	AttemptReasonThrottled          = "throttled"
	AttemptReasonEmailTaken         = "email_taken"
	AttemptReasonRegistered         = "registered"
)

// AuthAttempt is an append-only record of a login or registration attempt.
type AuthAttempt struct {
	ID          string    `db:"id" json:"id"`
	Email       *string   `db:"email" json:"email,omitempty"`
	IPAddress   string    `db:"ip_address" json:"ip_address"`
	UserAgent   string    `db:"user_agent" json:"user_agent"`
	Success     bool      `db:"success" json:"success"`
	Reason      *string   `db:"reason" json:"reason,omitempty"`
	AttemptedAt time.Time `db:"attempted_at" json:"attempted_at"`
}
