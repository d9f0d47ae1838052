package models

import "time"

// Refresh token revocation reasons.
const (
	RevokeReasonRotated        = "rotated"
	RevokeReasonLogout         = "logout"
	RevokeReasonReuseDetected  = "reuse_detected"
	RevokeReasonPasswordChange = "password_change"
	RevokeReasonPasswordReset  = "password_reset"
	RevokeReasonDeviceRevoked  = "device_revoked"
	RevokeReasonInactive       = "account_inactive"
)

// RefreshToken is one rotation step of a token family. Only the hash of the
// opaque value handed to the client is persisted.
type RefreshToken struct {
	ID            string     `db:"id" json:"id"`
	UserID        string     `db:"user_id" json:"user_id"`
	DeviceID      string     `db:"device_id" json:"device_id"`
	FamilyID      string     `db:"family_id" json:"family_id"`
	TokenHash     string     `db:"token_hash" json:"-"`
	ExpiresAt     time.Time  `db:"expires_at" json:"expires_at"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	RevokedAt     *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	RevokedReason *string    `db:"revoked_reason" json:"revoked_reason,omitempty"`
	ReplacedBy    *string    `db:"replaced_by" json:"replaced_by,omitempty"`
	IPAddress     string     `db:"ip_address" json:"ip_address"`
	UserAgent     string     `db:"user_agent" json:"user_agent"`
}

// Expired reports whether the token is past its expiry at the given instant.
func (t *RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Revoked reports whether the token carries a revocation timestamp.
func (t *RefreshToken) Revoked() bool {
	return t.RevokedAt != nil
}

// Rotated reports whether the token was consumed by a legitimate rotation.
func (t *RefreshToken) Rotated() bool {
	return t.RevokedAt != nil && t.ReplacedBy != nil
}
