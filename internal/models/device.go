package models

import "time"

// Device is a client installation bound to exactly one user.
type Device struct {
	ID          string    `db:"id" json:"id"`
	UserID      string    `db:"user_id" json:"user_id"`
	Fingerprint string    `db:"fingerprint" json:"-"`
	Name        string    `db:"name" json:"name"`
	UserAgent   string    `db:"user_agent" json:"user_agent"`
	Trusted     bool      `db:"trusted" json:"trusted"`
	LastSeenAt  time.Time `db:"last_seen_at" json:"last_seen_at"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}
