package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// SecurityEventType enumerates audited account-security actions.
type SecurityEventType string

const (
	SecurityEventRegister       SecurityEventType = "register"
	SecurityEventLogin          SecurityEventType = "login"
	SecurityEventLogout         SecurityEventType = "logout"
	SecurityEventPasswordChange SecurityEventType = "password_change"
	SecurityEventPasswordReset  SecurityEventType = "password_reset"
	SecurityEventResetRequested SecurityEventType = "password_reset_requested"
	SecurityEventTokenRevoked   SecurityEventType = "token_revoked"
	SecurityEventDeviceRevoked  SecurityEventType = "device_revoked"
)

// SecurityEvent is an append-only audit record.
type SecurityEvent struct {
	ID        string            `db:"id" json:"id"`
	EventType SecurityEventType `db:"event_type" json:"event_type"`
	UserID    *string           `db:"user_id" json:"user_id,omitempty"`
	DeviceID  *string           `db:"device_id" json:"device_id,omitempty"`
	IPAddress string            `db:"ip_address" json:"ip_address"`
	UserAgent string            `db:"user_agent" json:"user_agent"`
	Metadata  types.JSONText    `db:"metadata" json:"metadata,omitempty"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
}

// SecurityEventFilter narrows security event listings.
type SecurityEventFilter struct {
	UserID   string
	Page     int
	PageSize int
}
