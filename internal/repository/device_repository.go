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

const deviceColumns = `id, user_id, fingerprint, name, user_agent, trusted, last_seen_at, created_at`

// DeviceRepository persists user devices.
type DeviceRepository struct {
	db *sqlx.DB
}

// NewDeviceRepository creates a device repository.
func NewDeviceRepository(db *sqlx.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// FindByFingerprint returns the device carrying the fingerprint regardless of owner.
func (r *DeviceRepository) FindByFingerprint(ctx context.Context, fingerprint string) (*models.Device, error) {
	const query = `SELECT ` + deviceColumns + ` FROM devices WHERE fingerprint = $1 LIMIT 1`
	var device models.Device
	if err := r.db.GetContext(ctx, &device, query, fingerprint); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find device by fingerprint: %w", err)
	}
	return &device, nil
}

// FindByID returns a device by id.
func (r *DeviceRepository) FindByID(ctx context.Context, id string) (*models.Device, error) {
	const query = `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1 LIMIT 1`
	var device models.Device
	if err := r.db.GetContext(ctx, &device, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find device by id: %w", err)
	}
	return &device, nil
}

// ListByUser returns the user's devices, most recently seen first.
func (r *DeviceRepository) ListByUser(ctx context.Context, userID string) ([]models.Device, error) {
	const query = `SELECT ` + deviceColumns + ` FROM devices WHERE user_id = $1 ORDER BY last_seen_at DESC`
	var devices []models.Device
	if err := r.db.SelectContext(ctx, &devices, query, userID); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// Create inserts a device record.
func (r *DeviceRepository) Create(ctx context.Context, device *models.Device) error {
	if device.ID == "" {
		device.ID = uuid.NewString()
	}
	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now().UTC()
	}
	if device.LastSeenAt.IsZero() {
		device.LastSeenAt = device.CreatedAt
	}
	const query = `INSERT INTO devices (id, user_id, fingerprint, name, user_agent, trusted, last_seen_at, created_at) VALUES (:id, :user_id, :fingerprint, :name, :user_agent, :trusted, :last_seen_at, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, device); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("create device: %w", err)
	}
	return nil
}

// Touch refreshes last_seen_at and the reported user agent.
func (r *DeviceRepository) Touch(ctx context.Context, id, userAgent string, seenAt time.Time) error {
	const query = `UPDATE devices SET last_seen_at = $2, user_agent = COALESCE(NULLIF($3, ''), user_agent) WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, seenAt, userAgent); err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}
