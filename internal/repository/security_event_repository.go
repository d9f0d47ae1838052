package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/auth-core-api/internal/models"
)

// SecurityEventRepository stores the security audit trail.
type SecurityEventRepository struct {
	db *sqlx.DB
}

// NewSecurityEventRepository creates a security event repository.
func NewSecurityEventRepository(db *sqlx.DB) *SecurityEventRepository {
	return &SecurityEventRepository{db: db}
}

// Create stores a security event.
func (r *SecurityEventRepository) Create(ctx context.Context, event *models.SecurityEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if len(event.Metadata) == 0 {
		event.Metadata = []byte(`{}`)
	}
	const query = `INSERT INTO security_events (id, event_type, user_id, device_id, ip_address, user_agent, metadata, created_at) VALUES (:id, :event_type, :user_id, :device_id, :ip_address, :user_agent, :metadata, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, event); err != nil {
		return fmt.Errorf("create security event: %w", err)
	}
	return nil
}

// ListByUser returns a page of a user's security events, newest first, with the total count.
func (r *SecurityEventRepository) ListByUser(ctx context.Context, filter models.SecurityEventFilter) ([]models.SecurityEvent, int, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 500 {
		pageSize = 50
	}
	offset := (page - 1) * pageSize

	listQuery := fmt.Sprintf("SELECT id, event_type, user_id, device_id, ip_address, user_agent, metadata, created_at FROM security_events WHERE user_id = $1 ORDER BY created_at DESC LIMIT %d OFFSET %d", pageSize, offset)
	var events []models.SecurityEvent
	if err := r.db.SelectContext(ctx, &events, listQuery, filter.UserID); err != nil {
		return nil, 0, fmt.Errorf("list security events: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM security_events WHERE user_id = $1`, filter.UserID); err != nil {
		return nil, 0, fmt.Errorf("count security events: %w", err)
	}
	return events, total, nil
}
