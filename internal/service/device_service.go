package service

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/auth-core-api/internal/models"
	"github.com/noah-isme/auth-core-api/internal/repository"
	appErrors "github.com/noah-isme/auth-core-api/pkg/errors"
)

const defaultDeviceName = "Unknown device"

type deviceRepository interface {
	FindByFingerprint(ctx context.Context, fingerprint string) (*models.Device, error)
	FindByID(ctx context.Context, id string) (*models.Device, error)
	ListByUser(ctx context.Context, userID string) ([]models.Device, error)
	Create(ctx context.Context, device *models.Device) error
	Touch(ctx context.Context, id, userAgent string, seenAt time.Time) error
}

// DeviceService maps client fingerprints to per-user device records.
type DeviceService struct {
	repo   deviceRepository
	clock  Clock
	random io.Reader
	logger *zap.Logger
}

// NewDeviceService constructs a DeviceService.
func NewDeviceService(repo deviceRepository, clock Clock, random io.Reader, logger *zap.Logger) *DeviceService {
	if clock == nil {
		clock = SystemClock{}
	}
	if random == nil {
		random = defaultRandom
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeviceService{repo: repo, clock: clock, random: random, logger: logger}
}

// Resolve returns the user's device for fingerprint. An unknown fingerprint is
// adopted for a new device; an empty one, or one owned by another user, gets a
// freshly generated fingerprint. Ownership is never reassigned.
func (s *DeviceService) Resolve(ctx context.Context, userID, fingerprint, displayName, userAgent string) (*models.Device, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if displayName = strings.TrimSpace(displayName); displayName == "" {
		displayName = defaultDeviceName
	}
	now := s.clock.Now()

	// A concurrent login may insert the same fingerprint between lookup and
	// insert; the second pass resolves against the winner's row.
	for attempt := 0; ; attempt++ {
		if fingerprint != "" {
			device, taken, err := s.claim(ctx, userID, fingerprint, userAgent, now)
			if err != nil || device != nil {
				return device, err
			}
			if taken {
				fingerprint = ""
			}
		}

		generated := fingerprint == ""
		if generated {
			value, err := randomHex(s.random, 16)
			if err != nil {
				return nil, appErrors.Internal(err, "failed to generate device fingerprint")
			}
			fingerprint = value
		}

		device := &models.Device{
			UserID:      userID,
			Fingerprint: fingerprint,
			Name:        displayName,
			UserAgent:   userAgent,
			LastSeenAt:  now,
			CreatedAt:   now,
		}
		err := s.repo.Create(ctx, device)
		if err == nil {
			return device, nil
		}
		if !errors.Is(err, repository.ErrDuplicate) || attempt > 0 {
			return nil, appErrors.Internal(err, "failed to create device")
		}
		if generated {
			fingerprint = ""
		}
	}
}

// claim returns the user's device for fingerprint, touching it. taken reports
// that another user owns the fingerprint.
func (s *DeviceService) claim(ctx context.Context, userID, fingerprint, userAgent string, now time.Time) (*models.Device, bool, error) {
	device, err := s.repo.FindByFingerprint(ctx, fingerprint)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, appErrors.Internal(err, "failed to look up device")
	case device.UserID != userID:
		s.logger.Warn("device fingerprint owned by another user, minting new device",
			zap.String("user_id", userID), zap.String("owner_device_id", device.ID))
		return nil, true, nil
	}

	if err := s.repo.Touch(ctx, device.ID, userAgent, now); err != nil {
		return nil, false, appErrors.Internal(err, "failed to update device")
	}
	device.LastSeenAt = now
	if userAgent != "" {
		device.UserAgent = userAgent
	}
	return device, false, nil
}

// List returns the user's devices.
func (s *DeviceService) List(ctx context.Context, userID string) ([]models.Device, error) {
	devices, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to list devices")
	}
	if devices == nil {
		devices = []models.Device{}
	}
	return devices, nil
}

// Get returns a device owned by userID.
func (s *DeviceService) Get(ctx context.Context, userID, deviceID string) (*models.Device, error) {
	device, err := s.repo.FindByID(ctx, deviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrDeviceNotFound
		}
		return nil, appErrors.Internal(err, "failed to load device")
	}
	if device.UserID != userID {
		return nil, appErrors.ErrDeviceNotFound
	}
	return device, nil
}
