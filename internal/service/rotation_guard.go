package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/auth-core-api/internal/models"
	appErrors "github.com/noah-isme/auth-core-api/pkg/errors"
)

type accessTokenIssuer interface {
	IssueAccessToken(userID, deviceID string) (*AccessToken, error)
}

type securityEventRecorder interface {
	Record(ctx context.Context, eventType models.SecurityEventType, input SecurityEventInput)
}

// RotationCheck runs against an active token right before it is rotated. An
// error aborts the rotation and leaves the presented token usable.
type RotationCheck func(ctx context.Context, record *models.RefreshToken) error

// RotationResult is the outcome of starting or rotating a token family.
type RotationResult struct {
	RefreshToken string
	Record       *models.RefreshToken
	Access       *AccessToken
}

// RotationGuard validates presented refresh tokens, detects replays of
// already-rotated tokens and performs single-use rotation within a family.
type RotationGuard struct {
	store      *RefreshTokenStore
	tokens     accessTokenIssuer
	events     securityEventRecorder
	metrics    *MetricsService
	clock      Clock
	refreshTTL time.Duration
	logger     *zap.Logger
}

// NewRotationGuard constructs a RotationGuard.
func NewRotationGuard(store *RefreshTokenStore, tokens accessTokenIssuer, events securityEventRecorder, metrics *MetricsService, clock Clock, refreshTTL time.Duration, logger *zap.Logger) *RotationGuard {
	if clock == nil {
		clock = SystemClock{}
	}
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RotationGuard{
		store:      store,
		tokens:     tokens,
		events:     events,
		metrics:    metrics,
		clock:      clock,
		refreshTTL: refreshTTL,
		logger:     logger,
	}
}

// StartFamily opens a brand new token family for a fresh login.
func (g *RotationGuard) StartFamily(ctx context.Context, userID, deviceID string, meta models.ClientMeta) (*RotationResult, error) {
	access, err := g.tokens.IssueAccessToken(userID, deviceID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to create access token")
	}
	issued, err := g.store.Create(ctx, userID, deviceID, NewFamilyID(), g.refreshTTL, meta)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to persist refresh token")
	}
	return &RotationResult{RefreshToken: issued.Value, Record: issued.Record, Access: access}, nil
}

// Rotate exchanges an active refresh token for its successor.
//
// Absent, expired and directly revoked tokens fail with ErrInvalidRefreshToken.
// A token that was already rotated is a replay: its whole family is revoked
// and ErrReuseDetected is returned. Losing a concurrent rotation of the same
// token yields ErrInvalidRefreshToken, not a reuse detection.
func (g *RotationGuard) Rotate(ctx context.Context, value string, meta models.ClientMeta) (*RotationResult, error) {
	return g.RotateChecked(ctx, value, meta, nil)
}

// RotateChecked is Rotate with check applied to the active token before the
// successor is committed.
func (g *RotationGuard) RotateChecked(ctx context.Context, value string, meta models.ClientMeta, check RotationCheck) (*RotationResult, error) {
	record, err := g.store.Lookup(ctx, value)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			return nil, appErrors.ErrInvalidRefreshToken
		}
		return nil, appErrors.Internal(err, "failed to load refresh token")
	}

	if record.Expired(g.clock.Now()) {
		return nil, appErrors.ErrInvalidRefreshToken
	}

	if record.Revoked() {
		if record.Rotated() {
			if err := g.revokeCompromisedFamily(ctx, record, meta); err != nil {
				return nil, err
			}
			return nil, appErrors.ErrReuseDetected
		}
		return nil, appErrors.ErrInvalidRefreshToken
	}

	if check != nil {
		if err := check(ctx, record); err != nil {
			return nil, err
		}
	}

	issued, err := g.store.Rotate(ctx, record, g.refreshTTL, meta)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenConflict) {
			g.logger.Info("refresh token rotation lost race",
				zap.String("token_id", record.ID),
				zap.String("family_id", record.FamilyID),
			)
			return nil, appErrors.ErrInvalidRefreshToken
		}
		return nil, appErrors.Internal(err, "failed to rotate refresh token")
	}

	access, err := g.tokens.IssueAccessToken(record.UserID, record.DeviceID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to create access token")
	}

	return &RotationResult{RefreshToken: issued.Value, Record: issued.Record, Access: access}, nil
}

func (g *RotationGuard) revokeCompromisedFamily(ctx context.Context, record *models.RefreshToken, meta models.ClientMeta) error {
	revoked, err := g.store.RevokeFamily(ctx, record.FamilyID, models.RevokeReasonReuseDetected)
	if err != nil {
		return appErrors.Internal(err, "failed to revoke token family")
	}

	g.logger.Warn("refresh token reuse detected",
		zap.String("user_id", record.UserID),
		zap.String("device_id", record.DeviceID),
		zap.String("family_id", record.FamilyID),
		zap.String("token_id", record.ID),
		zap.Int64("revoked", revoked),
		zap.String("ip", meta.IP),
	)
	g.metrics.RecordReuseDetected()

	g.events.Record(ctx, models.SecurityEventTokenRevoked, SecurityEventInput{
		UserID:    record.UserID,
		DeviceID:  record.DeviceID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Metadata: map[string]interface{}{
			"reason":    models.RevokeReasonReuseDetected,
			"family_id": record.FamilyID,
			"token_id":  record.ID,
			"revoked":   revoked,
		},
	})
	return nil
}
