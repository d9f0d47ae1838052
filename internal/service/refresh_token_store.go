package service

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/auth-core-api/internal/models"
	"github.com/noah-isme/auth-core-api/internal/repository"
)

const opaqueTokenBytes = 32

var (
	// ErrRefreshTokenNotFound is returned by Lookup when no row matches the hash.
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	// ErrRefreshTokenConflict is returned when a concurrent writer revoked the row first.
	ErrRefreshTokenConflict = errors.New("refresh token already revoked")
)

type refreshTokenRepository interface {
	Create(ctx context.Context, token *models.RefreshToken) error
	FindByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	Revoke(ctx context.Context, id, reason string, replacedBy *string, revokedAt time.Time) error
	Rotate(ctx context.Context, currentID string, next *models.RefreshToken, rotatedAt time.Time) error
	RevokeFamily(ctx context.Context, familyID, reason string, revokedAt time.Time) (int64, error)
	RevokeByDevice(ctx context.Context, userID, deviceID, reason string, revokedAt time.Time) (int64, error)
	RevokeByUser(ctx context.Context, userID, reason string, revokedAt time.Time) (int64, error)
}

// IssuedRefreshToken pairs the opaque value, returned to the client exactly once,
// with its persisted record.
type IssuedRefreshToken struct {
	Value  string
	Record *models.RefreshToken
}

// RefreshTokenStore persists refresh tokens keyed by the SHA-256 of their opaque value.
type RefreshTokenStore struct {
	repo   refreshTokenRepository
	clock  Clock
	random io.Reader
}

// NewRefreshTokenStore constructs a RefreshTokenStore.
func NewRefreshTokenStore(repo refreshTokenRepository, clock Clock, random io.Reader) *RefreshTokenStore {
	if clock == nil {
		clock = SystemClock{}
	}
	if random == nil {
		random = defaultRandom
	}
	return &RefreshTokenStore{repo: repo, clock: clock, random: random}
}

// HashRefreshToken returns the hex SHA-256 digest under which a value is stored.
func HashRefreshToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// NewFamilyID returns a fresh token family identifier.
func NewFamilyID() string {
	return uuid.NewString()
}

// Create mints and persists a new token in familyID.
func (s *RefreshTokenStore) Create(ctx context.Context, userID, deviceID, familyID string, ttl time.Duration, meta models.ClientMeta) (*IssuedRefreshToken, error) {
	issued, err := s.mint(userID, deviceID, familyID, ttl, meta)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, issued.Record); err != nil {
		return nil, err
	}
	return issued, nil
}

// Lookup returns the record for value whatever its revocation or expiry state.
func (s *RefreshTokenStore) Lookup(ctx context.Context, value string) (*models.RefreshToken, error) {
	if value == "" {
		return nil, ErrRefreshTokenNotFound
	}
	record, err := s.repo.FindByHash(ctx, HashRefreshToken(value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRefreshTokenNotFound
		}
		return nil, err
	}
	return record, nil
}

// Revoke revokes the token identified by value.
func (s *RefreshTokenStore) Revoke(ctx context.Context, value, reason string, replacedBy *string) error {
	record, err := s.Lookup(ctx, value)
	if err != nil {
		return err
	}
	return s.RevokeRecord(ctx, record, reason, replacedBy)
}

// RevokeRecord revokes an already loaded record.
func (s *RefreshTokenStore) RevokeRecord(ctx context.Context, record *models.RefreshToken, reason string, replacedBy *string) error {
	now := s.clock.Now()
	if err := s.repo.Revoke(ctx, record.ID, reason, replacedBy, now); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return ErrRefreshTokenConflict
		}
		return err
	}
	record.RevokedAt = &now
	record.RevokedReason = &reason
	record.ReplacedBy = replacedBy
	return nil
}

// Rotate atomically persists a successor of current in the same family and
// revokes current with replaced_by pointing at it. The loser of a concurrent
// rotation receives ErrRefreshTokenConflict.
func (s *RefreshTokenStore) Rotate(ctx context.Context, current *models.RefreshToken, ttl time.Duration, meta models.ClientMeta) (*IssuedRefreshToken, error) {
	issued, err := s.mint(current.UserID, current.DeviceID, current.FamilyID, ttl, meta)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Rotate(ctx, current.ID, issued.Record, issued.Record.CreatedAt); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrRefreshTokenConflict
		}
		return nil, err
	}
	return issued, nil
}

// RevokeFamily revokes every active token in the family.
func (s *RefreshTokenStore) RevokeFamily(ctx context.Context, familyID, reason string) (int64, error) {
	return s.repo.RevokeFamily(ctx, familyID, reason, s.clock.Now())
}

// RevokeDevice revokes every active family bound to the user's device.
func (s *RefreshTokenStore) RevokeDevice(ctx context.Context, userID, deviceID, reason string) (int64, error) {
	return s.repo.RevokeByDevice(ctx, userID, deviceID, reason, s.clock.Now())
}

// RevokeUser revokes every active family of the user.
func (s *RefreshTokenStore) RevokeUser(ctx context.Context, userID, reason string) (int64, error) {
	return s.repo.RevokeByUser(ctx, userID, reason, s.clock.Now())
}

func (s *RefreshTokenStore) mint(userID, deviceID, familyID string, ttl time.Duration, meta models.ClientMeta) (*IssuedRefreshToken, error) {
	value, err := randomToken(s.random, opaqueTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}
	now := s.clock.Now()
	record := &models.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		DeviceID:  deviceID,
		FamilyID:  familyID,
		TokenHash: HashRefreshToken(value),
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
	}
	return &IssuedRefreshToken{Value: value, Record: record}, nil
}
