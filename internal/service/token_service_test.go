package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/auth-core-api/internal/models"
	appErrors "github.com/noah-isme/auth-core-api/pkg/errors"
)

func newTestTokenService(clock Clock) *TokenService {
	return NewTokenService(TokenConfig{
		Secret:   "secret",
		Issuer:   "auth-core",
		Audience: []string{"clients"},
		TTL:      15 * time.Minute,
	}, clock)
}

func TestTokenServiceRoundTrip(t *testing.T) {
	clock := newFakeClock()
	svc := newTestTokenService(clock)

	issued, err := svc.IssueAccessToken("user-1", "device-1")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(15*time.Minute), issued.ExpiresAt)

	claims, err := svc.VerifyAccessToken(issued.Token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID())
	assert.Equal(t, "device-1", claims.DeviceID)
	assert.Equal(t, issued.ID, claims.TokenID())

	other, err := svc.IssueAccessToken("user-1", "device-1")
	require.NoError(t, err)
	assert.NotEqual(t, issued.ID, other.ID)
}

func TestTokenServiceRejectsExpired(t *testing.T) {
	clock := newFakeClock()
	svc := newTestTokenService(clock)
	issued, err := svc.IssueAccessToken("user-1", "device-1")
	require.NoError(t, err)

	clock.Advance(15*time.Minute + time.Second)
	_, err = svc.VerifyAccessToken(issued.Token)
	require.ErrorIs(t, err, appErrors.ErrInvalidToken)
}

func TestTokenServiceRejectsMismatches(t *testing.T) {
	clock := newFakeClock()
	issued, err := newTestTokenService(clock).IssueAccessToken("user-1", "device-1")
	require.NoError(t, err)

	cases := map[string]TokenConfig{
		"secret":   {Secret: "other", Issuer: "auth-core", Audience: []string{"clients"}},
		"issuer":   {Secret: "secret", Issuer: "someone-else", Audience: []string{"clients"}},
		"audience": {Secret: "secret", Issuer: "auth-core", Audience: []string{"admins"}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewTokenService(cfg, clock).VerifyAccessToken(issued.Token)
			require.ErrorIs(t, err, appErrors.ErrInvalidToken)
		})
	}

	_, err = newTestTokenService(clock).VerifyAccessToken(issued.Token + "x")
	require.ErrorIs(t, err, appErrors.ErrInvalidToken)
}

func TestTokenServiceRejectsOtherAlgorithms(t *testing.T) {
	clock := newFakeClock()
	claims := &models.AccessClaims{
		DeviceID: "device-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti",
			Subject:   "user-1",
			Issuer:    "auth-core",
			Audience:  []string{"clients"},
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Minute)),
			IssuedAt:  jwt.NewNumericDate(clock.Now()),
		},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = newTestTokenService(clock).VerifyAccessToken(unsigned)
	require.ErrorIs(t, err, appErrors.ErrInvalidToken)

	claims.DeviceID = ""
	missingDevice, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = newTestTokenService(clock).VerifyAccessToken(missingDevice)
	require.ErrorIs(t, err, appErrors.ErrInvalidToken)
}
