package service

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/auth-core-api/internal/models"
	appErrors "github.com/noah-isme/auth-core-api/pkg/errors"
)

// TokenConfig defines access token signing parameters.
type TokenConfig struct {
	Secret   string
	Issuer   string
	Audience []string
	TTL      time.Duration
}

// AccessToken is a freshly issued, signed access token.
type AccessToken struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

// TokenService issues and verifies short-lived HS256 access tokens. It holds no storage.
type TokenService struct {
	config TokenConfig
	clock  Clock
}

// NewTokenService constructs a TokenService.
func NewTokenService(config TokenConfig, clock Clock) *TokenService {
	if config.TTL <= 0 {
		config.TTL = 15 * time.Minute
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &TokenService{config: config, clock: clock}
}

// TTL returns the configured access token lifetime.
func (s *TokenService) TTL() time.Duration {
	return s.config.TTL
}

// IssueAccessToken signs a token for the user bound to the device.
func (s *TokenService) IssueAccessToken(userID, deviceID string) (*AccessToken, error) {
	issuedAt := s.clock.Now().UTC()
	expiresAt := issuedAt.Add(s.config.TTL)
	tokenID := uuid.NewString()

	claims := &models.AccessClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Issuer:    s.config.Issuer,
			Subject:   userID,
			Audience:  s.config.Audience,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.config.Secret))
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	return &AccessToken{Token: signed, ID: tokenID, ExpiresAt: expiresAt}, nil
}

// VerifyAccessToken checks signature, expiry, issuer and audience. Any failure is ErrInvalidToken.
func (s *TokenService) VerifyAccessToken(tokenString string) (*models.AccessClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.clock.Now),
	}
	if s.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.config.Issuer))
	}
	if len(s.config.Audience) > 0 {
		opts = append(opts, jwt.WithAudience(s.config.Audience[0]))
	}

	claims := &models.AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.config.Secret), nil
	}, opts...)
	if err != nil {
		return nil, appErrors.ErrInvalidToken
	}
	if !token.Valid || claims.Subject == "" || claims.ID == "" || claims.DeviceID == "" {
		return nil, appErrors.ErrInvalidToken
	}
	return claims, nil
}
