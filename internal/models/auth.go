package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTypeBearer is the token_type reported alongside every issued pair.
const TokenTypeBearer = "Bearer"

// ClientMeta carries request metadata captured by the transport layer.
type ClientMeta struct {
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// RegisterRequest creates a new account.
type RegisterRequest struct {
	Email             string `json:"email" validate:"required,email,max=254"`
	Password          string `json:"password" validate:"required,min=8,max=128"`
	Username          string `json:"username" validate:"omitempty,min=3,max=32,alphanum"`
	DeviceFingerprint string `json:"device_fingerprint" validate:"omitempty,max=128"`
	DeviceName        string `json:"device_name" validate:"omitempty,max=100"`
	ClientMeta
}

// LoginRequest holds credentials for authenticating a user.
type LoginRequest struct {
	Email             string `json:"email" validate:"required,email,max=254"`
	Password          string `json:"password" validate:"required,max=128"`
	DeviceFingerprint string `json:"device_fingerprint" validate:"omitempty,max=128"`
	DeviceName        string `json:"device_name" validate:"omitempty,max=100"`
	ClientMeta
}

// RefreshTokenRequest exchanges a refresh token for a new token pair.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
	ClientMeta
}

// ChangePasswordRequest payload for updating password.
type ChangePasswordRequest struct {
	OldPassword string `json:"old_password" validate:"required,max=128"`
	NewPassword string `json:"new_password" validate:"required,min=8,max=128"`
	ClientMeta
}

// ResetPasswordRequest payload for initiating reset flow.
type ResetPasswordRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
	ClientMeta
}

// ConfirmResetPasswordRequest completes reset flow.
type ConfirmResetPasswordRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8,max=128"`
	ClientMeta
}

// TokenPair is returned by register, login and refresh.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int64     `json:"expires_in"`
	TokenType    string    `json:"token_type"`
	User         UserInfo  `json:"user"`
	IssuedAt     time.Time `json:"issued_at"`
}

// UserInfo describes the authenticated user in responses.
type UserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Username      string `json:"username,omitempty"`
	EmailVerified bool   `json:"email_verified"`
}

// AccessClaims is the JWT payload of an access token.
type AccessClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// UserID returns the subject of the token.
func (c *AccessClaims) UserID() string {
	return c.Subject
}

// TokenID returns the unique token id (jti).
func (c *AccessClaims) TokenID() string {
	return c.ID
}
