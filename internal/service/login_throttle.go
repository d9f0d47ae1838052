package service

import (
	"context"
	"time"

	"github.com/noah-isme/auth-core-api/internal/models"
)

type authAttemptRepository interface {
	Create(ctx context.Context, attempt *models.AuthAttempt) error
	CountFailuresByIP(ctx context.Context, ip string, since time.Time) (int, error)
	CountFailuresByEmail(ctx context.Context, email string, since time.Time) (int, error)
}

// ThrottleConfig tunes the sliding failure window.
type ThrottleConfig struct {
	Window      time.Duration
	MaxFailures int
	// AccountMaxFailures enables an additional per-email limit when positive.
	AccountMaxFailures int
}

// DefaultThrottleConfig is 5 failures per IP in a trailing 15 minutes.
var DefaultThrottleConfig = ThrottleConfig{Window: 15 * time.Minute, MaxFailures: 5}

// LoginThrottle counts failed attempts over a trailing window using the attempt log.
type LoginThrottle struct {
	repo   authAttemptRepository
	clock  Clock
	config ThrottleConfig
}

// NewLoginThrottle constructs a LoginThrottle.
func NewLoginThrottle(repo authAttemptRepository, clock Clock, config ThrottleConfig) *LoginThrottle {
	if clock == nil {
		clock = SystemClock{}
	}
	if config.Window <= 0 {
		config.Window = DefaultThrottleConfig.Window
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = DefaultThrottleConfig.MaxFailures
	}
	return &LoginThrottle{repo: repo, clock: clock, config: config}
}

// RecordAttempt appends an attempt to the log.
func (t *LoginThrottle) RecordAttempt(ctx context.Context, ip, email string, success bool, reason, userAgent string) error {
	attempt := &models.AuthAttempt{
		IPAddress:   ip,
		UserAgent:   userAgent,
		Success:     success,
		AttemptedAt: t.clock.Now(),
	}
	if email != "" {
		attempt.Email = &email
	}
	if reason != "" {
		attempt.Reason = &reason
	}
	return t.repo.Create(ctx, attempt)
}

// IsThrottled reports whether ip has reached the failure limit in the window.
func (t *LoginThrottle) IsThrottled(ctx context.Context, ip string) (bool, error) {
	count, err := t.repo.CountFailuresByIP(ctx, ip, t.windowStart())
	if err != nil {
		return false, err
	}
	return count >= t.config.MaxFailures, nil
}

// IsAccountThrottled applies the optional per-email limit. It always reports
// false when AccountMaxFailures is not configured.
func (t *LoginThrottle) IsAccountThrottled(ctx context.Context, email string) (bool, error) {
	if t.config.AccountMaxFailures <= 0 || email == "" {
		return false, nil
	}
	count, err := t.repo.CountFailuresByEmail(ctx, email, t.windowStart())
	if err != nil {
		return false, err
	}
	return count >= t.config.AccountMaxFailures, nil
}

func (t *LoginThrottle) windowStart() time.Time {
	return t.clock.Now().Add(-t.config.Window)
}
