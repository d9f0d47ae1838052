package signer

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformed reports a token that does not have the expected shape.
	ErrMalformed = errors.New("malformed reset token")
	// ErrSignature reports a token whose signature does not match its binding.
	ErrSignature = errors.New("invalid reset token signature")
	// ErrExpired reports a token past its expiry.
	ErrExpired = errors.New("reset token expired")
)

// ResetTokenSigner creates and validates password reset tokens. A token is
// bound to an arbitrary string (the account's current password hash), so it
// stops verifying as soon as that binding changes.
type ResetTokenSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	random io.Reader
}

// Option customises a ResetTokenSigner.
type Option func(*ResetTokenSigner)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *ResetTokenSigner) { s.now = now }
}

// WithRandom overrides the nonce source.
func WithRandom(r io.Reader) Option {
	return func(s *ResetTokenSigner) { s.random = r }
}

// NewResetTokenSigner constructs a signer with the provided secret and TTL.
func NewResetTokenSigner(secret string, ttl time.Duration, opts ...Option) *ResetTokenSigner {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	s := &ResetTokenSigner{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured token lifetime.
func (s *ResetTokenSigner) TTL() time.Duration {
	return s.ttl
}

// Generate returns a token for subject bound to binding.
func (s *ResetTokenSigner) Generate(subject, binding string) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, fmt.Errorf("subject required")
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("signing secret missing")
	}
	nonce := make([]byte, 16)
	if _, err := io.ReadFull(s.random, nonce); err != nil {
		return "", time.Time{}, fmt.Errorf("read nonce: %w", err)
	}

	expiresAt := s.now().Add(s.ttl).Truncate(time.Second)
	encodedSubject := base64.RawURLEncoding.EncodeToString([]byte(subject))
	ts := strconv.FormatInt(expiresAt.Unix(), 10)
	encodedNonce := base64.RawURLEncoding.EncodeToString(nonce)

	signature := s.sign(encodedSubject, ts, encodedNonce, binding)
	token := strings.Join([]string{encodedSubject, ts, encodedNonce, signature}, ".")
	return token, expiresAt, nil
}

// Subject extracts the unverified subject so the caller can load the binding.
func (s *ResetTokenSigner) Subject(token string) (string, error) {
	parts, err := split(token)
	if err != nil {
		return "", err
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil || len(raw) == 0 {
		return "", ErrMalformed
	}
	return string(raw), nil
}

// Verify checks the signature against binding and the expiry, returning the subject.
func (s *ResetTokenSigner) Verify(token, binding string) (string, error) {
	parts, err := split(token)
	if err != nil {
		return "", err
	}
	subject, err := s.Subject(token)
	if err != nil {
		return "", err
	}
	expUnix, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", ErrMalformed
	}

	expected := s.sign(parts[0], parts[1], parts[2], binding)
	if !hmac.Equal([]byte(expected), []byte(parts[3])) {
		return "", ErrSignature
	}
	if !s.now().Before(time.Unix(expUnix, 0)) {
		return "", ErrExpired
	}
	return subject, nil
}

func (s *ResetTokenSigner) sign(subject, ts, nonce, binding string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(subject + "|" + ts + "|" + nonce + "|" + binding))
	return hex.EncodeToString(mac.Sum(nil))
}

func split(token string) ([]string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return nil, ErrMalformed
	}
	for _, p := range parts {
		if p == "" {
			return nil, ErrMalformed
		}
	}
	return parts, nil
}
