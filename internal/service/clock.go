package service

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// Clock abstracts time so token expiry and throttle windows can be driven in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// defaultRandom is the cryptographically secure source used when none is injected.
var defaultRandom io.Reader = rand.Reader

func randomBytes(src io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(src, buf); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return buf, nil
}

func randomToken(src io.Reader, n int) (string, error) {
	buf, err := randomBytes(src, n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func randomHex(src io.Reader, n int) (string, error) {
	buf, err := randomBytes(src, n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
