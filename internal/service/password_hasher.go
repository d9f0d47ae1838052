package service

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// PasswordHasherConfig holds the Argon2id cost parameters.
type PasswordHasherConfig struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultPasswordHasherConfig mirrors the configuration defaults.
func DefaultPasswordHasherConfig() PasswordHasherConfig {
	return PasswordHasherConfig{Memory: 64 * 1024, Iterations: 3, Parallelism: 2, SaltLength: 16, KeyLength: 32}
}

var errMalformedDigest = errors.New("malformed password digest")

// PasswordHasher hashes passwords with Argon2id. Legacy bcrypt digests are still
// accepted by Verify and flagged by NeedsRehash.
type PasswordHasher struct {
	cfg    PasswordHasherConfig
	random io.Reader
}

// NewPasswordHasher constructs a hasher; zero-valued parameters fall back to defaults.
func NewPasswordHasher(cfg PasswordHasherConfig, random io.Reader) *PasswordHasher {
	def := DefaultPasswordHasherConfig()
	if cfg.Memory == 0 {
		cfg.Memory = def.Memory
	}
	if cfg.Iterations == 0 {
		cfg.Iterations = def.Iterations
	}
	if cfg.Parallelism == 0 {
		cfg.Parallelism = def.Parallelism
	}
	if cfg.SaltLength == 0 {
		cfg.SaltLength = def.SaltLength
	}
	if cfg.KeyLength == 0 {
		cfg.KeyLength = def.KeyLength
	}
	if random == nil {
		random = defaultRandom
	}
	return &PasswordHasher{cfg: cfg, random: random}
}

// Hash returns a PHC-formatted Argon2id digest with an embedded random salt.
func (h *PasswordHasher) Hash(password string) (string, error) {
	salt, err := randomBytes(h.random, int(h.cfg.SaltLength))
	if err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, h.cfg.Iterations, h.cfg.Memory, h.cfg.Parallelism, h.cfg.KeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.cfg.Memory, h.cfg.Iterations, h.cfg.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches digest. Malformed digests never match.
func (h *PasswordHasher) Verify(password, digest string) bool {
	if isBcrypt(digest) {
		return bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)) == nil
	}
	params, salt, key, err := decodeArgon2(digest)
	if err != nil {
		return false
	}
	candidate := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, uint32(len(key)))
	return subtle.ConstantTimeCompare(candidate, key) == 1
}

// NeedsRehash reports whether digest was produced by another algorithm or with
// different cost parameters than the configured ones.
func (h *PasswordHasher) NeedsRehash(digest string) bool {
	if isBcrypt(digest) {
		return true
	}
	params, salt, key, err := decodeArgon2(digest)
	if err != nil {
		return true
	}
	return params.Memory != h.cfg.Memory ||
		params.Iterations != h.cfg.Iterations ||
		params.Parallelism != h.cfg.Parallelism ||
		uint32(len(salt)) != h.cfg.SaltLength ||
		uint32(len(key)) != h.cfg.KeyLength
}

func isBcrypt(digest string) bool {
	return strings.HasPrefix(digest, "$2a$") || strings.HasPrefix(digest, "$2b$") || strings.HasPrefix(digest, "$2y$")
}

func decodeArgon2(digest string) (PasswordHasherConfig, []byte, []byte, error) {
	var params PasswordHasherConfig
	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return params, nil, nil, errMalformedDigest
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return params, nil, nil, errMalformedDigest
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Iterations, &params.Parallelism); err != nil {
		return params, nil, nil, errMalformedDigest
	}
	if params.Memory == 0 || params.Iterations == 0 || params.Parallelism == 0 {
		return params, nil, nil, errMalformedDigest
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return params, nil, nil, errMalformedDigest
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return params, nil, nil, errMalformedDigest
	}
	return params, salt, key, nil
}
