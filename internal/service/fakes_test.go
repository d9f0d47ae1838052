package service

import (
	"bytes"
	"context"
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/auth-core-api/internal/models"
	"github.com/noah-isme/auth-core-api/internal/repository"
	"github.com/noah-isme/auth-core-api/pkg/signer"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type memUserRepo struct {
	mu    sync.Mutex
	users map[string]*models.User
	err   error
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: make(map[string]*models.User)}
}

func (r *memUserRepo) FindByEmail(_ context.Context, email string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	for _, u := range r.users {
		if u.Email == email {
			clone := *u
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r *memUserRepo) FindByID(_ context.Context, id string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	u, ok := r.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *u
	return &clone, nil
}

func (r *memUserRepo) Create(_ context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == user.Email {
			return repository.ErrDuplicate
		}
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	clone := *user
	r.users[user.ID] = &clone
	return nil
}

func (r *memUserRepo) UpdateLastLogin(_ context.Context, id string, ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		u.LastLogin = &ts
	}
	return nil
}

func (r *memUserRepo) UpdatePassword(_ context.Context, id, passwordHash string, updatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return sql.ErrNoRows
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = updatedAt
	return nil
}

func (r *memUserRepo) setActive(id string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[id].Active = active
}

type memDeviceRepo struct {
	mu      sync.Mutex
	devices map[string]*models.Device
	// staleLookups makes the next n fingerprint lookups miss, as a reader
	// racing a concurrent insert would.
	staleLookups int
}

func newMemDeviceRepo() *memDeviceRepo {
	return &memDeviceRepo{devices: make(map[string]*models.Device)}
}

func (r *memDeviceRepo) FindByFingerprint(_ context.Context, fingerprint string) (*models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.staleLookups > 0 {
		r.staleLookups--
		return nil, sql.ErrNoRows
	}
	for _, d := range r.devices {
		if d.Fingerprint == fingerprint {
			clone := *d
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r *memDeviceRepo) FindByID(_ context.Context, id string) (*models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *d
	return &clone, nil
}

func (r *memDeviceRepo) ListByUser(_ context.Context, userID string) ([]models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Device
	for _, d := range r.devices {
		if d.UserID == userID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memDeviceRepo) Create(_ context.Context, device *models.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.devices {
		if d.Fingerprint == device.Fingerprint {
			return repository.ErrDuplicate
		}
	}
	if device.ID == "" {
		device.ID = uuid.NewString()
	}
	clone := *device
	r.devices[device.ID] = &clone
	return nil
}

func (r *memDeviceRepo) Touch(_ context.Context, id, userAgent string, seenAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return sql.ErrNoRows
	}
	d.LastSeenAt = seenAt
	if userAgent != "" {
		d.UserAgent = userAgent
	}
	return nil
}

// memRefreshTokenRepo mirrors the conditional-update semantics of the SQL repository.
type memRefreshTokenRepo struct {
	mu           sync.Mutex
	tokens       map[string]*models.RefreshToken
	err          error
	beforeRotate func(currentID string)
}

func newMemRefreshTokenRepo() *memRefreshTokenRepo {
	return &memRefreshTokenRepo{tokens: make(map[string]*models.RefreshToken)}
}

func (r *memRefreshTokenRepo) Create(_ context.Context, token *models.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	clone := *token
	r.tokens[token.ID] = &clone
	return nil
}

func (r *memRefreshTokenRepo) FindByHash(_ context.Context, tokenHash string) (*models.RefreshToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	for _, t := range r.tokens {
		if t.TokenHash == tokenHash {
			clone := *t
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r *memRefreshTokenRepo) Revoke(_ context.Context, id, reason string, replacedBy *string, revokedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revokeLocked(id, reason, replacedBy, revokedAt)
}

func (r *memRefreshTokenRepo) revokeLocked(id, reason string, replacedBy *string, revokedAt time.Time) error {
	t, ok := r.tokens[id]
	if !ok || t.RevokedAt != nil {
		return repository.ErrConflict
	}
	t.RevokedAt = &revokedAt
	t.RevokedReason = &reason
	t.ReplacedBy = replacedBy
	return nil
}

func (r *memRefreshTokenRepo) Rotate(_ context.Context, currentID string, next *models.RefreshToken, rotatedAt time.Time) error {
	if r.beforeRotate != nil {
		r.beforeRotate(currentID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if err := r.revokeLocked(currentID, models.RevokeReasonRotated, &next.ID, rotatedAt); err != nil {
		return err
	}
	clone := *next
	r.tokens[next.ID] = &clone
	return nil
}

func (r *memRefreshTokenRepo) RevokeFamily(_ context.Context, familyID, reason string, revokedAt time.Time) (int64, error) {
	return r.revokeWhere(func(t *models.RefreshToken) bool { return t.FamilyID == familyID }, reason, revokedAt)
}

func (r *memRefreshTokenRepo) RevokeByDevice(_ context.Context, userID, deviceID, reason string, revokedAt time.Time) (int64, error) {
	return r.revokeWhere(func(t *models.RefreshToken) bool { return t.UserID == userID && t.DeviceID == deviceID }, reason, revokedAt)
}

func (r *memRefreshTokenRepo) RevokeByUser(_ context.Context, userID, reason string, revokedAt time.Time) (int64, error) {
	return r.revokeWhere(func(t *models.RefreshToken) bool { return t.UserID == userID }, reason, revokedAt)
}

func (r *memRefreshTokenRepo) revokeWhere(match func(*models.RefreshToken) bool, reason string, revokedAt time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	var n int64
	for _, t := range r.tokens {
		if t.RevokedAt == nil && match(t) {
			at, why := revokedAt, reason
			t.RevokedAt = &at
			t.RevokedReason = &why
			n++
		}
	}
	return n, nil
}

func (r *memRefreshTokenRepo) byHash(hash string) *models.RefreshToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tokens {
		if t.TokenHash == hash {
			clone := *t
			return &clone
		}
	}
	return nil
}

func (r *memRefreshTokenRepo) families() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for _, t := range r.tokens {
		out[t.FamilyID]++
	}
	return out
}

func (r *memRefreshTokenRepo) active(now time.Time) []models.RefreshToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.RefreshToken
	for _, t := range r.tokens {
		if t.RevokedAt == nil && !t.Expired(now) {
			out = append(out, *t)
		}
	}
	return out
}

type memAttemptRepo struct {
	mu       sync.Mutex
	attempts []models.AuthAttempt
}

func (r *memAttemptRepo) Create(_ context.Context, attempt *models.AuthAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, *attempt)
	return nil
}

func (r *memAttemptRepo) CountFailuresByIP(_ context.Context, ip string, since time.Time) (int, error) {
	return r.count(func(a models.AuthAttempt) bool { return a.IPAddress == ip }, since), nil
}

func (r *memAttemptRepo) CountFailuresByEmail(_ context.Context, email string, since time.Time) (int, error) {
	return r.count(func(a models.AuthAttempt) bool { return a.Email != nil && *a.Email == email }, since), nil
}

func (r *memAttemptRepo) count(match func(models.AuthAttempt) bool, since time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.attempts {
		if a.Success || a.AttemptedAt.Before(since) || !match(a) {
			continue
		}
		if a.Reason != nil && *a.Reason == models.AttemptReasonThrottled {
			continue
		}
		n++
	}
	return n
}

func (r *memAttemptRepo) all() []models.AuthAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.AuthAttempt(nil), r.attempts...)
}

type memEventRepo struct {
	mu     sync.Mutex
	events []models.SecurityEvent
	err    error
}

func (r *memEventRepo) Create(_ context.Context, event *models.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, *event)
	return nil
}

func (r *memEventRepo) ListByUser(_ context.Context, filter models.SecurityEventFilter) ([]models.SecurityEvent, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SecurityEvent
	for i := len(r.events) - 1; i >= 0; i-- {
		e := r.events[i]
		if e.UserID != nil && *e.UserID == filter.UserID {
			out = append(out, e)
		}
	}
	return out, len(out), nil
}

func (r *memEventRepo) ofType(eventType models.SecurityEventType) []models.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.SecurityEvent
	for _, e := range r.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type memDenylist struct {
	mu     sync.Mutex
	denied map[string]time.Duration
}

func (d *memDenylist) Deny(_ context.Context, tokenID string, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.denied == nil {
		d.denied = make(map[string]time.Duration)
	}
	d.denied[tokenID] = ttl
	return nil
}

func (d *memDenylist) IsDenied(_ context.Context, tokenID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.denied[tokenID]
	return ok, nil
}

type capturingSender struct {
	mu     sync.Mutex
	tokens []string
}

func (s *capturingSender) SendResetToken(_ context.Context, _ *models.User, token string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, token)
	return nil
}

func (s *capturingSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tokens) == 0 {
		return ""
	}
	return s.tokens[len(s.tokens)-1]
}

// cheapHasherConfig keeps Argon2id fast enough for unit tests.
var cheapHasherConfig = PasswordHasherConfig{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

type authHarness struct {
	svc      *AuthService
	clock    *fakeClock
	users    *memUserRepo
	devices  *memDeviceRepo
	tokens   *memRefreshTokenRepo
	attempts *memAttemptRepo
	events   *memEventRepo
	denylist *memDenylist
	sender   *capturingSender
	metrics  *MetricsService
	codec    *TokenService
}

func newAuthHarness(t *testing.T) *authHarness {
	t.Helper()
	h := &authHarness{
		clock:    newFakeClock(),
		users:    newMemUserRepo(),
		devices:  newMemDeviceRepo(),
		tokens:   newMemRefreshTokenRepo(),
		attempts: &memAttemptRepo{},
		events:   &memEventRepo{},
		denylist: &memDenylist{},
		sender:   &capturingSender{},
		metrics:  NewMetricsService(),
	}

	h.codec = NewTokenService(TokenConfig{
		Secret:   "test-secret",
		Issuer:   "auth-core-test",
		Audience: []string{"auth-core-clients"},
		TTL:      15 * time.Minute,
	}, h.clock)
	events := NewSecurityEventService(h.events, h.clock, h.metrics, nil)
	store := NewRefreshTokenStore(h.tokens, h.clock, nil)
	guard := NewRotationGuard(store, h.codec, events, h.metrics, h.clock, 30*24*time.Hour, nil)

	h.svc = NewAuthService(AuthDependencies{
		Users:       h.users,
		Devices:     NewDeviceService(h.devices, h.clock, nil, nil),
		Guard:       guard,
		Store:       store,
		Tokens:      h.codec,
		Hasher:      NewPasswordHasher(cheapHasherConfig, nil),
		Throttle:    NewLoginThrottle(h.attempts, h.clock, DefaultThrottleConfig),
		Events:      events,
		Exporter:    NewExportService(events, h.clock, nil),
		ResetSigner: signer.NewResetTokenSigner("reset-secret", 30*time.Minute, signer.WithClock(h.clock.Now)),
		ResetSender: h.sender,
		Denylist:    h.denylist,
		Metrics:     h.metrics,
		Clock:       h.clock,
	})
	return h
}

func (h *authHarness) register(t *testing.T, email, password string) *models.TokenPair {
	t.Helper()
	pair, err := h.svc.Register(context.Background(), models.RegisterRequest{
		Email:      email,
		Password:   password,
		ClientMeta: models.ClientMeta{IP: "10.0.0.1", UserAgent: "test-agent"},
	})
	require.NoError(t, err)
	return pair
}

func (h *authHarness) refresh(value string) (*models.TokenPair, error) {
	return h.svc.Refresh(context.Background(), models.RefreshTokenRequest{
		RefreshToken: value,
		ClientMeta:   models.ClientMeta{IP: "10.0.0.1", UserAgent: "test-agent"},
	})
}

func (h *authHarness) login(email, password, ip string) (*models.TokenPair, error) {
	return h.svc.Login(context.Background(), models.LoginRequest{
		Email:      email,
		Password:   password,
		ClientMeta: models.ClientMeta{IP: ip, UserAgent: "test-agent"},
	})
}

// zeroReader yields a deterministic byte stream for reproducible tokens.
func zeroReader(n int) *bytes.Reader {
	return bytes.NewReader(make([]byte, n))
}
