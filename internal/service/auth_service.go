package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/auth-core-api/internal/models"
	"github.com/noah-isme/auth-core-api/internal/repository"
	appErrors "github.com/noah-isme/auth-core-api/pkg/errors"
	"github.com/noah-isme/auth-core-api/pkg/signer"
)

const (
	opRegister = "register"
	opLogin    = "login"
	opRefresh  = "refresh"
	opLogout   = "logout"
)

type authUserRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
	UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error
}

type tokenDenylist interface {
	Deny(ctx context.Context, tokenID string, ttl time.Duration) error
	IsDenied(ctx context.Context, tokenID string) (bool, error)
}

// ResetTokenSender delivers password reset tokens to account owners.
type ResetTokenSender interface {
	SendResetToken(ctx context.Context, user *models.User, token string, expiresAt time.Time) error
}

// LogResetTokenSender only records that a token was issued. The token itself is never logged.
type LogResetTokenSender struct {
	Logger *zap.Logger
}

// SendResetToken implements ResetTokenSender.
func (s LogResetTokenSender) SendResetToken(_ context.Context, user *models.User, _ string, expiresAt time.Time) error {
	if s.Logger != nil {
		s.Logger.Info("password reset token issued", zap.String("user_id", user.ID), zap.Time("expires_at", expiresAt))
	}
	return nil
}

// AuthDependencies groups the collaborators of AuthService.
type AuthDependencies struct {
	Users       authUserRepository
	Devices     *DeviceService
	Guard       *RotationGuard
	Store       *RefreshTokenStore
	Tokens      *TokenService
	Hasher      *PasswordHasher
	Throttle    *LoginThrottle
	Events      *SecurityEventService
	Exporter    *ExportService
	ResetSigner *signer.ResetTokenSigner
	ResetSender ResetTokenSender
	Denylist    tokenDenylist
	Validator   *validator.Validate
	Metrics     *MetricsService
	Clock       Clock
	Logger      *zap.Logger
}

// AuthService composes credential checks, device binding and token families
// into the authentication use cases exposed to handlers.
type AuthService struct {
	users       authUserRepository
	devices     *DeviceService
	guard       *RotationGuard
	store       *RefreshTokenStore
	tokens      *TokenService
	hasher      *PasswordHasher
	throttle    *LoginThrottle
	events      *SecurityEventService
	exporter    *ExportService
	resetSigner *signer.ResetTokenSigner
	resetSender ResetTokenSender
	denylist    tokenDenylist
	validator   *validator.Validate
	metrics     *MetricsService
	clock       Clock
	logger      *zap.Logger

	dummyOnce   sync.Once
	dummyDigest string
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(deps AuthDependencies) *AuthService {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Validator == nil {
		deps.Validator = validator.New()
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.ResetSender == nil {
		deps.ResetSender = LogResetTokenSender{Logger: deps.Logger}
	}
	return &AuthService{
		users:       deps.Users,
		devices:     deps.Devices,
		guard:       deps.Guard,
		store:       deps.Store,
		tokens:      deps.Tokens,
		hasher:      deps.Hasher,
		throttle:    deps.Throttle,
		events:      deps.Events,
		exporter:    deps.Exporter,
		resetSigner: deps.ResetSigner,
		resetSender: deps.ResetSender,
		denylist:    deps.Denylist,
		validator:   deps.Validator,
		metrics:     deps.Metrics,
		clock:       deps.Clock,
		logger:      deps.Logger,
	}
}

// Register creates an account and opens its first token family.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) (*models.TokenPair, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}
	email := normalizeEmail(req.Email)

	_, err := s.users.FindByEmail(ctx, email)
	switch {
	case err == nil:
		return nil, s.rejectRegistration(ctx, email, req.ClientMeta)
	case !errors.Is(err, sql.ErrNoRows):
		s.metrics.RecordAuthOutcome(opRegister, OutcomeError)
		return nil, appErrors.Internal(err, "failed to fetch user")
	}

	digest, err := s.hash(req.Password)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to hash password")
	}

	now := s.clock.Now()
	user := &models.User{
		Email:        email,
		PasswordHash: digest,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if username := strings.TrimSpace(req.Username); username != "" {
		user.Username = &username
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, s.rejectRegistration(ctx, email, req.ClientMeta)
		}
		s.metrics.RecordAuthOutcome(opRegister, OutcomeError)
		return nil, appErrors.Internal(err, "failed to create user")
	}

	pair, deviceID, err := s.openSession(ctx, user, req.DeviceFingerprint, req.DeviceName, req.ClientMeta)
	if err != nil {
		s.metrics.RecordAuthOutcome(opRegister, OutcomeError)
		return nil, err
	}
	if err := s.recordAttempt(ctx, email, true, models.AttemptReasonRegistered, req.ClientMeta); err != nil {
		return nil, err
	}

	s.events.Record(ctx, models.SecurityEventRegister, SecurityEventInput{
		UserID:    user.ID,
		DeviceID:  deviceID,
		IP:        req.IP,
		UserAgent: req.UserAgent,
	})
	s.metrics.RecordAuthOutcome(opRegister, OutcomeSuccess)
	s.logger.Info("user registered", zap.String("user_id", user.ID))
	return pair, nil
}

// Login authenticates a user and opens a new token family.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.TokenPair, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}
	email := normalizeEmail(req.Email)

	throttled, err := s.throttle.IsThrottled(ctx, req.IP)
	if err == nil && !throttled {
		throttled, err = s.throttle.IsAccountThrottled(ctx, email)
	}
	if err != nil {
		s.metrics.RecordAuthOutcome(opLogin, OutcomeError)
		return nil, appErrors.Internal(err, "failed to evaluate login throttle")
	}
	if throttled {
		if err := s.recordAttempt(ctx, email, false, models.AttemptReasonThrottled, req.ClientMeta); err != nil {
			return nil, err
		}
		s.logger.Warn("login throttled", zap.String("ip", req.IP))
		s.metrics.RecordAuthOutcome(opLogin, OutcomeThrottled)
		return nil, appErrors.ErrThrottled
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.metrics.RecordAuthOutcome(opLogin, OutcomeError)
			return nil, appErrors.Internal(err, "failed to fetch user")
		}
		// Burn the same hashing cost as a real mismatch.
		s.verify(req.Password, s.dummyHash())
		return nil, s.rejectLogin(ctx, email, models.AttemptReasonInvalidCredentials, req.ClientMeta)
	}

	if !s.verify(req.Password, user.PasswordHash) {
		return nil, s.rejectLogin(ctx, email, models.AttemptReasonInvalidCredentials, req.ClientMeta)
	}
	if !user.Active {
		return nil, s.rejectLogin(ctx, email, models.AttemptReasonInactive, req.ClientMeta)
	}

	if s.hasher.NeedsRehash(user.PasswordHash) {
		s.upgradeDigest(ctx, user, req.Password)
	}

	pair, deviceID, err := s.openSession(ctx, user, req.DeviceFingerprint, req.DeviceName, req.ClientMeta)
	if err != nil {
		s.metrics.RecordAuthOutcome(opLogin, OutcomeError)
		return nil, err
	}
	if err := s.recordAttempt(ctx, email, true, "", req.ClientMeta); err != nil {
		return nil, err
	}
	if err := s.users.UpdateLastLogin(ctx, user.ID, s.clock.Now()); err != nil {
		s.logger.Warn("failed to update last login", zap.String("user_id", user.ID), zap.Error(err))
	}

	s.events.Record(ctx, models.SecurityEventLogin, SecurityEventInput{
		UserID:    user.ID,
		DeviceID:  deviceID,
		IP:        req.IP,
		UserAgent: req.UserAgent,
	})
	s.metrics.RecordAuthOutcome(opLogin, OutcomeSuccess)
	return pair, nil
}

// Refresh rotates a refresh token. ErrReuseDetected means the whole family
// was revoked and the client must discard every token it holds.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshTokenRequest) (*models.TokenPair, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	var user *models.User
	result, err := s.guard.RotateChecked(ctx, req.RefreshToken, req.ClientMeta, func(ctx context.Context, record *models.RefreshToken) error {
		owner, err := s.users.FindByID(ctx, record.UserID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return appErrors.Internal(err, "failed to fetch user")
		}
		if err != nil || !owner.Active {
			if _, revokeErr := s.store.RevokeFamily(ctx, record.FamilyID, models.RevokeReasonInactive); revokeErr != nil {
				return appErrors.Internal(revokeErr, "failed to revoke token family")
			}
			if err != nil {
				return appErrors.ErrInvalidRefreshToken
			}
			return appErrors.ErrInactiveAccount
		}
		user = owner
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, appErrors.ErrReuseDetected):
			s.metrics.RecordAuthOutcome(opRefresh, OutcomeReuse)
		case errors.Is(err, appErrors.ErrInvalidRefreshToken):
			s.metrics.RecordAuthOutcome(opRefresh, OutcomeInvalidToken)
		case errors.Is(err, appErrors.ErrInactiveAccount):
			s.metrics.RecordAuthOutcome(opRefresh, OutcomeInvalid)
		default:
			s.metrics.RecordAuthOutcome(opRefresh, OutcomeError)
		}
		return nil, err
	}

	s.metrics.RecordAuthOutcome(opRefresh, OutcomeSuccess)
	return s.tokenPair(user, result), nil
}

// Authenticate verifies an access token and rejects deny-listed token ids.
func (s *AuthService) Authenticate(ctx context.Context, accessToken string) (*models.AccessClaims, error) {
	claims, err := s.tokens.VerifyAccessToken(accessToken)
	if err != nil {
		return nil, err
	}
	if s.denylist != nil {
		denied, err := s.denylist.IsDenied(ctx, claims.TokenID())
		if err != nil {
			return nil, appErrors.Internal(err, "failed to check token denylist")
		}
		if denied {
			return nil, appErrors.ErrInvalidToken
		}
	}
	return claims, nil
}

// Logout revokes every family bound to the token's device and deny-lists the
// access token until it expires.
func (s *AuthService) Logout(ctx context.Context, accessToken string, meta models.ClientMeta) error {
	claims, err := s.Authenticate(ctx, accessToken)
	if err != nil {
		return err
	}

	revoked, err := s.store.RevokeDevice(ctx, claims.UserID(), claims.DeviceID, models.RevokeReasonLogout)
	if err != nil {
		s.metrics.RecordAuthOutcome(opLogout, OutcomeError)
		return appErrors.Internal(err, "failed to revoke refresh tokens")
	}
	s.denyAccessToken(ctx, claims)

	s.events.Record(ctx, models.SecurityEventLogout, SecurityEventInput{
		UserID:    claims.UserID(),
		DeviceID:  claims.DeviceID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Metadata:  map[string]interface{}{"revoked": revoked},
	})
	s.metrics.RecordAuthOutcome(opLogout, OutcomeSuccess)
	return nil
}

// ChangePassword verifies the current password, stores the new digest and
// revokes every refresh token family of the user.
func (s *AuthService) ChangePassword(ctx context.Context, userID string, req models.ChangePasswordRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid change password payload")
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return err
	}
	if !s.verify(req.OldPassword, user.PasswordHash) {
		return appErrors.ErrPasswordMismatch
	}

	return s.replacePassword(ctx, user, req.NewPassword, models.RevokeReasonPasswordChange, models.SecurityEventPasswordChange, req.ClientMeta)
}

// ForgotPassword issues a reset token bound to the current password digest.
// Unknown and inactive accounts are answered identically to known ones.
func (s *AuthService) ForgotPassword(ctx context.Context, req models.ResetPasswordRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid reset payload")
	}

	user, err := s.users.FindByEmail(ctx, normalizeEmail(req.Email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return appErrors.Internal(err, "failed to fetch user")
	}
	if !user.Active {
		return nil
	}

	token, expiresAt, err := s.resetSigner.Generate(user.ID, user.PasswordHash)
	if err != nil {
		return appErrors.Internal(err, "failed to create reset token")
	}
	if err := s.resetSender.SendResetToken(ctx, user, token, expiresAt); err != nil {
		return appErrors.Internal(err, "failed to deliver reset token")
	}

	s.events.Record(ctx, models.SecurityEventResetRequested, SecurityEventInput{
		UserID:    user.ID,
		IP:        req.IP,
		UserAgent: req.UserAgent,
	})
	return nil
}

// ResetPassword completes a reset. The token stops verifying once the digest
// it is bound to changes, so it can be used once.
func (s *AuthService) ResetPassword(ctx context.Context, req models.ConfirmResetPasswordRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid reset payload")
	}

	userID, err := s.resetSigner.Subject(req.Token)
	if err != nil {
		return appErrors.ErrInvalidResetToken
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrInvalidResetToken
		}
		return appErrors.Internal(err, "failed to fetch user")
	}
	if _, err := s.resetSigner.Verify(req.Token, user.PasswordHash); err != nil || !user.Active {
		return appErrors.ErrInvalidResetToken
	}

	return s.replacePassword(ctx, user, req.NewPassword, models.RevokeReasonPasswordReset, models.SecurityEventPasswordReset, req.ClientMeta)
}

// Me returns the public profile of the user.
func (s *AuthService) Me(ctx context.Context, userID string) (*models.UserInfo, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	info := user.Info()
	return &info, nil
}

// ListDevices returns the devices bound to the user.
func (s *AuthService) ListDevices(ctx context.Context, userID string) ([]models.Device, error) {
	return s.devices.List(ctx, userID)
}

// RevokeDevice signs a device out by revoking its token families.
func (s *AuthService) RevokeDevice(ctx context.Context, userID, deviceID string, meta models.ClientMeta) error {
	device, err := s.devices.Get(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	revoked, err := s.store.RevokeDevice(ctx, userID, device.ID, models.RevokeReasonDeviceRevoked)
	if err != nil {
		return appErrors.Internal(err, "failed to revoke device tokens")
	}
	s.events.Record(ctx, models.SecurityEventDeviceRevoked, SecurityEventInput{
		UserID:    userID,
		DeviceID:  device.ID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Metadata:  map[string]interface{}{"revoked": revoked},
	})
	return nil
}

// ListSecurityEvents returns a page of the user's audit trail.
func (s *AuthService) ListSecurityEvents(ctx context.Context, userID string, page, pageSize int) ([]models.SecurityEvent, *models.Pagination, error) {
	filter := models.SecurityEventFilter{UserID: userID, Page: page, PageSize: pageSize}
	events, total, err := s.events.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Internal(err, "failed to list security events")
	}
	if events == nil {
		events = []models.SecurityEvent{}
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = 50
	}
	return events, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// ExportSecurityEvents renders the user's audit trail as csv or pdf.
func (s *AuthService) ExportSecurityEvents(ctx context.Context, userID, format string) (*ExportFile, error) {
	return s.exporter.ExportSecurityEvents(ctx, userID, format)
}

func (s *AuthService) openSession(ctx context.Context, user *models.User, fingerprint, deviceName string, meta models.ClientMeta) (*models.TokenPair, string, error) {
	device, err := s.devices.Resolve(ctx, user.ID, fingerprint, deviceName, meta.UserAgent)
	if err != nil {
		return nil, "", err
	}
	result, err := s.guard.StartFamily(ctx, user.ID, device.ID, meta)
	if err != nil {
		return nil, "", err
	}
	return s.tokenPair(user, result), device.ID, nil
}

func (s *AuthService) tokenPair(user *models.User, result *RotationResult) *models.TokenPair {
	return &models.TokenPair{
		AccessToken:  result.Access.Token,
		RefreshToken: result.RefreshToken,
		ExpiresIn:    int64(s.tokens.TTL().Seconds()),
		TokenType:    models.TokenTypeBearer,
		User:         user.Info(),
		IssuedAt:     s.clock.Now(),
	}
}

func (s *AuthService) replacePassword(ctx context.Context, user *models.User, password, reason string, eventType models.SecurityEventType, meta models.ClientMeta) error {
	digest, err := s.hash(password)
	if err != nil {
		return appErrors.Internal(err, "failed to hash password")
	}
	if err := s.users.UpdatePassword(ctx, user.ID, digest, s.clock.Now()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrUserNotFound
		}
		return appErrors.Internal(err, "failed to update password")
	}
	user.PasswordHash = digest

	revoked, err := s.store.RevokeUser(ctx, user.ID, reason)
	if err != nil {
		return appErrors.Internal(err, "failed to revoke refresh tokens")
	}

	s.events.Record(ctx, eventType, SecurityEventInput{
		UserID:    user.ID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Metadata:  map[string]interface{}{"revoked": revoked},
	})
	s.logger.Info("password replaced", zap.String("user_id", user.ID), zap.String("reason", reason), zap.Int64("revoked", revoked))
	return nil
}

func (s *AuthService) rejectRegistration(ctx context.Context, email string, meta models.ClientMeta) error {
	if err := s.recordAttempt(ctx, email, false, models.AttemptReasonEmailTaken, meta); err != nil {
		return err
	}
	s.metrics.RecordAuthOutcome(opRegister, OutcomeEmailTaken)
	return appErrors.ErrEmailTaken
}

func (s *AuthService) rejectLogin(ctx context.Context, email, reason string, meta models.ClientMeta) error {
	if err := s.recordAttempt(ctx, email, false, reason, meta); err != nil {
		return err
	}
	s.metrics.RecordAuthOutcome(opLogin, OutcomeInvalid)
	return appErrors.ErrInvalidCredentials
}

func (s *AuthService) recordAttempt(ctx context.Context, email string, success bool, reason string, meta models.ClientMeta) error {
	if err := s.throttle.RecordAttempt(ctx, meta.IP, email, success, reason, meta.UserAgent); err != nil {
		return appErrors.Internal(err, "failed to record auth attempt")
	}
	return nil
}

func (s *AuthService) loadUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrUserNotFound
		}
		return nil, appErrors.Internal(err, "failed to fetch user")
	}
	return user, nil
}

func (s *AuthService) upgradeDigest(ctx context.Context, user *models.User, password string) {
	digest, err := s.hash(password)
	if err == nil {
		err = s.users.UpdatePassword(ctx, user.ID, digest, s.clock.Now())
	}
	if err != nil {
		s.logger.Warn("failed to upgrade password digest", zap.String("user_id", user.ID), zap.Error(err))
		return
	}
	user.PasswordHash = digest
}

func (s *AuthService) denyAccessToken(ctx context.Context, claims *models.AccessClaims) {
	if s.denylist == nil || claims.ExpiresAt == nil {
		return
	}
	ttl := claims.ExpiresAt.Time.Sub(s.clock.Now())
	if ttl <= 0 {
		return
	}
	if err := s.denylist.Deny(ctx, claims.TokenID(), ttl); err != nil {
		s.logger.Warn("failed to deny-list access token", zap.String("jti", claims.TokenID()), zap.Error(err))
	}
}

func (s *AuthService) hash(password string) (string, error) {
	start := time.Now()
	defer func() { s.metrics.ObservePasswordHash(time.Since(start)) }()
	return s.hasher.Hash(password)
}

func (s *AuthService) verify(password, digest string) bool {
	start := time.Now()
	defer func() { s.metrics.ObservePasswordHash(time.Since(start)) }()
	return s.hasher.Verify(password, digest)
}

// dummyHash is verified against when the account does not exist.
func (s *AuthService) dummyHash() string {
	s.dummyOnce.Do(func() {
		digest, err := s.hasher.Hash("not-a-real-password")
		if err != nil {
			s.logger.Warn("failed to prepare dummy digest", zap.Error(err))
			return
		}
		s.dummyDigest = digest
	})
	return s.dummyDigest
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
